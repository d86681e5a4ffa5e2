package cdxprops

import (
	"context"
	"crypto/dsa" //nolint:staticcheck // obsoleted crypto is still reported
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
)

const (
	refUnknownKey       cdx.BOMReference = "crypto/key/unknown@unknown"
	refUnknownAlgorithm cdx.BOMReference = "crypto/algorithm/unknown@unknown"
)

var sigAlgRef = map[x509.SignatureAlgorithm]cdx.BOMReference{
	x509.MD5WithRSA:       "crypto/algorithm/md5-rsa@1.2.840.113549.1.1.4",
	x509.SHA1WithRSA:      "crypto/algorithm/sha-1-rsa@1.2.840.113549.1.1.5",
	x509.SHA256WithRSA:    "crypto/algorithm/sha-256-rsa@1.2.840.113549.1.1.11",
	x509.SHA384WithRSA:    "crypto/algorithm/sha-384-rsa@1.2.840.113549.1.1.12",
	x509.SHA512WithRSA:    "crypto/algorithm/sha-512-rsa@1.2.840.113549.1.1.13",
	x509.DSAWithSHA1:      "crypto/algorithm/sha-1-dsa@1.2.840.10040.4.3",
	x509.DSAWithSHA256:    "crypto/algorithm/sha-256-dsa@2.16.840.1.101.3.4.3.2",
	x509.ECDSAWithSHA1:    "crypto/algorithm/sha-1-ecdsa@1.2.840.10045.4.1",
	x509.ECDSAWithSHA256:  "crypto/algorithm/sha-256-ecdsa@1.2.840.10045.4.3.2",
	x509.ECDSAWithSHA384:  "crypto/algorithm/sha-384-ecdsa@1.2.840.10045.4.3.3",
	x509.ECDSAWithSHA512:  "crypto/algorithm/sha-512-ecdsa@1.2.840.10045.4.3.4",
	x509.SHA256WithRSAPSS: "crypto/algorithm/rsassa-pss@1.2.840.113549.1.1.10",
	x509.SHA384WithRSAPSS: "crypto/algorithm/rsassa-pss@1.2.840.113549.1.1.10",
	x509.SHA512WithRSAPSS: "crypto/algorithm/rsassa-pss@1.2.840.113549.1.1.10",
	x509.PureEd25519:      "crypto/algorithm/ed25519@1.3.101.112",
}

// NIST ML-DSA (FIPS 204) and SLH-DSA (FIPS 205) share the OIDs for the
// signature and the key.
var pqcOIDName = map[string]string{
	"2.16.840.1.101.3.4.3.17": "ml-dsa-44",
	"2.16.840.1.101.3.4.3.18": "ml-dsa-65",
	"2.16.840.1.101.3.4.3.19": "ml-dsa-87",
	"2.16.840.1.101.3.4.3.20": "slh-dsa-sha2-128s",
	"2.16.840.1.101.3.4.3.21": "slh-dsa-sha2-128f",
	"2.16.840.1.101.3.4.3.22": "slh-dsa-sha2-192s",
	"2.16.840.1.101.3.4.3.23": "slh-dsa-sha2-192f",
	"2.16.840.1.101.3.4.3.24": "slh-dsa-sha2-256s",
	"2.16.840.1.101.3.4.3.25": "slh-dsa-sha2-256f",
	"2.16.840.1.101.3.4.3.26": "slh-dsa-shake-128s",
	"2.16.840.1.101.3.4.3.27": "slh-dsa-shake-128f",
	"2.16.840.1.101.3.4.3.28": "slh-dsa-shake-192s",
	"2.16.840.1.101.3.4.3.29": "slh-dsa-shake-192f",
	"2.16.840.1.101.3.4.3.30": "slh-dsa-shake-256s",
	"2.16.840.1.101.3.4.3.31": "slh-dsa-shake-256f",
}

// ML-KEM (FIPS 203) only appears as a subject key.
var kemOIDName = map[string]string{
	"2.16.840.1.101.3.4.4.1": "ml-kem-512",
	"2.16.840.1.101.3.4.4.2": "ml-kem-768",
	"2.16.840.1.101.3.4.4.3": "ml-kem-1024",
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type certOuter struct {
	TBSCert   asn1.RawValue
	SigAlg    algorithmIdentifier
	Signature asn1.BitString
}

type spki struct {
	Algorithm     algorithmIdentifier
	SubjectPubKey asn1.BitString
}

// CertificateComponent converts an X.509 certificate found at location into
// a CycloneDX cryptographic asset. source is the container format the
// certificate was read from.
func CertificateComponent(ctx context.Context, cert *x509.Certificate, location, source string) cdx.Component {
	name := cert.Subject.CommonName
	if name == "" {
		name = cert.Subject.String()
	}
	if name == "" {
		name = "Certificate " + cert.SerialNumber.String()
	}
	sum := sha256.Sum256(cert.Raw)
	sum1 := sha1.Sum(cert.Raw)

	c := cdx.Component{
		BOMRef:  "crypto/certificate/" + name + "@sha256:" + hex.EncodeToString(sum[:]),
		Type:    cdx.ComponentTypeCryptographicAsset,
		Name:    name,
		Version: cert.SerialNumber.String(),
		Hashes: &[]cdx.Hash{
			{Algorithm: cdx.HashAlgoSHA256, Value: hex.EncodeToString(sum[:])},
			{Algorithm: cdx.HashAlgoSHA1, Value: hex.EncodeToString(sum1[:])},
		},
		CryptoProperties: &cdx.CryptoProperties{
			AssetType: cdx.CryptoAssetTypeCertificate,
			CertificateProperties: &cdx.CertificateProperties{
				SubjectName:           cert.Subject.String(),
				IssuerName:            cert.Issuer.String(),
				NotValidBefore:        cert.NotBefore.Format(time.RFC3339),
				NotValidAfter:         cert.NotAfter.Format(time.RFC3339),
				SignatureAlgorithmRef: SignatureAlgorithmRef(ctx, cert),
				SubjectPublicKeyRef:   SubjectPublicKeyRef(ctx, cert),
				CertificateFormat:     "X.509",
				CertificateExtension:  path.Ext(location),
			},
			RelatedCryptoMaterialProperties: &cdx.RelatedCryptoMaterialProperties{
				ID:             cert.SerialNumber.String(),
				State:          certificateState(cert, time.Now()),
				CreationDate:   cert.NotBefore.Format(time.RFC3339),
				ActivationDate: cert.NotBefore.Format(time.RFC3339),
				ExpirationDate: cert.NotAfter.Format(time.RFC3339),
			},
		},
	}

	SetComponentProp(&c, CzertainlyComponentCertificateSourceFormat, source)
	SetComponentProp(&c, CzertainlyComponentCertificateBase64Content, base64.StdEncoding.EncodeToString(cert.Raw))
	AddEvidenceLocation(&c, location)
	return c
}

func certificateState(cert *x509.Certificate, now time.Time) cdx.CryptoKeyState {
	switch {
	case now.Before(cert.NotBefore):
		return cdx.CryptoKeyStatePreActivation
	case now.After(cert.NotAfter):
		return cdx.CryptoKeyStateDeactivated
	default:
		return cdx.CryptoKeyStateActive
	}
}

func SignatureAlgorithmRef(ctx context.Context, cert *x509.Certificate) cdx.BOMReference {
	if ref, ok := sigAlgRef[cert.SignatureAlgorithm]; ok {
		return ref
	}

	var outer certOuter
	if _, err := asn1.Unmarshal(cert.Raw, &outer); err != nil {
		slog.DebugContext(ctx, "failed to unmarshal outer certificate", "error", err)
		return refUnknownAlgorithm
	}
	oid := outer.SigAlg.Algorithm.String()
	if name, ok := pqcOIDName[oid]; ok {
		return cdx.BOMReference("crypto/algorithm/" + name + "@" + oid)
	}
	slog.DebugContext(ctx, "unknown signature algorithm OID", "oid", oid)
	return refUnknownAlgorithm
}

func SubjectPublicKeyRef(ctx context.Context, cert *x509.Certificate) cdx.BOMReference {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return cdx.BOMReference(fmt.Sprintf("crypto/key/rsa-%d@1.2.840.113549.1.1.1", pub.N.BitLen()))
	case *ecdsa.PublicKey:
		switch pub.Params().BitSize {
		case 256:
			return "crypto/key/ecdsa-p256@1.2.840.10045.3.1.7"
		case 384:
			return "crypto/key/ecdsa-p384@1.3.132.0.34"
		case 521:
			return "crypto/key/ecdsa-p521@1.3.132.0.35"
		default:
			return "crypto/key/ecdsa-unknown@1.2.840.10045.2.1"
		}
	case ed25519.PublicKey:
		return "crypto/key/ed25519-256@1.3.101.112"
	case *dsa.PublicKey:
		return cdx.BOMReference(fmt.Sprintf("crypto/key/dsa-%d@1.2.840.10040.4.1", pub.P.BitLen()))
	}

	var info spki
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &info); err != nil {
		slog.DebugContext(ctx, "failed to unmarshal SubjectPublicKeyInfo", "error", err)
		return refUnknownKey
	}
	oid := info.Algorithm.Algorithm.String()
	if name, ok := pqcOIDName[oid]; ok {
		return cdx.BOMReference("crypto/key/" + name + "@" + oid)
	}
	if name, ok := kemOIDName[oid]; ok {
		return cdx.BOMReference("crypto/key/" + name + "@" + oid)
	}
	slog.DebugContext(ctx, "unknown public key algorithm OID", "oid", oid)
	return refUnknownKey
}
