package certs

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"log/slog"

	keystore "github.com/pavlo-v-chernykh/keystore-go/v4"
	"github.com/smallstep/pkcs7"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Container formats a certificate can be read from.
const (
	SourcePEM       = "PEM"
	SourceDER       = "DER"
	SourcePKCS7PEM  = "PKCS7-PEM"
	SourcePKCS7DER  = "PKCS7-DER"
	SourcePKCS12    = "PKCS12"
	SourcePKCS12PEM = "PKCS12-PEM"
	SourceJKS       = "JKS"
)

// Hit is a certificate together with the format it was found in.
type Hit struct {
	Cert   *x509.Certificate
	Source string
}

var pkcs12Passwords = []string{"changeit", "", "password"}

// Detect finds all certificates in b. PEM blocks anywhere in the blob are
// tried first, then raw DER, PKCS#7, PKCS#12 and Java keystores.
func Detect(ctx context.Context, b []byte) []Hit {
	if hits := detectPEM(ctx, b); len(hits) > 0 {
		return hits
	}
	if cs, err := x509.ParseCertificates(b); err == nil && len(cs) > 0 {
		return toHits(cs, SourceDER)
	}
	if sniffPKCS7DER(b) {
		if cs := parsePKCS7(ctx, b); len(cs) > 0 {
			return toHits(cs, SourcePKCS7DER)
		}
	}
	if sniffPKCS12(b) {
		return toHits(pkcs12All(ctx, b), SourcePKCS12)
	}
	if sniffJKS(b) {
		return toHits(jksAll(ctx, b), SourceJKS)
	}
	return nil
}

func detectPEM(ctx context.Context, b []byte) []Hit {
	var out []Hit
	rest := b
	for {
		p, r := pem.Decode(rest)
		if p == nil {
			break
		}
		switch p.Type {
		case "CERTIFICATE", "TRUSTED CERTIFICATE":
			if cs, err := x509.ParseCertificates(p.Bytes); err == nil {
				out = append(out, toHits(cs, SourcePEM)...)
			}
		case "PKCS7", "CMS":
			out = append(out, toHits(parsePKCS7(ctx, p.Bytes), SourcePKCS7PEM)...)
		case "PKCS12":
			if sniffPKCS12(p.Bytes) {
				out = append(out, toHits(pkcs12All(ctx, p.Bytes), SourcePKCS12PEM)...)
			}
		default:
			// keys, CSRs and CRLs are not certificates
		}
		rest = r
	}
	return out
}

func toHits(certs []*x509.Certificate, source string) []Hit {
	out := make([]Hit, 0, len(certs))
	for _, c := range certs {
		if c != nil {
			out = append(out, Hit{Cert: c, Source: source})
		}
	}
	return out
}

// OID prefix: 1.2.840.113549.1.7 (PKCS#7/CMS ContentInfo contentType family)
var oidPKCS7Prefix = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7}

func hasOIDPrefix(oid, prefix asn1.ObjectIdentifier) bool {
	return len(oid) >= len(prefix) && oid[:len(prefix)].Equal(prefix)
}

// sniffPKCS7DER looks for a ContentInfo with contentType under
// 1.2.840.113549.1.7. The first 2KiB are scanned for the OID bytes first.
func sniffPKCS7DER(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	const maxScan = 2048
	prefixBytes := []byte{0x06, 0x09, 0x2A, 0x86, 0x48, 0x86, 0xF7, 0x0D, 0x01, 0x07}
	window := b[:min(len(b), maxScan)]
	if bytes.Contains(window, prefixBytes) {
		return true
	}

	var top asn1.RawValue
	if _, err := asn1.Unmarshal(b, &top); err != nil {
		return false
	}
	type contentInfo struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"tag:0,explicit,optional"`
	}
	var ci contentInfo
	if _, err := asn1.Unmarshal(top.Bytes, &ci); err != nil {
		return false
	}
	return hasOIDPrefix(ci.ContentType, oidPKCS7Prefix)
}

// parsePKCS7 returns the certificates of a (degenerate) signedData. The
// parser panics on some malformed inputs.
func parsePKCS7(ctx context.Context, b []byte) (certs []*x509.Certificate) {
	defer func() {
		if r := recover(); r != nil {
			slog.DebugContext(ctx, "pkcs7 parser panicked", "panic", fmt.Sprint(r))
			certs = nil
		}
	}()
	p7, err := pkcs7.Parse(b)
	if err != nil {
		return nil
	}
	return p7.Certificates
}

// sniffPKCS12 validates the top-level PFX structure: SEQUENCE { version
// INTEGER, authSafe ContentInfo (id-data or id-signedData), ... }
func sniffPKCS12(b []byte) bool {
	var top asn1.RawValue
	if _, err := asn1.Unmarshal(b, &top); err != nil {
		return false
	}
	if top.Class != asn1.ClassUniversal || top.Tag != asn1.TagSequence || !top.IsCompound {
		return false
	}
	var ver int
	rest, err := asn1.Unmarshal(top.Bytes, &ver)
	if err != nil || ver < 0 || ver > 10 {
		return false
	}
	type contentInfo struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"tag:0,explicit,optional"`
	}
	var ci contentInfo
	if _, err := asn1.Unmarshal(rest, &ci); err != nil {
		return false
	}
	idData := asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	idSignedData := asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	return ci.ContentType.Equal(idData) || ci.ContentType.Equal(idSignedData)
}

// pkcs12All tries well known passwords, a trust store first, then a key
// with its chain.
func pkcs12All(ctx context.Context, b []byte) []*x509.Certificate {
	for _, pw := range pkcs12Passwords {
		if certs, err := pkcs12.DecodeTrustStore(b, pw); err == nil && len(certs) > 0 {
			return certs
		}
		if _, cert, chain, err := pkcs12.DecodeChain(b, pw); err == nil {
			out := make([]*x509.Certificate, 0, len(chain)+1)
			if cert != nil {
				out = append(out, cert)
			}
			return append(out, chain...)
		}
	}
	slog.DebugContext(ctx, "pkcs12 could not be decoded with known passwords")
	return nil
}

var jksMagic = []byte{0xFE, 0xED, 0xFE, 0xED}

// sniffJKS checks the magic and a version of 1 or 2.
func sniffJKS(b []byte) bool {
	if len(b) < 8 || !bytes.Equal(b[:4], jksMagic) {
		return false
	}
	return b[4] == 0 && b[5] == 0 && b[6] == 0 && (b[7] == 1 || b[7] == 2)
}

// jksAll returns trusted certificates and private key chains of a JKS
// keystore opened with one of the well known passwords.
func jksAll(ctx context.Context, b []byte) []*x509.Certificate {
	for _, pw := range pkcs12Passwords {
		ks := keystore.New(keystore.WithOrderedAliases())
		if err := ks.Load(bytes.NewReader(b), []byte(pw)); err != nil {
			continue
		}
		var out []*x509.Certificate
		for _, alias := range ks.Aliases() {
			var entries []keystore.Certificate
			switch {
			case ks.IsTrustedCertificateEntry(alias):
				e, err := ks.GetTrustedCertificateEntry(alias)
				if err != nil {
					continue
				}
				entries = []keystore.Certificate{e.Certificate}
			case ks.IsPrivateKeyEntry(alias):
				chain, err := ks.GetPrivateKeyEntryCertificateChain(alias)
				if err != nil {
					continue
				}
				entries = chain
			}
			for _, e := range entries {
				c, err := x509.ParseCertificate(e.Content)
				if err != nil {
					slog.DebugContext(ctx, "skipping keystore entry", "alias", alias, "error", err)
					continue
				}
				out = append(out, c)
			}
		}
		return out
	}
	slog.DebugContext(ctx, "jks could not be loaded with known passwords")
	return nil
}
