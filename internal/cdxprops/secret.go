package cdxprops

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	cdx "github.com/CycloneDX/cyclonedx-go"
)

// SecretComponent converts a leaked secret into related crypto material.
// Private keys are reported by the certificate path, so skip is true for
// them.
func SecretComponent(ruleID, description, location string, line int) (c cdx.Component, skip bool) {
	var cryptoType cdx.RelatedCryptoMaterialType
	switch {
	case ruleID == "private-key":
		return cdx.Component{}, true
	case strings.Contains(ruleID, "jwt"):
		cryptoType = cdx.RelatedCryptoMaterialTypeToken
	case strings.Contains(ruleID, "token"):
		cryptoType = cdx.RelatedCryptoMaterialTypeToken
	case strings.Contains(ruleID, "key"):
		cryptoType = cdx.RelatedCryptoMaterialTypeKey
	case strings.Contains(ruleID, "password"):
		cryptoType = cdx.RelatedCryptoMaterialTypePassword
	default:
		cryptoType = cdx.RelatedCryptoMaterialTypeUnknown
	}

	// the secret itself is never stored, location and rule identify it
	sum := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s\x00%d", ruleID, location, line))
	c = cdx.Component{
		BOMRef:      "crypto/" + string(cryptoType) + "/" + hex.EncodeToString(sum[:8]),
		Name:        ruleID,
		Description: description,
		Type:        cdx.ComponentTypeCryptographicAsset,
		CryptoProperties: &cdx.CryptoProperties{
			AssetType: cdx.CryptoAssetTypeRelatedCryptoMaterial,
			RelatedCryptoMaterialProperties: &cdx.RelatedCryptoMaterialProperties{
				Type: cryptoType,
			},
		},
	}
	occ := cdx.EvidenceOccurrence{Location: location}
	if line > 0 {
		occ.Line = &line
	}
	AddEvidenceOccurrence(&c, occ)
	return c, false
}
