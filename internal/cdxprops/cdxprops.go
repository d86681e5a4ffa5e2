// Package cdxprops converts ingest results into CycloneDX components.
package cdxprops

import (
	cdx "github.com/CycloneDX/cyclonedx-go"
)

// Exported so tests and other packages can reference the same strings.
const (
	CzertainlyComponentCertificateSourceFormat  = "czertainly:component:certificate:source_format"
	CzertainlyComponentCertificateBase64Content = "czertainly:component:certificate:base64_content"
	CzertainlyComponentDataSource               = "czertainly:component:data_source"
	CzertainlyComponentIngestModule             = "czertainly:component:ingest_module"
)

// Set (or upsert) a CycloneDX component property.
func SetComponentProp(c *cdx.Component, name, value string) {
	if value == "" {
		return
	}
	if c.Properties == nil {
		c.Properties = &[]cdx.Property{{Name: name, Value: value}}
		return
	}
	props := *c.Properties
	for i := range props {
		if props[i].Name == name {
			props[i].Value = value
			*c.Properties = props
			return
		}
	}
	props = append(props, cdx.Property{Name: name, Value: value})
	*c.Properties = props
}

// Add (append) an evidence.occurrence location if non-empty.
func AddEvidenceLocation(c *cdx.Component, loc string) {
	AddEvidenceOccurrence(c, cdx.EvidenceOccurrence{Location: loc})
}

// AddEvidenceOccurrence appends occ unless its location is empty.
func AddEvidenceOccurrence(c *cdx.Component, occ cdx.EvidenceOccurrence) {
	if occ.Location == "" {
		return
	}
	if c.Evidence == nil {
		c.Evidence = &cdx.Evidence{Occurrences: &[]cdx.EvidenceOccurrence{occ}}
		return
	}
	if c.Evidence.Occurrences == nil {
		c.Evidence.Occurrences = &[]cdx.EvidenceOccurrence{occ}
		return
	}
	occs := append(*c.Evidence.Occurrences, occ)
	c.Evidence.Occurrences = &occs
}
