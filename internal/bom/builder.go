package bom

import (
	"io"
	"runtime/debug"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/Ingestor/internal/cdxprops"
)

var version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		version = "unknown"
	} else {
		version = info.Main.Version
	}
}

// Builder collects components for a CycloneDX BOM.
type Builder struct {
	authors      []cdx.OrganizationalContact
	components   []cdx.Component
	dependencies []cdx.Dependency
	properties   []cdx.Property

	refs map[string]int
}

func NewBuilder() *Builder {
	return &Builder{
		// those MUST be initialized as cyclone-dx JSON schema do not allow items to be null
		components:   []cdx.Component{},
		dependencies: []cdx.Dependency{},
		properties:   []cdx.Property{},
		refs:         make(map[string]int),
	}
}

func (b *Builder) AppendAuthors(authors ...cdx.OrganizationalContact) *Builder {
	b.authors = append(b.authors, authors...)
	return b
}

// AppendComponents adds components. A component whose BOMRef is already
// present only contributes its evidence occurrences to the existing one.
func (b *Builder) AppendComponents(components ...cdx.Component) *Builder {
	for _, c := range components {
		if c.BOMRef == "" {
			b.components = append(b.components, c)
			continue
		}
		idx, ok := b.refs[c.BOMRef]
		if !ok {
			b.refs[c.BOMRef] = len(b.components)
			b.components = append(b.components, c)
			continue
		}
		if c.Evidence != nil && c.Evidence.Occurrences != nil {
			for _, occ := range *c.Evidence.Occurrences {
				cdxprops.AddEvidenceOccurrence(&b.components[idx], occ)
			}
		}
	}
	return b
}

// Components returns the components added so far.
func (b *Builder) Components() []cdx.Component {
	return b.components
}

func (b *Builder) AppendProperties(properties ...cdx.Property) *Builder {
	b.properties = append(b.properties, properties...)
	return b
}

func (b *Builder) AppendDependencies(dependencies ...cdx.Dependency) *Builder {
	b.dependencies = append(b.dependencies, dependencies...)
	return b
}

// BOM returns the collected data as a CycloneDX 1.6 document.
func (b *Builder) BOM() cdx.BOM {
	bom := cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    "CycloneDX",
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + uuid.New().String(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Lifecycles: &[]cdx.Lifecycle{
				{
					Name:        "",
					Phase:       "operations",
					Description: "",
				},
			},
			Authors: &b.authors,
			// This can't be not nil otherwise this error will happen
			// json: error calling MarshalJSON for type *cyclonedx.ToolsChoice: unexpected end of JSON input
			Component: &cdx.Component{
				Type:    "application",
				Name:    "Ingestor",
				Version: version,
				Manufacturer: &cdx.OrganizationalEntity{
					Name:    "CZERTAINLY",
					Address: &cdx.PostalAddress{},
					URL: &[]string{
						"https://www.czertainly.com",
					},
				},
			},
		},
		Components:   &b.components,
		Dependencies: &b.dependencies,
		Properties:   &b.properties,
	}
	return bom
}

// AsJSON writes the BOM as indented JSON.
func (b *Builder) AsJSON(w io.Writer) error {
	bom := b.BOM()
	return EncodeJSON(w, &bom)
}

func EncodeJSON(w io.Writer, bom *cdx.BOM) error {
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(bom)
}
