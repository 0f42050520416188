// Package sbom decodes CycloneDX and SPDX JSON software bills of materials.
package sbom

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kailas-cloud/secindex/internal/domain/document"
	"github.com/kailas-cloud/secindex/internal/index"
)

// Formats.
const (
	FormatCycloneDX = "cyclonedx"
	FormatSPDX      = "spdx"
)

// Schema is the index layout of SBOM documents.
var Schema = index.MustSchema("sbom", 1, []index.Field{
	{Name: "name", Type: index.Text, Default: true, Summary: true},
	{Name: "version", Type: index.Keyword, Summary: true},
	{Name: "format", Type: index.Keyword, Summary: true},
	{Name: "spec_version", Type: index.Keyword},
	{Name: "purl", Type: index.Text, Analyzer: index.AnalyzerIdentifier, Default: true},
	{Name: "component", Type: index.Text, Default: true},
	{Name: "license", Type: index.Keyword},
	{Name: "supplier", Type: index.Keyword},
	{Name: "created", Type: index.Date, Sortable: true, Summary: true},
	{Name: "components", Type: index.Numeric, Sortable: true, Summary: true},
}, map[string]string{
	"cyclonedx": "format:cyclonedx",
	"spdx":      "format:spdx",
})

type cdxLicense struct {
	License struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"license"`
	Expression string `json:"expression"`
}

type cdxComponent struct {
	Name     string       `json:"name"`
	Version  string       `json:"version"`
	PURL     string       `json:"purl"`
	Licenses []cdxLicense `json:"licenses"`
	Supplier *struct {
		Name string `json:"name"`
	} `json:"supplier"`
	Components []cdxComponent `json:"components"`
}

type cycloneDX struct {
	BOMFormat    string `json:"bomFormat"`
	SpecVersion  string `json:"specVersion"`
	SerialNumber string `json:"serialNumber"`
	Metadata     struct {
		Timestamp string        `json:"timestamp"`
		Component *cdxComponent `json:"component"`
	} `json:"metadata"`
	Components []cdxComponent `json:"components"`
}

type spdxPackage struct {
	Name             string `json:"name"`
	VersionInfo      string `json:"versionInfo"`
	LicenseConcluded string `json:"licenseConcluded"`
	LicenseDeclared  string `json:"licenseDeclared"`
	Supplier         string `json:"supplier"`
	ExternalRefs     []struct {
		ReferenceType    string `json:"referenceType"`
		ReferenceLocator string `json:"referenceLocator"`
	} `json:"externalRefs"`
}

type spdx struct {
	SPDXVersion       string `json:"spdxVersion"`
	Name              string `json:"name"`
	DocumentNamespace string `json:"documentNamespace"`
	CreationInfo      struct {
		Created string `json:"created"`
	} `json:"creationInfo"`
	Packages []spdxPackage `json:"packages"`
}

// Decode validates an SBOM and extracts its indexed fields.
// Documents without a serial number or namespace are identified by their storage key.
func Decode(key string, data []byte) (document.Indexable, error) {
	var head struct {
		BOMFormat   string `json:"bomFormat"`
		SPDXVersion string `json:"spdxVersion"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return document.Indexable{}, document.Invalid(fmt.Errorf("sbom: %w", err))
	}
	switch {
	case strings.EqualFold(head.BOMFormat, "CycloneDX"):
		return decodeCycloneDX(key, data)
	case strings.HasPrefix(head.SPDXVersion, "SPDX-"):
		return decodeSPDX(key, data)
	default:
		return document.Indexable{}, document.Invalid(fmt.Errorf("sbom: neither CycloneDX nor SPDX"))
	}
}

// Codec returns Decode as a document.Codec.
func Codec() document.Codec { return document.CodecFunc(Decode) }

func decodeCycloneDX(key string, data []byte) (document.Indexable, error) {
	var bom cycloneDX
	if err := json.Unmarshal(data, &bom); err != nil {
		return document.Indexable{}, document.Invalid(fmt.Errorf("sbom: cyclonedx: %w", err))
	}
	if bom.SpecVersion == "" {
		return document.Indexable{}, document.Invalid(fmt.Errorf("sbom: cyclonedx: specVersion is required"))
	}

	var (
		acc   collector
		count int
	)
	var walk func(cs []cdxComponent)
	walk = func(cs []cdxComponent) {
		for i := range cs {
			c := &cs[i]
			count++
			acc.component(c.Name)
			acc.purl(c.PURL)
			for _, l := range c.Licenses {
				acc.license(firstNonEmpty(l.License.ID, l.License.Name, l.Expression))
			}
			if c.Supplier != nil {
				acc.supplier(c.Supplier.Name)
			}
			walk(c.Components)
		}
	}
	walk(bom.Components)

	fields := map[string]any{
		"format":       FormatCycloneDX,
		"spec_version": bom.SpecVersion,
		"components":   count,
		"created":      bom.Metadata.Timestamp,
	}
	if root := bom.Metadata.Component; root != nil {
		fields["name"] = root.Name
		fields["version"] = root.Version
		acc.purl(root.PURL)
	}
	acc.into(fields)

	return document.New(firstNonEmpty(bom.SerialNumber, key), key, fields, data)
}

func decodeSPDX(key string, data []byte) (document.Indexable, error) {
	var doc spdx
	if err := json.Unmarshal(data, &doc); err != nil {
		return document.Indexable{}, document.Invalid(fmt.Errorf("sbom: spdx: %w", err))
	}
	if doc.Name == "" {
		return document.Indexable{}, document.Invalid(fmt.Errorf("sbom: spdx: name is required"))
	}

	var acc collector
	for i := range doc.Packages {
		p := &doc.Packages[i]
		acc.component(p.Name)
		for _, ref := range p.ExternalRefs {
			if strings.EqualFold(ref.ReferenceType, "purl") {
				acc.purl(ref.ReferenceLocator)
			}
		}
		acc.license(spdxLicense(p.LicenseConcluded))
		acc.license(spdxLicense(p.LicenseDeclared))
		acc.supplier(strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(p.Supplier, "Organization:"), "Person:")))
	}

	fields := map[string]any{
		"name":         doc.Name,
		"format":       FormatSPDX,
		"spec_version": strings.TrimPrefix(doc.SPDXVersion, "SPDX-"),
		"components":   len(doc.Packages),
		"created":      doc.CreationInfo.Created,
	}
	acc.into(fields)

	return document.New(firstNonEmpty(doc.DocumentNamespace, key), key, fields, data)
}

func spdxLicense(s string) string {
	switch s {
	case "NOASSERTION", "NONE":
		return ""
	}
	return s
}

// collector gathers distinct multi-valued fields in first-seen order.
type collector struct {
	purls, components, licenses, suppliers []string
	seen                                    map[string]struct{}
}

func (c *collector) add(dst *[]string, kind, v string) {
	if v == "" {
		return
	}
	if c.seen == nil {
		c.seen = make(map[string]struct{})
	}
	k := kind + "\x00" + v
	if _, ok := c.seen[k]; ok {
		return
	}
	c.seen[k] = struct{}{}
	*dst = append(*dst, v)
}

func (c *collector) purl(v string)      { c.add(&c.purls, "purl", v) }
func (c *collector) component(v string) { c.add(&c.components, "component", v) }
func (c *collector) license(v string)   { c.add(&c.licenses, "license", v) }
func (c *collector) supplier(v string)  { c.add(&c.suppliers, "supplier", v) }

func (c *collector) into(fields map[string]any) {
	set := func(name string, vs []string) {
		if len(vs) > 0 {
			fields[name] = vs
		}
	}
	set("purl", c.purls)
	set("component", c.components)
	set("license", c.licenses)
	set("supplier", c.suppliers)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
