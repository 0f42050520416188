// Package vex decodes CSAF 2.0 advisories and VEX statements.
package vex

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/kailas-cloud/secindex/internal/domain/document"
	"github.com/kailas-cloud/secindex/internal/index"
)

// Schema is the index layout of CSAF documents.
var Schema = index.MustSchema("vex", 1, []index.Field{
	{Name: "title", Type: index.Text, Default: true, Summary: true},
	{Name: "description", Type: index.Text, Default: true},
	{Name: "publisher", Type: index.Keyword, Summary: true},
	{Name: "category", Type: index.Keyword, Summary: true},
	{Name: "status", Type: index.Keyword},
	{Name: "cve", Type: index.Text, Analyzer: index.AnalyzerIdentifier, Default: true, Summary: true},
	{Name: "product", Type: index.Text, Analyzer: index.AnalyzerIdentifier, Default: true},
	{Name: "vex_status", Type: index.Keyword},
	{Name: "severity", Type: index.Keyword, Summary: true},
	{Name: "cvss", Type: index.Numeric, Sortable: true, Summary: true},
	{Name: "released", Type: index.Date, Sortable: true},
	{Name: "updated", Type: index.Date, Sortable: true, Summary: true},
}, map[string]string{
	"critical": "severity:critical",
	"high":     "cvss:>=7",
	"final":    "status:final",
	"affected": "vex_status:known_affected",
	"fixed":    "vex_status:fixed",
})

type note struct {
	Category string `json:"category"`
	Text     string `json:"text"`
}

type product struct {
	Name                        string `json:"name"`
	ProductID                   string `json:"product_id"`
	ProductIdentificationHelper *struct {
		PURL string `json:"purl"`
		CPE  string `json:"cpe"`
	} `json:"product_identification_helper"`
}

type branch struct {
	Name     string   `json:"name"`
	Product  *product `json:"product"`
	Branches []branch `json:"branches"`
}

type score struct {
	CVSSv3 *cvss `json:"cvss_v3"`
	CVSSv2 *cvss `json:"cvss_v2"`
}

type cvss struct {
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity"`
}

type csaf struct {
	Document struct {
		Category  string `json:"category"`
		Title     string `json:"title"`
		Publisher struct {
			Name string `json:"name"`
		} `json:"publisher"`
		Notes    []note `json:"notes"`
		Tracking struct {
			ID                 string `json:"id"`
			Status             string `json:"status"`
			InitialReleaseDate string `json:"initial_release_date"`
			CurrentReleaseDate string `json:"current_release_date"`
		} `json:"tracking"`
		AggregateSeverity *struct {
			Text string `json:"text"`
		} `json:"aggregate_severity"`
	} `json:"document"`
	ProductTree *struct {
		Branches         []branch  `json:"branches"`
		FullProductNames []product `json:"full_product_names"`
	} `json:"product_tree"`
	Vulnerabilities []struct {
		CVE           string              `json:"cve"`
		Notes         []note              `json:"notes"`
		Scores        []score             `json:"scores"`
		ProductStatus map[string][]string `json:"product_status"`
	} `json:"vulnerabilities"`
}

var severityRank = map[string]int{"none": 0, "low": 1, "medium": 2, "moderate": 2, "high": 3, "important": 3, "critical": 4}

// Decode validates a CSAF document and extracts its indexed fields.
// The tracking id identifies the document.
func Decode(key string, data []byte) (document.Indexable, error) {
	var doc csaf
	if err := json.Unmarshal(data, &doc); err != nil {
		return document.Indexable{}, document.Invalid(fmt.Errorf("vex: %w", err))
	}
	d := &doc.Document
	if !strings.HasPrefix(d.Category, "csaf_") {
		return document.Indexable{}, document.Invalid(fmt.Errorf("vex: unsupported document category %q", d.Category))
	}
	if d.Tracking.ID == "" {
		return document.Indexable{}, document.Invalid(fmt.Errorf("vex: document.tracking.id is required"))
	}

	var (
		cves, products, statuses, texts list
		severity                        string
		maxScore                        float64
		scored                          bool
	)
	addProduct := func(p *product) {
		if p == nil {
			return
		}
		products.add(p.Name)
		if h := p.ProductIdentificationHelper; h != nil {
			products.add(h.PURL)
			products.add(h.CPE)
		}
	}
	raise := func(s string) {
		s = strings.ToLower(s)
		if r, ok := severityRank[s]; ok && (severity == "" || r > severityRank[severity]) {
			severity = s
		}
	}

	for _, n := range d.Notes {
		texts.add(n.Text)
	}
	if tree := doc.ProductTree; tree != nil {
		var walk func(bs []branch)
		walk = func(bs []branch) {
			for i := range bs {
				addProduct(bs[i].Product)
				walk(bs[i].Branches)
			}
		}
		walk(tree.Branches)
		for i := range tree.FullProductNames {
			addProduct(&tree.FullProductNames[i])
		}
	}
	for _, v := range doc.Vulnerabilities {
		cves.add(strings.ToUpper(v.CVE))
		for _, n := range v.Notes {
			texts.add(n.Text)
		}
		for status, ids := range v.ProductStatus {
			if len(ids) > 0 {
				statuses.add(status)
			}
		}
		for _, s := range v.Scores {
			for _, c := range []*cvss{s.CVSSv3, s.CVSSv2} {
				if c == nil {
					continue
				}
				raise(c.BaseSeverity)
				if !scored || c.BaseScore > maxScore {
					maxScore, scored = c.BaseScore, true
				}
			}
		}
	}
	if a := d.AggregateSeverity; a != nil {
		raise(a.Text)
	}

	fields := map[string]any{
		"title":     d.Title,
		"publisher": d.Publisher.Name,
		"category":  d.Category,
		"status":    d.Tracking.Status,
		"released":  d.Tracking.InitialReleaseDate,
		"updated":   d.Tracking.CurrentReleaseDate,
	}
	slices.Sort(statuses.vs)
	cves.into(fields, "cve")
	products.into(fields, "product")
	statuses.into(fields, "vex_status")
	if len(texts.vs) > 0 {
		fields["description"] = strings.Join(texts.vs, "\n")
	}
	if severity != "" {
		fields["severity"] = severity
	}
	if scored {
		fields["cvss"] = maxScore
	}

	return document.New(d.Tracking.ID, key, fields, data)
}

// Codec returns Decode as a document.Codec.
func Codec() document.Codec { return document.CodecFunc(Decode) }

// list keeps distinct trimmed values in first-seen order.
type list struct {
	vs   []string
	seen map[string]struct{}
}

func (l *list) add(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if _, ok := l.seen[v]; ok {
		return
	}
	if l.seen == nil {
		l.seen = make(map[string]struct{})
	}
	l.seen[v] = struct{}{}
	l.vs = append(l.vs, v)
}

func (l *list) into(fields map[string]any, name string) {
	if len(l.vs) > 0 {
		fields[name] = l.vs
	}
}
