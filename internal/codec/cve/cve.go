// Package cve decodes CVE JSON 5 records as published by cvelistV5.
package cve

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kailas-cloud/secindex/internal/domain/document"
	"github.com/kailas-cloud/secindex/internal/index"
)

// Schema is the index layout of CVE records.
var Schema = index.MustSchema("cve", 1, []index.Field{
	{Name: "id", Type: index.Text, Analyzer: index.AnalyzerIdentifier, Default: true, Summary: true},
	{Name: "title", Type: index.Text, Default: true, Summary: true},
	{Name: "description", Type: index.Text, Default: true},
	{Name: "vendor", Type: index.Keyword},
	{Name: "product", Type: index.Text, Default: true},
	{Name: "cwe", Type: index.Keyword},
	{Name: "state", Type: index.Keyword, Summary: true},
	{Name: "assigner", Type: index.Keyword},
	{Name: "severity", Type: index.Keyword, Summary: true},
	{Name: "cvss", Type: index.Numeric, Sortable: true, Summary: true},
	{Name: "published", Type: index.Date, Sortable: true, Summary: true},
	{Name: "updated", Type: index.Date, Sortable: true},
}, map[string]string{
	"critical": "severity:critical",
	"high":     "cvss:>=7",
	"rejected": "state:rejected",
})

var idPattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

type description struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type metric struct {
	CVSSv40 *cvss `json:"cvssV4_0"`
	CVSSv31 *cvss `json:"cvssV3_1"`
	CVSSv30 *cvss `json:"cvssV3_0"`
}

type cvss struct {
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity"`
}

type container struct {
	Title        string        `json:"title"`
	Descriptions []description `json:"descriptions"`
	Affected     []struct {
		Vendor  string `json:"vendor"`
		Product string `json:"product"`
	} `json:"affected"`
	ProblemTypes []struct {
		Descriptions []struct {
			CWEID string `json:"cweId"`
		} `json:"descriptions"`
	} `json:"problemTypes"`
	Metrics []metric `json:"metrics"`
	// Rejected records carry their reason here.
	RejectedReasons []description `json:"rejectedReasons"`
}

type record struct {
	DataType    string `json:"dataType"`
	CVEMetadata struct {
		CVEID             string `json:"cveId"`
		State             string `json:"state"`
		AssignerShortName string `json:"assignerShortName"`
		DatePublished     string `json:"datePublished"`
		DateUpdated       string `json:"dateUpdated"`
	} `json:"cveMetadata"`
	Containers struct {
		CNA *container  `json:"cna"`
		ADP []container `json:"adp"`
	} `json:"containers"`
}

// Decode validates a CVE record and extracts its indexed fields. The CVE id identifies the document.
func Decode(key string, data []byte) (document.Indexable, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return document.Indexable{}, document.Invalid(fmt.Errorf("cve: %w", err))
	}
	if r.DataType != "" && r.DataType != "CVE_RECORD" {
		return document.Indexable{}, document.Invalid(fmt.Errorf("cve: unexpected dataType %q", r.DataType))
	}
	id := strings.ToUpper(strings.TrimSpace(r.CVEMetadata.CVEID))
	if !idPattern.MatchString(id) {
		return document.Indexable{}, document.Invalid(fmt.Errorf("cve: invalid cveId %q", r.CVEMetadata.CVEID))
	}

	var (
		e     extract
		title string
		best  *cvss
	)
	containers := r.Containers.ADP
	if cna := r.Containers.CNA; cna != nil {
		title = cna.Title
		containers = append([]container{*cna}, containers...)
	}
	for i := range containers {
		c := &containers[i]
		e.descriptions(c.Descriptions)
		e.descriptions(c.RejectedReasons)
		for _, a := range c.Affected {
			e.add("vendor", &e.vendors, a.Vendor)
			e.add("product", &e.products, a.Product)
		}
		for _, pt := range c.ProblemTypes {
			for _, d := range pt.Descriptions {
				e.add("cwe", &e.cwes, strings.ToUpper(d.CWEID))
			}
		}
		for _, m := range c.Metrics {
			for _, s := range []*cvss{m.CVSSv40, m.CVSSv31, m.CVSSv30} {
				if s != nil && (best == nil || s.BaseScore > best.BaseScore) {
					best = s
				}
			}
		}
	}

	fields := map[string]any{
		"id":        id,
		"title":     title,
		"state":     strings.ToLower(r.CVEMetadata.State),
		"assigner":  r.CVEMetadata.AssignerShortName,
		"published": r.CVEMetadata.DatePublished,
		"updated":   r.CVEMetadata.DateUpdated,
	}
	if len(e.texts) > 0 {
		fields["description"] = strings.Join(e.texts, "\n")
	}
	for name, vs := range map[string][]string{"vendor": e.vendors, "product": e.products, "cwe": e.cwes} {
		if len(vs) > 0 {
			fields[name] = vs
		}
	}
	if best != nil {
		fields["cvss"] = best.BaseScore
		if best.BaseSeverity != "" {
			fields["severity"] = strings.ToLower(best.BaseSeverity)
		}
	}

	return document.New(id, key, fields, data)
}

// Codec returns Decode as a document.Codec.
func Codec() document.Codec { return document.CodecFunc(Decode) }

type extract struct {
	texts, vendors, products, cwes []string
	seen                           map[string]struct{}
}

// descriptions keeps English texts only; "en-US" and friends count.
func (e *extract) descriptions(ds []description) {
	for _, d := range ds {
		if d.Lang == "" || strings.HasPrefix(strings.ToLower(d.Lang), "en") {
			e.add("text", &e.texts, d.Value)
		}
	}
}

func (e *extract) add(kind string, dst *[]string, v string) {
	v = strings.TrimSpace(v)
	if v == "" || v == "n/a" {
		return
	}
	if e.seen == nil {
		e.seen = make(map[string]struct{})
	}
	k := kind + "\x00" + v
	if _, ok := e.seen[k]; ok {
		return
	}
	e.seen[k] = struct{}{}
	*dst = append(*dst, v)
}
