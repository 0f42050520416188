package index

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/single"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
)

// FieldType is the index type of a schema field.
type FieldType string

// Field types.
const (
	Text    FieldType = "text"
	Keyword FieldType = "keyword"
	Date    FieldType = "date"
	Numeric FieldType = "numeric"
)

// Analyzers available to text fields.
const (
	// AnalyzerText is bleve's standard analyzer.
	AnalyzerText = standard.Name
	// AnalyzerKeyword indexes the whole value as one lower-cased token.
	AnalyzerKeyword = "keyword_lower"
	// AnalyzerIdentifier indexes the words of a value and the whole value, so package URLs and
	// CPEs answer both free text and exact identifiers.
	AnalyzerIdentifier = "identifier"

	identifierTokenizer = "identifier_chain"
)

// Field describes one indexed field.
type Field struct {
	Name     string
	Type     FieldType
	Analyzer string // text fields only; defaults to AnalyzerText
	Default  bool   // searched by unqualified terms
	Sortable bool   // usable with sort:
	Summary  bool   // part of the summary projection
}

// Schema is the typed field layout of one document domain.
type Schema struct {
	name       string
	version    int
	fields     []Field
	byName     map[string]Field
	predicates map[string]string
}

// NewSchema validates fields and predicates. A predicate expands "is:<name>" into a query
// string, e.g. "critical" -> "severity:critical".
func NewSchema(name string, version int, fields []Field, predicates map[string]string) (*Schema, error) {
	if name == "" {
		return nil, fmt.Errorf("schema name is required")
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("schema %s: at least one field is required", name)
	}
	s := &Schema{
		name:       name,
		version:    version,
		byName:     make(map[string]Field, len(fields)),
		predicates: make(map[string]string, len(predicates)),
	}
	hasDefault := false
	for _, f := range fields {
		if f.Name == "" || strings.ContainsAny(f.Name, ": ") || strings.HasPrefix(f.Name, "_") {
			return nil, fmt.Errorf("schema %s: invalid field name %q", name, f.Name)
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, fmt.Errorf("schema %s: duplicate field %q", name, f.Name)
		}
		if isReservedWord(f.Name) {
			return nil, fmt.Errorf("schema %s: field name %q is reserved", name, f.Name)
		}
		switch f.Type {
		case Text:
			if f.Analyzer == "" {
				f.Analyzer = AnalyzerText
			}
			switch f.Analyzer {
			case AnalyzerText, AnalyzerKeyword, AnalyzerIdentifier:
			default:
				return nil, fmt.Errorf("schema %s: field %s: unknown analyzer %q", name, f.Name, f.Analyzer)
			}
		case Keyword:
			f.Analyzer = AnalyzerKeyword
		case Date, Numeric:
			if f.Default {
				return nil, fmt.Errorf("schema %s: field %s: only text and keyword fields can be default", name, f.Name)
			}
		default:
			return nil, fmt.Errorf("schema %s: field %s: unknown type %q", name, f.Name, f.Type)
		}
		hasDefault = hasDefault || f.Default
		s.fields = append(s.fields, f)
		s.byName[f.Name] = f
	}
	if !hasDefault {
		return nil, fmt.Errorf("schema %s: at least one default field is required", name)
	}
	for p, q := range predicates {
		if p == "" || strings.TrimSpace(q) == "" {
			return nil, fmt.Errorf("schema %s: invalid predicate %q", name, p)
		}
		s.predicates[p] = q
	}
	return s, nil
}

// MustSchema is NewSchema that panics. For package-level schema definitions.
func MustSchema(name string, version int, fields []Field, predicates map[string]string) *Schema {
	s, err := NewSchema(name, version, fields, predicates)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema (domain) name.
func (s *Schema) Name() string { return s.name }

// Version returns the schema version. Snapshots of another version are rejected.
func (s *Schema) Version() int { return s.version }

// Fields returns a copy of the field list.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field looks up a field by name.
func (s *Schema) Field(name string) (Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// DefaultFields returns the names searched by unqualified terms.
func (s *Schema) DefaultFields() []string {
	var out []string
	for _, f := range s.fields {
		if f.Default {
			out = append(out, f.Name)
		}
	}
	return out
}

// Predicate returns the query behind "is:<name>".
func (s *Schema) Predicate(name string) (string, bool) {
	q, ok := s.predicates[name]
	return q, ok
}

// mapping builds the bleve index mapping. Only schema fields are indexed; nothing is stored
// in bleve because the engine keeps documents itself.
func (s *Schema) mapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()

	err := im.AddCustomTokenizer(identifierTokenizer, map[string]interface{}{
		"type":   ChainedTokenizerName,
		"first":  unicode.Name,
		"second": single.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("add tokenizer: %w", err)
	}
	err = im.AddCustomAnalyzer(AnalyzerIdentifier, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     identifierTokenizer,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("add analyzer %s: %w", AnalyzerIdentifier, err)
	}
	err = im.AddCustomAnalyzer(AnalyzerKeyword, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     single.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("add analyzer %s: %w", AnalyzerKeyword, err)
	}

	dm := bleve.NewDocumentStaticMapping()
	for _, f := range s.fields {
		var fm *mapping.FieldMapping
		switch f.Type {
		case Text, Keyword:
			fm = bleve.NewTextFieldMapping()
			fm.Analyzer = f.Analyzer
			fm.IncludeTermVectors = f.Type == Text
		case Date:
			fm = bleve.NewDateTimeFieldMapping()
		case Numeric:
			fm = bleve.NewNumericFieldMapping()
		}
		fm.Store = false
		fm.IncludeInAll = false
		fm.DocValues = f.Sortable
		dm.AddFieldMappingsAt(f.Name, fm)
	}
	im.DefaultMapping = dm
	im.DefaultAnalyzer = AnalyzerText
	return im, nil
}

// normalize converts codec output into the canonical value types of the schema:
// string or []string for text and keyword, float64 for numeric, time.Time for date.
// Fields unknown to the schema and nil values are dropped.
func (s *Schema) normalize(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		f, ok := s.byName[name]
		if !ok || v == nil {
			continue
		}
		var (
			nv  any
			err error
		)
		switch f.Type {
		case Text, Keyword:
			nv, err = toStrings(v)
		case Numeric:
			nv, err = toFloat(v)
		case Date:
			nv, err = toTime(v)
		}
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		if nv != nil {
			out[name] = nv
		}
	}
	return out, nil
}

func toStrings(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
		return append([]string(nil), t...), nil
	case []any:
		if len(t) == 0 {
			return nil, nil
		}
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				s = fmt.Sprint(e)
			}
			out = append(out, s)
		}
		return out, nil
	case fmt.Stringer:
		return t.String(), nil
	case bool, float64, float32, int, int64, int32, json.Number:
		return fmt.Sprint(t), nil
	default:
		return nil, fmt.Errorf("unsupported text value %T", v)
	}
}

func toFloat(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return nil, fmt.Errorf("unsupported numeric value %T", v)
	}
}

func toTime(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return nil, nil
		}
		return t.UTC(), nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		ts, _, err := parseTime(t)
		if err != nil {
			return nil, err
		}
		return ts, nil
	default:
		return nil, fmt.Errorf("unsupported date value %T", v)
	}
}

// parseTime accepts RFC 3339 (with or without fraction) or a bare YYYY-MM-DD date.
// dayOnly reports the latter.
func parseTime(s string) (t time.Time, dayOnly bool, err error) {
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), false, nil
	}
	if ts, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return ts.UTC(), false, nil
	}
	if ts, err := time.Parse(time.DateOnly, s); err == nil {
		return ts.UTC(), true, nil
	}
	return time.Time{}, false, fmt.Errorf("invalid date %q (want RFC 3339 or YYYY-MM-DD)", s)
}
