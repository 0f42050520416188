package index

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/kailas-cloud/secindex/internal/domain"
)

// Query qualifiers.
const (
	qualifierIn   = "in"
	qualifierIs   = "is"
	qualifierSort = "sort"
	keywordOr     = "OR"
)

func isReservedWord(name string) bool {
	switch name {
	case qualifierIn, qualifierIs, qualifierSort:
		return true
	}
	return false
}

// defaultSort orders by relevance, ties broken by id for stable paging.
var defaultSort = []string{"-_score", "_id"}

// Query is a parsed search query. It is immutable and safe to share between searches.
type Query struct {
	text string
	q    query.Query
	sort []string
}

// Text returns the source query string.
func (q *Query) Text() string { return q.text }

// Sort returns the bleve sort order.
func (q *Query) Sort() []string { return append([]string(nil), q.sort...) }

// term is one lexical element of a query string.
type term struct {
	neg    bool
	field  string
	value  string
	quoted bool
}

func invalidQuery(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidQuery, fmt.Sprintf(format, args...))
}

// lex splits input into terms. Quoted sections may contain spaces and colons.
func lex(input string) ([]term, error) {
	var (
		terms []term
		i     int
	)
	for i < len(input) {
		for i < len(input) && isSpace(input[i]) {
			i++
		}
		if i >= len(input) {
			break
		}

		var t term
		if input[i] == '-' && i+1 < len(input) && !isSpace(input[i+1]) {
			t.neg = true
			i++
		}

		var (
			buf      strings.Builder
			sawColon bool
		)
		for i < len(input) && !isSpace(input[i]) {
			c := input[i]
			switch {
			case c == '"':
				end := strings.IndexByte(input[i+1:], '"')
				if end < 0 {
					return nil, invalidQuery("unterminated quote at offset %d", i)
				}
				buf.WriteString(input[i+1 : i+1+end])
				t.quoted = true
				i += end + 2
			case c == ':' && !sawColon && !t.quoted && buf.Len() > 0:
				t.field = buf.String()
				buf.Reset()
				sawColon = true
				i++
			default:
				buf.WriteByte(c)
				i++
			}
		}
		t.value = buf.String()
		if sawColon && t.value == "" && !t.quoted {
			return nil, invalidQuery("missing value for %q", t.field)
		}
		if t.field == "" && t.value == "" && !t.quoted {
			continue
		}
		terms = append(terms, t)
	}
	return terms, nil
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

// group collects the AND-ed clauses of one OR branch.
type group struct {
	must    []query.Query
	mustNot []query.Query
}

func (g *group) add(q query.Query, neg bool) {
	if neg {
		g.mustNot = append(g.mustNot, q)
	} else {
		g.must = append(g.must, q)
	}
}

func (g *group) empty() bool { return len(g.must) == 0 && len(g.mustNot) == 0 }

func (g *group) build() query.Query {
	must := g.must
	if len(must) == 0 {
		must = []query.Query{bleve.NewMatchAllQuery()}
	}
	if len(g.mustNot) == 0 && len(must) == 1 {
		return must[0]
	}
	return query.NewBooleanQuery(must, nil, g.mustNot)
}

// ParseQuery parses input against schema. Errors wrap domain.ErrInvalidQuery.
func ParseQuery(s *Schema, input string) (*Query, error) {
	terms, err := lex(input)
	if err != nil {
		return nil, err
	}

	p := parser{schema: s, scope: s.DefaultFields()}
	var (
		groups []query.Query
		cur    group
		sorts  []string
	)
	for _, t := range terms {
		if t.field == "" && !t.quoted && !t.neg && t.value == keywordOr {
			if cur.empty() {
				return nil, invalidQuery("empty alternative before OR")
			}
			groups = append(groups, cur.build())
			cur = group{}
			continue
		}

		switch t.field {
		case qualifierSort:
			spec, err := p.sortSpec(t)
			if err != nil {
				return nil, err
			}
			sorts = append(sorts, spec)
			continue
		case qualifierIn:
			if err := p.setScope(t); err != nil {
				return nil, err
			}
			continue
		case qualifierIs:
			q, err := p.predicate(t.value)
			if err != nil {
				return nil, err
			}
			cur.add(q, t.neg)
			continue
		}

		q, err := p.term(t)
		if err != nil {
			return nil, err
		}
		cur.add(q, t.neg)
	}

	switch {
	case !cur.empty():
		groups = append(groups, cur.build())
	case len(groups) > 0:
		return nil, invalidQuery("empty alternative after OR")
	}

	out := &Query{text: input, sort: defaultSort}
	switch len(groups) {
	case 0:
		out.q = bleve.NewMatchAllQuery()
	case 1:
		out.q = groups[0]
	default:
		out.q = query.NewDisjunctionQuery(groups)
	}
	if len(sorts) > 0 {
		out.sort = append(sorts, defaultSort...)
	}
	return out, nil
}

type parser struct {
	schema *Schema
	scope  []string
	depth  int
}

func (p *parser) sortSpec(t term) (string, error) {
	f, ok := p.schema.Field(t.value)
	if !ok {
		return "", invalidQuery("unknown sort field %q", t.value)
	}
	if !f.Sortable {
		return "", invalidQuery("field %q is not sortable", t.value)
	}
	if t.neg {
		return "-" + f.Name, nil
	}
	return f.Name, nil
}

func (p *parser) setScope(t term) error {
	if t.neg {
		return invalidQuery("in: cannot be negated")
	}
	var scope []string
	for _, name := range strings.Split(t.value, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f, ok := p.schema.Field(name)
		if !ok {
			return invalidQuery("unknown field %q in in:", name)
		}
		if f.Type != Text && f.Type != Keyword {
			return invalidQuery("field %q cannot be used in in:", name)
		}
		scope = append(scope, name)
	}
	if len(scope) == 0 {
		return invalidQuery("in: requires at least one field")
	}
	p.scope = scope
	return nil
}

// predicate expands "is:name". Predicates may only use field terms and other predicates.
func (p *parser) predicate(name string) (query.Query, error) {
	text, ok := p.schema.Predicate(name)
	if !ok {
		return nil, invalidQuery("unknown predicate %q", name)
	}
	if p.depth >= 4 {
		return nil, invalidQuery("predicate %q nests too deeply", name)
	}
	terms, err := lex(text)
	if err != nil {
		return nil, err
	}
	sub := parser{schema: p.schema, scope: p.schema.DefaultFields(), depth: p.depth + 1}
	var g group
	for _, t := range terms {
		switch t.field {
		case qualifierSort, qualifierIn:
			return nil, invalidQuery("predicate %q: %s: not allowed", name, t.field)
		case qualifierIs:
			q, err := sub.predicate(t.value)
			if err != nil {
				return nil, err
			}
			g.add(q, t.neg)
			continue
		}
		q, err := sub.term(t)
		if err != nil {
			return nil, err
		}
		g.add(q, t.neg)
	}
	if g.empty() {
		return nil, invalidQuery("predicate %q is empty", name)
	}
	return g.build(), nil
}

func (p *parser) term(t term) (query.Query, error) {
	if t.field == "" {
		return p.unscoped(t), nil
	}
	f, ok := p.schema.Field(t.field)
	if !ok {
		return nil, invalidQuery("unknown field %q", t.field)
	}
	switch f.Type {
	case Text, Keyword:
		return textQuery(f, t.value, t.quoted), nil
	case Numeric:
		return numericQuery(f, t.value)
	case Date:
		return dateQuery(f, t.value)
	}
	return nil, invalidQuery("field %q has unsupported type", f.Name)
}

// unscoped matches a bare term against every field in scope.
func (p *parser) unscoped(t term) query.Query {
	qs := make([]query.Query, 0, len(p.scope))
	for _, name := range p.scope {
		f, _ := p.schema.Field(name)
		qs = append(qs, textQuery(f, t.value, t.quoted))
	}
	if len(qs) == 1 {
		return qs[0]
	}
	return query.NewDisjunctionQuery(qs)
}

func textQuery(f Field, value string, quoted bool) query.Query {
	if quoted && f.Type == Text && f.Analyzer != AnalyzerKeyword {
		q := bleve.NewMatchPhraseQuery(value)
		q.SetField(f.Name)
		return q
	}
	q := bleve.NewMatchQuery(value)
	q.SetField(f.Name)
	q.SetOperator(query.MatchQueryOperatorAnd)
	return q
}

// bound is one side of a range qualifier.
type bound struct {
	raw       string
	inclusive bool
}

// splitRange parses ">v", ">=v", "<v", "<=v", "a..b" (open ends allowed as "" or "*") or a plain value.
func splitRange(v string) (lo, hi *bound, exact string) {
	switch {
	case strings.HasPrefix(v, ">="):
		return &bound{raw: v[2:], inclusive: true}, nil, ""
	case strings.HasPrefix(v, ">"):
		return &bound{raw: v[1:]}, nil, ""
	case strings.HasPrefix(v, "<="):
		return nil, &bound{raw: v[2:], inclusive: true}, ""
	case strings.HasPrefix(v, "<"):
		return nil, &bound{raw: v[1:]}, ""
	}
	if a, b, ok := strings.Cut(v, ".."); ok {
		if a != "" && a != "*" {
			lo = &bound{raw: a, inclusive: true}
		}
		if b != "" && b != "*" {
			hi = &bound{raw: b, inclusive: true}
		}
		return lo, hi, ""
	}
	return nil, nil, v
}

func boolPtr(b bool) *bool { return &b }

func numericQuery(f Field, v string) (query.Query, error) {
	lo, hi, exact := splitRange(v)
	var (
		min, max       *float64
		minInc, maxInc *bool
	)
	if exact != "" {
		n, err := strconv.ParseFloat(exact, 64)
		if err != nil {
			return nil, invalidQuery("field %q: invalid number %q", f.Name, exact)
		}
		min, max = &n, &n
		minInc, maxInc = boolPtr(true), boolPtr(true)
	}
	if lo != nil {
		n, err := strconv.ParseFloat(lo.raw, 64)
		if err != nil {
			return nil, invalidQuery("field %q: invalid number %q", f.Name, lo.raw)
		}
		min, minInc = &n, boolPtr(lo.inclusive)
	}
	if hi != nil {
		n, err := strconv.ParseFloat(hi.raw, 64)
		if err != nil {
			return nil, invalidQuery("field %q: invalid number %q", f.Name, hi.raw)
		}
		max, maxInc = &n, boolPtr(hi.inclusive)
	}
	if min == nil && max == nil {
		return nil, invalidQuery("field %q: empty range", f.Name)
	}
	q := bleve.NewNumericRangeInclusiveQuery(min, max, minInc, maxInc)
	q.SetField(f.Name)
	return q, nil
}

const day = 24 * time.Hour

func dateQuery(f Field, v string) (query.Query, error) {
	lo, hi, exact := splitRange(v)
	var (
		start, end       time.Time
		startInc, endInc = true, true
	)
	if exact != "" {
		ts, dayOnly, err := parseTime(exact)
		if err != nil {
			return nil, invalidQuery("field %q: %v", f.Name, err)
		}
		start, end = ts, ts
		if dayOnly {
			end, endInc = ts.Add(day), false
		}
	}
	if lo != nil {
		ts, dayOnly, err := parseTime(lo.raw)
		if err != nil {
			return nil, invalidQuery("field %q: %v", f.Name, err)
		}
		start, startInc = ts, lo.inclusive
		if dayOnly && !lo.inclusive {
			// After a day means from the next day on.
			start, startInc = ts.Add(day), true
		}
	}
	if hi != nil {
		ts, dayOnly, err := parseTime(hi.raw)
		if err != nil {
			return nil, invalidQuery("field %q: %v", f.Name, err)
		}
		end, endInc = ts, hi.inclusive
		if dayOnly && hi.inclusive {
			// Up to and including a day means before the next day.
			end, endInc = ts.Add(day), false
		}
	}
	if start.IsZero() && end.IsZero() {
		return nil, invalidQuery("field %q: empty range", f.Name)
	}
	q := bleve.NewDateRangeInclusiveQuery(start, end, boolPtr(startInc), boolPtr(endInc))
	q.SetField(f.Name)
	return q, nil
}
