package index

import (
	"fmt"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/registry"
)

// ChainedTokenizerName is the registry type of the chained tokenizer.
// Config keys "first" and "second" name two registered tokenizers.
const ChainedTokenizerName = "chained"

func init() {
	// Register chained tokenizer with bleve
	_ = registry.RegisterTokenizer(ChainedTokenizerName, chainedTokenizerConstructor)
}

func chainedTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	firstName, _ := config["first"].(string)
	secondName, _ := config["second"].(string)
	if firstName == "" || secondName == "" {
		return nil, fmt.Errorf("chained tokenizer: first and second are required")
	}
	first, err := cache.TokenizerNamed(firstName)
	if err != nil {
		return nil, fmt.Errorf("chained tokenizer: first %q: %w", firstName, err)
	}
	second, err := cache.TokenizerNamed(secondName)
	if err != nil {
		return nil, fmt.Errorf("chained tokenizer: second %q: %w", secondName, err)
	}
	return &chainedTokenizer{first: first, second: second}, nil
}

type chainState int

const (
	chainFirst chainState = iota
	chainSecond
	chainDone
)

// chainedTokenizer emits every token of first, then every token of second.
// Positions of the second stream continue after the first so phrase matching on the
// first stream is unaffected.
type chainedTokenizer struct {
	first  analysis.Tokenizer
	second analysis.Tokenizer
}

// Tokenize implements analysis.Tokenizer.
func (t *chainedTokenizer) Tokenize(input []byte) analysis.TokenStream {
	var (
		out   analysis.TokenStream
		base  int
		state = chainFirst
	)
	for state != chainDone {
		var stream analysis.TokenStream
		switch state {
		case chainFirst:
			stream = t.first.Tokenize(input)
			state = chainSecond
		case chainSecond:
			stream = t.second.Tokenize(input)
			state = chainDone
		}
		last := base
		for _, tok := range stream {
			tok.Position += base
			if tok.Position > last {
				last = tok.Position
			}
			out = append(out, tok)
		}
		base = last
	}
	return out
}
