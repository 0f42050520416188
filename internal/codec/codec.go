// Package codec maps a domain name to its index schema and document codec.
package codec

import (
	"fmt"
	"sort"

	"github.com/kailas-cloud/secindex/internal/codec/cve"
	"github.com/kailas-cloud/secindex/internal/codec/sbom"
	"github.com/kailas-cloud/secindex/internal/codec/vex"
	"github.com/kailas-cloud/secindex/internal/domain/document"
	"github.com/kailas-cloud/secindex/internal/index"
)

// Domain binds the documents of one domain to their schema and codec.
type Domain struct {
	Name   string
	Schema *index.Schema
	Codec  document.Codec
}

var domains = map[string]Domain{
	"sbom": {Name: "sbom", Schema: sbom.Schema, Codec: sbom.Codec()},
	"vex":  {Name: "vex", Schema: vex.Schema, Codec: vex.Codec()},
	"cve":  {Name: "cve", Schema: cve.Schema, Codec: cve.Codec()},
}

// Lookup returns the domain registered under name.
func Lookup(name string) (Domain, error) {
	d, ok := domains[name]
	if !ok {
		return Domain{}, fmt.Errorf("unknown domain %q (known: %v)", name, Names())
	}
	return d, nil
}

// Names lists the registered domains in order.
func Names() []string {
	out := make([]string, 0, len(domains))
	for name := range domains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
