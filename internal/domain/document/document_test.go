package document

import (
	"errors"
	"strings"
	"testing"

	"github.com/kailas-cloud/secindex/internal/domain"
)

func TestNew_Valid(t *testing.T) {
	fields := map[string]any{"name": "openssl"}
	d, err := New("sbom-1", "sbom/sbom-1.json", fields, []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ID() != "sbom-1" || d.Key() != "sbom/sbom-1.json" {
		t.Errorf("unexpected identity: %q %q", d.ID(), d.Key())
	}

	fields["name"] = "mutated"
	if d.Fields()["name"] != "openssl" {
		t.Error("fields must be copied on construction")
	}
}

func TestNew_EmptyID(t *testing.T) {
	_, err := New("", "k", nil, nil)
	if err == nil {
		t.Fatal("expected error for empty id")
	}
	if !errors.Is(err, domain.ErrInvalidDocument) {
		t.Errorf("expected ErrInvalidDocument, got %v", err)
	}
}

func TestNew_IDTooLong(t *testing.T) {
	_, err := New(strings.Repeat("x", MaxIDLength+1), "k", nil, nil)
	if !IsInvalid(err) {
		t.Fatalf("expected invalid document error, got %v", err)
	}
}

func TestInvalid_Nil(t *testing.T) {
	if Invalid(nil) != nil {
		t.Error("Invalid(nil) must be nil")
	}
}

func TestCodecFunc(t *testing.T) {
	c := CodecFunc(func(key string, _ []byte) (Indexable, error) {
		return Reconstruct(key, key, nil, nil), nil
	})
	d, err := c.Decode("k1", nil)
	if err != nil || d.ID() != "k1" {
		t.Fatalf("unexpected result: %v %v", d.ID(), err)
	}
}
