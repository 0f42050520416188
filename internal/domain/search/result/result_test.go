package result

import (
	"encoding/json"
	"testing"
)

func TestNew(t *testing.T) {
	h := New("doc-1", 1.5, json.RawMessage(`{"id":"doc-1"}`), nil, map[string]any{"name": "x"})
	if h.ID() != "doc-1" {
		t.Errorf("ID() = %q", h.ID())
	}
	if h.Score() != 1.5 {
		t.Errorf("Score() = %v", h.Score())
	}
	if string(h.Document()) != `{"id":"doc-1"}` {
		t.Errorf("Document() = %s", h.Document())
	}
	if h.Explanation() != nil {
		t.Error("expected nil explanation")
	}
	if h.Metadata()["name"] != "x" {
		t.Error("metadata lost")
	}
}
