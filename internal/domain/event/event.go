// Package event holds the messages that flow between storage, the bus and the indexer.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operation is the kind of change a storage notification reports.
type Operation string

// Operation constants.
const (
	OpPut    Operation = "put"
	OpDelete Operation = "delete"
	OpOther  Operation = "other"
)

// ParseOperation maps a loose operation name onto an Operation.
// Empty input means put, which is what direct key references imply.
func ParseOperation(s string) Operation {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "put", "create", "created":
		return OpPut
	case "delete", "deleted", "remove", "removed":
		return OpDelete
	default:
		return OpOther
	}
}

// StoredObject is a single object change decoded from a storage notification.
type StoredObject struct {
	Key       string    `json:"key"`
	Operation Operation `json:"operation"`
}

// IsPut reports whether the object was written.
func (e StoredObject) IsPut() bool { return e.Operation == OpPut }

// String implements fmt.Stringer.
func (e StoredObject) String() string { return fmt.Sprintf("%s:%s", e.Operation, e.Key) }

// Indexed is published on the indexed topic for every document that reached an index commit.
type Indexed struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

// Failed is published on the failed topic for every document that could not be indexed.
type Failed struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// Marshal encodes v as a bus payload.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}
