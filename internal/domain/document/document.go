package document

import (
	"errors"
	"fmt"
	"maps"

	"github.com/kailas-cloud/secindex/internal/domain"
)

// MaxIDLength is the maximum document identifier length.
const MaxIDLength = 512

// Indexable is a validated document ready for the search index (immutable value object).
// It lives only for the duration of one indexing attempt.
type Indexable struct {
	id     string
	key    string
	fields map[string]any
	source []byte
}

// New validates and creates an Indexable document.
// ID is required and bounded; Fields are validated against the schema by the index.
func New(id, key string, fields map[string]any, source []byte) (Indexable, error) {
	if id == "" {
		return Indexable{}, Invalid(fmt.Errorf("document id is required"))
	}
	if len(id) > MaxIDLength {
		return Indexable{}, Invalid(fmt.Errorf("document id too long (max %d)", MaxIDLength))
	}
	return Indexable{
		id:     id,
		key:    key,
		fields: maps.Clone(fields),
		source: source,
	}, nil
}

// Reconstruct creates an Indexable without validation (snapshot hydration).
func Reconstruct(id, key string, fields map[string]any, source []byte) Indexable {
	return Indexable{id: id, key: key, fields: fields, source: source}
}

// ID returns the document identifier.
func (d *Indexable) ID() string { return d.id }

// Key returns the storage key the document was read from.
func (d *Indexable) Key() string { return d.key }

// Fields returns the extracted, schema-typed field values.
func (d *Indexable) Fields() map[string]any { return d.fields }

// Source returns the raw document bytes.
func (d *Indexable) Source() []byte { return d.source }

// Codec validates and parses a raw blob into an Indexable document.
// Returned errors wrap domain.ErrInvalidDocument when the blob is rejected.
type Codec interface {
	Decode(key string, data []byte) (Indexable, error)
}

// CodecFunc adapts a function to the Codec interface.
type CodecFunc func(key string, data []byte) (Indexable, error)

// Decode implements Codec.
func (f CodecFunc) Decode(key string, data []byte) (Indexable, error) { return f(key, data) }

// Invalid marks err as a document validation failure.
func Invalid(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrInvalidDocument, err)
}

// IsInvalid reports whether err is a document validation failure.
func IsInvalid(err error) bool {
	return errors.Is(err, domain.ErrInvalidDocument)
}
