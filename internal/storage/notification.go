package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/kailas-cloud/secindex/internal/domain/event"
)

// ErrUnrecognizedPayload is returned when a payload matches none of the known notification shapes.
var ErrUnrecognizedPayload = errors.New("storage: unrecognized notification payload")

// s3Notification is the subset of the S3 / MinIO bucket notification we need.
type s3Notification struct {
	Records []s3Record `json:"Records"`
}

type s3Record struct {
	EventName string `json:"eventName"`
	S3        struct {
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// keyRef is a direct key reference, as produced by the notification bridge and reindex.
type keyRef struct {
	Key       string `json:"key"`
	Operation string `json:"operation"`
}

// DecodeEvent turns one notification payload into zero or more object events.
//
// Accepted shapes: S3/MinIO bucket notifications ({"Records":[...]}), a direct key
// reference ({"key":"...","operation":"put"}) and a bare key string (raw or JSON-quoted).
// Records that cannot be decoded are skipped; the returned error describes them while the
// remaining events are still returned.
func DecodeEvent(payload []byte) ([]event.StoredObject, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, ErrUnrecognizedPayload
	}

	switch trimmed[0] {
	case '{':
		return decodeObject(trimmed)
	case '"':
		var key string
		if err := json.Unmarshal(trimmed, &key); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnrecognizedPayload, err)
		}
		return bareKey(key)
	default:
		return bareKey(string(trimmed))
	}
}

func bareKey(key string) ([]event.StoredObject, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, "\n\r") {
		return nil, ErrUnrecognizedPayload
	}
	return []event.StoredObject{{Key: key, Operation: event.OpPut}}, nil
}

func decodeObject(data []byte) ([]event.StoredObject, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnrecognizedPayload, err)
	}

	if _, ok := fields["Records"]; ok {
		var n s3Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnrecognizedPayload, err)
		}
		return decodeRecords(n.Records)
	}

	if _, ok := fields["key"]; ok {
		var ref keyRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnrecognizedPayload, err)
		}
		if ref.Key == "" {
			return nil, fmt.Errorf("%w: empty key", ErrUnrecognizedPayload)
		}
		return []event.StoredObject{{Key: ref.Key, Operation: event.ParseOperation(ref.Operation)}}, nil
	}

	return nil, ErrUnrecognizedPayload
}

func decodeRecords(records []s3Record) ([]event.StoredObject, error) {
	out := make([]event.StoredObject, 0, len(records))
	var errs []error
	for i, r := range records {
		if r.S3.Object.Key == "" {
			errs = append(errs, fmt.Errorf("record %d: missing object key", i))
			continue
		}
		// S3 form-encodes keys in notifications ("a+b" is "a b").
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		out = append(out, event.StoredObject{Key: key, Operation: s3Operation(r.EventName)})
	}
	return out, errors.Join(errs...)
}

// s3Operation maps "s3:ObjectCreated:Put" style names.
func s3Operation(name string) event.Operation {
	name = strings.TrimPrefix(name, "s3:")
	switch {
	case strings.HasPrefix(name, "ObjectCreated:"):
		return event.OpPut
	case strings.HasPrefix(name, "ObjectRemoved:"):
		return event.OpDelete
	default:
		return event.OpOther
	}
}

// EncodeNotification builds an S3-style notification for a single object. Used by backends
// without native notifications.
func EncodeNotification(key string, op event.Operation) ([]byte, error) {
	name := "s3:ObjectCreated:Put"
	switch op {
	case event.OpDelete:
		name = "s3:ObjectRemoved:Delete"
	case event.OpOther:
		name = "s3:ObjectAccessed:Get"
	}
	var r s3Record
	r.EventName = name
	r.S3.Object.Key = url.QueryEscape(key)
	data, err := json.Marshal(s3Notification{Records: []s3Record{r}})
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return data, nil
}

// EncodeKeyRef builds a direct key reference payload.
func EncodeKeyRef(key string, op event.Operation) ([]byte, error) {
	data, err := json.Marshal(keyRef{Key: key, Operation: string(op)})
	if err != nil {
		return nil, fmt.Errorf("marshal key reference: %w", err)
	}
	return data, nil
}
