package domain

import "errors"

var (
	// ErrNotFound signals a missing object or resource.
	ErrNotFound = errors.New("not found")
	// ErrInvalidQuery signals a malformed search query.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrInvalidRequest signals invalid search parameters (pagination etc).
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidDocument signals a document rejected by its codec.
	ErrInvalidDocument = errors.New("invalid document")
	// ErrCorruptSnapshot signals an index snapshot that cannot be restored.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	// ErrIndexClosed signals use of a closed search index.
	ErrIndexClosed = errors.New("index closed")
	// ErrIndexNotReady signals that no index generation has been loaded yet.
	ErrIndexNotReady = errors.New("index not ready")
)
