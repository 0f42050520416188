package secindex

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kailas-cloud/secindex/internal/domain"
)

// Sentinel errors. Use errors.Is() to check.
var (
	ErrInvalidQuery   = domain.ErrInvalidQuery
	ErrInvalidRequest = domain.ErrInvalidRequest
	ErrIndexNotReady  = domain.ErrIndexNotReady
	ErrUnauthorized   = errors.New("unauthorized")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("secindex: http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("secindex: %s (http %d): %s", e.Code, e.Status, e.Message)
}

// Unwrap maps the response onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.Code == "invalid_query":
		return ErrInvalidQuery
	case e.Code == "bad_request":
		return ErrInvalidRequest
	case e.Code == "index_not_ready":
		return ErrIndexNotReady
	case e.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return nil
	}
}
