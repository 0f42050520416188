package s3

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/kailas-cloud/secindex/internal/storage"
)

func TestNewStore_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no endpoint", Config{Bucket: "b"}},
		{"no bucket", Config{Endpoint: "localhost:9000"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewStore(tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewStore_OK(t *testing.T) {
	s, err := NewStore(Config{Endpoint: "localhost:9000", Bucket: "docs", AccessKey: "a", SecretKey: "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.bucket != "docs" {
		t.Errorf("bucket = %q", s.bucket)
	}
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{"no such key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}, true},
		{"not found", minio.ErrorResponse{Code: "NotFound", StatusCode: 404}, true},
		{"access denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}, false},
		{"plain", errors.New("dial tcp: refused"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := errors.Is(mapErr(tc.err), storage.ErrNotFound)
			if got != tc.notFound {
				t.Errorf("mapErr(%v) not-found = %v, want %v", tc.err, got, tc.notFound)
			}
		})
	}
	if mapErr(nil) != nil {
		t.Error("mapErr(nil) must be nil")
	}
}

func TestContentType(t *testing.T) {
	if got := contentType("a/b.json"); got != "application/json" {
		t.Errorf("got %q", got)
	}
	if got := contentType(".index/sbom"); got != "application/octet-stream" {
		t.Errorf("got %q", got)
	}
}
