package storage

import "strings"

// DefaultIndexPrefix is the reserved key prefix for index snapshots.
const DefaultIndexPrefix = ".index"

// Keys knows the reserved layout of the bucket.
type Keys struct {
	IndexPrefix string
}

// NewKeys returns Keys with prefix, or DefaultIndexPrefix when empty. Trailing slashes are dropped.
func NewKeys(prefix string) Keys {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultIndexPrefix
	}
	return Keys{IndexPrefix: prefix}
}

// IsIndex reports whether key is the reserved prefix itself or lives under it.
// Such keys are never treated as documents.
func (k Keys) IsIndex(key string) bool {
	key = strings.TrimLeft(key, "/")
	return key == k.IndexPrefix || strings.HasPrefix(key, k.IndexPrefix+"/")
}

// SnapshotKey returns the key holding the index snapshot for a domain.
func (k Keys) SnapshotKey(domain string) string {
	return k.IndexPrefix + "/" + domain
}
