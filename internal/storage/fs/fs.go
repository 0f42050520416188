// Package fs implements storage.Storage on a local directory.
//
// Objects live under <root>/objects/<key> and are replaced atomically. Content encodings are
// kept in a bbolt database at <root>/meta.db. The database is opened per operation and held only
// for that operation, so the indexer, replicas and producers on one host can share a store.
// Watch turns filesystem events into S3-style notifications so a single host can run the whole
// pipeline without an object store.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/storage"
)

// Compile-time check: Store implements storage.Storage.
var _ storage.Storage = (*Store)(nil)

var bucketEncodings = []byte("encodings")

const (
	objectsDir = "objects"
	metaFile   = "meta.db"
)

// metaLockTimeout bounds the wait for another process holding the metadata database.
const metaLockTimeout = 5 * time.Second

// Config for a filesystem store.
type Config struct {
	Path        string
	Compression storage.Encoding
	// WatchDebounce defaults to DefaultWatchDebounce.
	WatchDebounce time.Duration
	Logger        *zap.Logger
}

// Store is a filesystem-backed object store.
type Store struct {
	root     string
	objects  string
	metaPath string
	// metaMu serializes this process's own metadata opens; file locks order them across processes.
	metaMu   sync.RWMutex
	enc      storage.Encoding
	debounce time.Duration
	log      *zap.Logger
}

// Open creates the directory layout if needed and opens the metadata database.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	objects := filepath.Join(cfg.Path, objectsDir)
	if err := os.MkdirAll(objects, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create objects dir: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		root:     cfg.Path,
		objects:  objects,
		metaPath: filepath.Join(cfg.Path, metaFile),
		enc:      cfg.Compression,
		debounce: cfg.WatchDebounce,
		log:      log,
	}
	if s.debounce <= 0 {
		s.debounce = DefaultWatchDebounce
	}
	err := s.update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEncodings)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init metadata db: %w", err)
	}
	return s, nil
}

// update runs fn in a write transaction on a briefly opened metadata database.
func (s *Store) update(fn func(tx *bbolt.Tx) error) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	db, err := bbolt.Open(s.metaPath, 0o600, &bbolt.Options{Timeout: metaLockTimeout})
	if err != nil {
		return fmt.Errorf("open metadata db: %w", err)
	}
	if err := db.Update(fn); err != nil {
		_ = db.Close()
		return err
	}
	return db.Close()
}

// view runs fn in a read transaction under a shared lock.
func (s *Store) view(fn func(tx *bbolt.Tx) error) error {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	db, err := bbolt.Open(s.metaPath, 0o600, &bbolt.Options{Timeout: metaLockTimeout, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("open metadata db: %w", err)
	}
	defer db.Close()
	return db.View(fn)
}

// Root returns the directory watched for object changes.
func (s *Store) Root() string { return s.objects }

// pathFor maps a key to its file path, rejecting keys that escape the objects directory.
func (s *Store) pathFor(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	if isTemp(path.Base(clean)) {
		return "", fmt.Errorf("invalid key %q: basename must not start with %q", key, tempPrefix)
	}
	return filepath.Join(s.objects, filepath.FromSlash(clean[1:])), nil
}

// keyFor is the inverse of pathFor.
func (s *Store) keyFor(p string) (string, bool) {
	rel, err := filepath.Rel(s.objects, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// tempPrefix marks in-flight files written by renameio.
const tempPrefix = "."

func isTemp(base string) bool { return strings.HasPrefix(base, tempPrefix) && base != "." }

// Put writes data with the configured encoding.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	encoded, err := storage.Encode(s.enc, data)
	if err != nil {
		return &storage.Error{Op: storage.OpPut, Key: key, Err: err}
	}
	return s.write(ctx, storage.OpPut, key, encoded, s.enc)
}

// WriteAtomic writes data uncompressed.
func (s *Store) WriteAtomic(ctx context.Context, key string, data []byte) error {
	return s.write(ctx, storage.OpWriteAtomic, key, data, storage.Identity)
}

func (s *Store) write(ctx context.Context, op, key string, data []byte, enc storage.Encoding) error {
	if err := ctx.Err(); err != nil {
		return &storage.Error{Op: op, Key: key, Err: err}
	}
	p, err := s.pathFor(key)
	if err != nil {
		return &storage.Error{Op: op, Key: key, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return &storage.Error{Op: op, Key: key, Err: err}
	}
	// Metadata first: a reader that sees the new file must not decode it with the old encoding.
	if err := s.setEncoding(key, enc); err != nil {
		return &storage.Error{Op: op, Key: key, Err: err}
	}
	if err := renameio.WriteFile(p, data, 0o644); err != nil {
		return &storage.Error{Op: op, Key: key, Err: err}
	}
	return nil
}

func (s *Store) setEncoding(key string, enc storage.Encoding) error {
	return s.update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketEncodings)
		if err != nil {
			return err
		}
		if enc == storage.Identity {
			return b.Put([]byte(key), []byte("identity"))
		}
		return b.Put([]byte(key), []byte(enc))
	})
}

func (s *Store) encoding(key string) (storage.Encoding, error) {
	var raw string
	err := s.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEncodings)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			raw = string(v)
		}
		return nil
	})
	if err != nil {
		return storage.Identity, err
	}
	// Files dropped in by producers have no metadata; fall back to the key suffix.
	return storage.ParseEncoding(raw, key), nil
}

// Get returns the decoded object.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &storage.Error{Op: storage.OpGet, Key: key, Err: err}
	}
	p, err := s.pathFor(key)
	if err != nil {
		return nil, &storage.Error{Op: storage.OpGet, Key: key, Err: err}
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, &storage.Error{Op: storage.OpGet, Key: key, Err: notFound(err)}
	}
	enc, err := s.encoding(key)
	if err != nil {
		return nil, &storage.Error{Op: storage.OpGet, Key: key, Err: err}
	}
	data, err := storage.Decode(enc, raw)
	if err != nil {
		return nil, &storage.Error{Op: storage.OpGet, Key: key, Err: err}
	}
	return data, nil
}

func notFound(err error) error {
	if errors.Is(err, iofs.ErrNotExist) {
		return storage.ErrNotFound
	}
	return err
}

// Delete removes the object. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return &storage.Error{Op: storage.OpDelete, Key: key, Err: err}
	}
	p, err := s.pathFor(key)
	if err != nil {
		return &storage.Error{Op: storage.OpDelete, Key: key, Err: err}
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return &storage.Error{Op: storage.OpDelete, Key: key, Err: err}
	}
	err = s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEncodings)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return &storage.Error{Op: storage.OpDelete, Key: key, Err: err}
	}
	return nil
}

// List walks every key starting with prefix in lexical order.
func (s *Store) List(ctx context.Context, prefix string, fn func(key string) error) error {
	err := filepath.WalkDir(s.objects, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || isTemp(d.Name()) {
			return nil
		}
		key, ok := s.keyFor(p)
		if !ok || !strings.HasPrefix(key, prefix) {
			return nil
		}
		return fn(key)
	})
	if err != nil {
		return &storage.Error{Op: storage.OpList, Key: prefix, Err: err}
	}
	return nil
}

// ReadRange returns up to length raw bytes starting at offset. Reads past the end are truncated.
func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &storage.Error{Op: storage.OpReadRange, Key: key, Err: err}
	}
	if offset < 0 || length < 0 {
		return nil, &storage.Error{Op: storage.OpReadRange, Key: key, Err: fmt.Errorf("negative range")}
	}
	p, err := s.pathFor(key)
	if err != nil {
		return nil, &storage.Error{Op: storage.OpReadRange, Key: key, Err: err}
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, &storage.Error{Op: storage.OpReadRange, Key: key, Err: notFound(err)}
	}
	defer f.Close()

	data, err := io.ReadAll(io.NewSectionReader(f, offset, length))
	if err != nil {
		return nil, &storage.Error{Op: storage.OpReadRange, Key: key, Err: err}
	}
	return data, nil
}

// Exists reports whether the object is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &storage.Error{Op: storage.OpExists, Key: key, Err: err}
	}
	p, err := s.pathFor(key)
	if err != nil {
		return false, &storage.Error{Op: storage.OpExists, Key: key, Err: err}
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, iofs.ErrNotExist):
		return false, nil
	default:
		return false, &storage.Error{Op: storage.OpExists, Key: key, Err: err}
	}
}

// Ping checks that the objects directory is reachable.
func (s *Store) Ping(_ context.Context) error {
	if _, err := os.Stat(s.objects); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close is a no-op: the metadata database is only open during an operation.
func (s *Store) Close() error { return nil }
