package indexer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kailas-cloud/secindex/internal/index"
	"github.com/kailas-cloud/secindex/internal/storage"
)

type failingWriter struct{ err error }

func (w failingWriter) ReadRange(context.Context, string, int64, int64) ([]byte, error) {
	return nil, storage.ErrNotFound
}

func (w failingWriter) WriteAtomic(context.Context, string, []byte) error { return w.err }

func publishedSeq(t *testing.T, e *env, key string) uint64 {
	t.Helper()
	head, err := e.store.ReadRange(context.Background(), key, 0, index.SnapshotHeaderSize)
	if err != nil {
		t.Fatalf("read snapshot header: %v", err)
	}
	seq, err := index.SnapshotSequence(head)
	if err != nil {
		t.Fatalf("snapshot sequence: %v", err)
	}
	return seq
}

func count(t *testing.T, idx *index.Engine) int {
	t.Helper()
	n, err := idx.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestSnapshotter_PublishesOnlyWhenSequenceAdvances(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	key := e.keys.SnapshotKey("sbom")
	s := NewSnapshotter(e.engine, e.store, "sbom", key, time.Hour, nil)

	uploaded, err := s.Publish(ctx)
	if err != nil || !uploaded {
		t.Fatalf("first publish = %v, %v; want upload", uploaded, err)
	}
	uploaded, err = s.Publish(ctx)
	if err != nil || uploaded {
		t.Fatalf("unchanged publish = %v, %v; want skip", uploaded, err)
	}

	doc, err := decodeTestDoc("sbom/doc-1.json", []byte(`{"id":"doc-1","title":"openssl"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := e.engine.AddOrReplace(doc); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := e.engine.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	uploaded, err = s.Publish(ctx)
	if err != nil || !uploaded {
		t.Fatalf("publish after commit = %v, %v; want upload", uploaded, err)
	}

	data, err := e.store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	replica, err := index.NewEngine(testSchema, index.Options{AwaitRestore: true})
	if err != nil {
		t.Fatalf("new replica: %v", err)
	}
	defer func() { _ = replica.Close() }()
	if err := replica.Restore(data); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if replica.Sequence() != e.engine.Sequence() {
		t.Errorf("replica sequence = %d, want %d", replica.Sequence(), e.engine.Sequence())
	}
	if n, _ := replica.Count(); n != 1 {
		t.Errorf("replica count = %d, want 1", n)
	}
}

func TestSnapshotter_UploadFailureRetriesNextTime(t *testing.T) {
	e := newEnv(t)
	s := NewSnapshotter(e.engine, failingWriter{err: errors.New("bucket unavailable")}, "sbom", ".index/sbom", time.Hour, nil)

	if _, err := s.Publish(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	s.store = e.store
	uploaded, err := s.Publish(context.Background())
	if err != nil || !uploaded {
		t.Fatalf("retry publish = %v, %v; want upload", uploaded, err)
	}
}

func TestSnapshotter_RunPublishesOnShutdown(t *testing.T) {
	e := newEnv(t)
	key := e.keys.SnapshotKey("sbom")
	s := NewSnapshotter(e.engine, e.store, "sbom", key, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	ok, err := e.store.Exists(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("snapshot exists = %v, %v", ok, err)
	}
}

func TestWriterRestartWithoutJournalKeepsPublishedDocuments(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	key := e.keys.SnapshotKey("sbom")

	e.put(t, "sbom/doc-1.json", `{"id":"doc-1","title":"openssl"}`)
	stop := run(t, e.pipeline(nil, nil))
	waitFor(t, "doc-1 indexed", func() bool { return count(t, e.engine) == 1 })
	stop()
	if _, err := NewSnapshotter(e.engine, e.store, "sbom", key, time.Hour, nil).Publish(ctx); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The writer comes back on a fresh disk: no journal, offsets already committed.
	fresh, err := index.NewEngine(testSchema, index.Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer func() { _ = fresh.Close() }()

	s := NewSnapshotter(fresh, e.store, "sbom", key, time.Hour, nil)
	uploaded, err := s.Publish(ctx)
	if err != nil || uploaded {
		t.Fatalf("publish from empty writer = %v, %v; want skip", uploaded, err)
	}
	if got := publishedSeq(t, e, key); got != 1 {
		t.Fatalf("published sequence = %d, want 1", got)
	}

	restored, err := RestoreLatest(ctx, fresh, e.store, key, nil)
	if err != nil || !restored {
		t.Fatalf("restore latest = %v, %v; want restore", restored, err)
	}
	if n := count(t, fresh); n != 1 {
		t.Fatalf("writer documents after restore = %d, want 1", n)
	}

	e.engine = fresh
	e.put(t, "sbom/doc-2.json", `{"id":"doc-2","title":"curl"}`)
	stop = run(t, e.pipeline(nil, nil))
	waitFor(t, "doc-2 indexed", func() bool { return count(t, fresh) == 2 })
	stop()

	uploaded, err = s.Publish(ctx)
	if err != nil || !uploaded {
		t.Fatalf("publish after restart = %v, %v; want upload", uploaded, err)
	}
	data, err := e.store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	replica, err := index.NewEngine(testSchema, index.Options{AwaitRestore: true})
	if err != nil {
		t.Fatalf("new replica: %v", err)
	}
	defer func() { _ = replica.Close() }()
	if err := replica.Restore(data); err != nil {
		t.Fatalf("restore replica: %v", err)
	}
	if n := count(t, replica); n != 2 {
		t.Errorf("replica documents = %d, want 2", n)
	}
}

func TestRestoreLatest_NothingPublished(t *testing.T) {
	e := newEnv(t)
	restored, err := RestoreLatest(context.Background(), e.engine, e.store, e.keys.SnapshotKey("sbom"), nil)
	if err != nil || restored {
		t.Fatalf("restore latest = %v, %v; want no-op", restored, err)
	}
}

func TestRestoreLatest_LocalStateIsCurrent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	key := e.keys.SnapshotKey("sbom")

	doc, err := decodeTestDoc("sbom/doc-1.json", []byte(`{"id":"doc-1","title":"openssl"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := e.engine.AddOrReplace(doc); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := e.engine.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := NewSnapshotter(e.engine, e.store, "sbom", key, time.Hour, nil).Publish(ctx); err != nil {
		t.Fatalf("publish: %v", err)
	}

	restored, err := RestoreLatest(ctx, e.engine, e.store, key, nil)
	if err != nil || restored {
		t.Fatalf("restore latest = %v, %v; want no-op", restored, err)
	}
}

func TestRestoreLatest_CorruptSnapshotIsIgnored(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	key := e.keys.SnapshotKey("sbom")

	bogus := append([]byte(index.SnapshotMagic), make([]byte, 16)...)
	bogus[index.SnapshotHeaderSize-1] = 9
	bogus = append(bogus, "not zstd"...)
	if err := e.store.WriteAtomic(ctx, key, bogus); err != nil {
		t.Fatalf("write: %v", err)
	}

	restored, err := RestoreLatest(ctx, e.engine, e.store, key, nil)
	if err != nil || restored {
		t.Fatalf("restore latest = %v, %v; want no-op", restored, err)
	}
	if !e.engine.Ready() || e.engine.Sequence() != 0 {
		t.Errorf("engine changed: ready=%v sequence=%d", e.engine.Ready(), e.engine.Sequence())
	}
}

func TestWriterLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "sbom.lock")

	l, err := AcquireWriterLock(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.Path() != path {
		t.Errorf("path = %q", l.Path())
	}
	if _, err := AcquireWriterLock(path); !errors.Is(err, ErrWriterLocked) {
		t.Fatalf("second acquire err = %v, want ErrWriterLocked", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}

	again, err := AcquireWriterLock(path)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	_ = again.Release()
}
