// Package index is the search index engine: a schema-driven bleve index with a single writer,
// explicit commits, snapshot/restore and a small qualified query language.
//
// Committed state lives in a generation: an in-memory bleve index plus the committed documents.
// Readers pin the active generation for the duration of a search; Restore swaps in a new one and
// the old generation is closed when its last reader releases it.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/domain"
	"github.com/kailas-cloud/secindex/internal/domain/document"
	"github.com/kailas-cloud/secindex/internal/domain/search/result"
)

// DefaultQueryCacheSize is the number of parsed queries kept when Options leaves it unset.
const DefaultQueryCacheSize = 1024

const generationBatchSize = 1000

// Options configures an Engine.
type Options struct {
	// JournalPath enables the on-disk journal of committed documents (writer only).
	JournalPath string
	// AwaitRestore starts the engine without a generation; searches fail with
	// domain.ErrIndexNotReady until the first Restore (read replicas).
	AwaitRestore   bool
	QueryCacheSize int
	Logger         *zap.Logger
}

// SearchOptions controls paging and hit decoration.
type SearchOptions struct {
	Offset    int
	Limit     int
	Explain   bool
	Metadata  bool
	Summaries bool
}

type opKind int

const (
	opPut opKind = iota
	opDelete
	opDeleteKey
)

type pendingOp struct {
	kind opKind
	id   string
	key  string
	doc  storedDoc
}

// Engine is a single-writer, many-reader search index.
type Engine struct {
	schema  *Schema
	mapping *mapping.IndexMappingImpl
	queries *lru.Cache[string, *Query]
	log     *zap.Logger

	wmu     sync.Mutex
	pending []pendingOp
	journal *journal

	active atomic.Pointer[generation]
	seq    atomic.Uint64
	closed atomic.Bool
}

// NewEngine creates an engine. With a journal path the committed documents are loaded from it.
func NewEngine(schema *Schema, opts Options) (*Engine, error) {
	if schema == nil {
		return nil, fmt.Errorf("schema is required")
	}
	m, err := schema.mapping()
	if err != nil {
		return nil, fmt.Errorf("build mapping: %w", err)
	}
	size := opts.QueryCacheSize
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	cache, err := lru.New[string, *Query](size)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{schema: schema, mapping: m, queries: cache, log: log}

	var (
		docs []storedDoc
		seq  uint64
	)
	if opts.JournalPath != "" {
		j, err := openJournal(opts.JournalPath)
		if err != nil {
			return nil, err
		}
		docs, seq, err = j.load()
		if err != nil {
			_ = j.close()
			return nil, err
		}
		if docs, err = e.normalizeDocs(docs); err != nil {
			_ = j.close()
			return nil, fmt.Errorf("load journal: %w", err)
		}
		e.journal = j
	}

	if opts.AwaitRestore && e.journal == nil {
		return e, nil
	}
	g, err := newGeneration(m, docs, seq)
	if err != nil {
		if e.journal != nil {
			_ = e.journal.close()
		}
		return nil, err
	}
	e.active.Store(g)
	e.seq.Store(seq)
	if len(docs) > 0 {
		log.Info("index loaded from journal",
			zap.String("schema", schema.Name()),
			zap.Int("documents", len(docs)),
			zap.Uint64("sequence", seq),
		)
	}
	return e, nil
}

// Schema returns the engine schema.
func (e *Engine) Schema() *Schema { return e.schema }

// Sequence returns the number of the last commit or restore. It only grows on change.
func (e *Engine) Sequence() uint64 { return e.seq.Load() }

// Ready reports whether a generation is loaded.
func (e *Engine) Ready() bool { return e.active.Load() != nil }

// AddOrReplace stages doc, replacing any document with the same id. It is invisible until Commit.
// Field values that do not fit the schema make the document invalid.
func (e *Engine) AddOrReplace(doc document.Indexable) error {
	fields, err := e.schema.normalize(doc.Fields())
	if err != nil {
		return document.Invalid(err)
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if e.closed.Load() {
		return domain.ErrIndexClosed
	}
	e.pending = append(e.pending, pendingOp{
		kind: opPut,
		id:   doc.ID(),
		key:  doc.Key(),
		doc:  storedDoc{ID: doc.ID(), Key: doc.Key(), Fields: fields, Source: doc.Source()},
	})
	return nil
}

// Delete stages removal of the document with id.
func (e *Engine) Delete(id string) error {
	return e.stage(pendingOp{kind: opDelete, id: id})
}

// DeleteKey stages removal of whatever document was indexed from the object at key.
func (e *Engine) DeleteKey(key string) error {
	return e.stage(pendingOp{kind: opDeleteKey, key: key})
}

func (e *Engine) stage(op pendingOp) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if e.closed.Load() {
		return domain.ErrIndexClosed
	}
	e.pending = append(e.pending, op)
	return nil
}

// Pending returns the number of staged operations.
func (e *Engine) Pending() int {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	return len(e.pending)
}

// Discard drops every staged operation and returns how many were dropped.
func (e *Engine) Discard() int {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	n := len(e.pending)
	e.pending = nil
	return n
}

// Commit applies every staged operation as one batch and returns the new sequence.
// Without staged operations it returns the current sequence and changes nothing.
// Staged operations are dropped on failure; callers redeliver their inputs.
func (e *Engine) Commit() (uint64, error) {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if e.closed.Load() {
		return 0, domain.ErrIndexClosed
	}
	if len(e.pending) == 0 {
		return e.seq.Load(), nil
	}
	ops := e.pending
	e.pending = nil

	g, err := e.acquire()
	if err != nil {
		return 0, err
	}
	defer g.release()

	puts, deletes := g.resolve(ops)
	seq := e.seq.Load() + 1

	if e.journal != nil {
		if err := e.journal.apply(puts, deletes, seq); err != nil {
			return 0, fmt.Errorf("journal commit: %w", err)
		}
	}
	if err := g.apply(puts, deletes, seq); err != nil {
		return 0, fmt.Errorf("index commit: %w", err)
	}
	e.seq.Store(seq)
	return seq, nil
}

// Count returns the number of committed documents.
func (e *Engine) Count() (int, error) {
	g, err := e.acquire()
	if err != nil {
		return 0, err
	}
	defer g.release()
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.docs), nil
}

// Document returns a committed document by id.
func (e *Engine) Document(id string) (document.Indexable, bool, error) {
	g, err := e.acquire()
	if err != nil {
		return document.Indexable{}, false, err
	}
	defer g.release()
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.docs[id]
	if !ok {
		return document.Indexable{}, false, nil
	}
	return document.Reconstruct(d.ID, d.Key, d.Fields, d.Source), true, nil
}

// Parse parses text against the schema, memoizing successful parses.
func (e *Engine) Parse(text string) (*Query, error) {
	if q, ok := e.queries.Get(text); ok {
		return q, nil
	}
	q, err := ParseQuery(e.schema, text)
	if err != nil {
		return nil, err
	}
	e.queries.Add(text, q)
	return q, nil
}

// Search runs text against the committed state.
func (e *Engine) Search(ctx context.Context, text string, opts SearchOptions) (result.Page, error) {
	q, err := e.Parse(text)
	if err != nil {
		return result.Page{}, err
	}
	g, err := e.acquire()
	if err != nil {
		return result.Page{}, err
	}
	defer g.release()

	req := bleve.NewSearchRequestOptions(q.q, opts.Limit, opts.Offset, opts.Explain)
	req.SortBy(q.sort)

	g.mu.RLock()
	defer g.mu.RUnlock()

	res, err := g.idx.SearchInContext(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result.Page{}, ctxErr
		}
		return result.Page{}, fmt.Errorf("search: %w", err)
	}

	hits := make([]result.Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		d, ok := g.docs[h.ID]
		if !ok {
			continue
		}
		body, err := e.render(d, opts.Summaries)
		if err != nil {
			return result.Page{}, err
		}
		var expl json.RawMessage
		if opts.Explain && h.Expl != nil {
			if expl, err = json.Marshal(h.Expl); err != nil {
				return result.Page{}, fmt.Errorf("encode explanation: %w", err)
			}
		}
		var meta map[string]any
		if opts.Metadata {
			meta = make(map[string]any, len(d.Fields)+1)
			for k, v := range d.Fields {
				meta[k] = v
			}
			meta["_key"] = d.Key
		}
		hits = append(hits, result.New(h.ID, h.Score, body, expl, meta))
	}
	return result.Page{Hits: hits, Total: res.Total}, nil
}

// render returns the summary projection or the full stored document.
func (e *Engine) render(d *storedDoc, summary bool) (json.RawMessage, error) {
	if !summary {
		if json.Valid(d.Source) {
			return json.RawMessage(d.Source), nil
		}
		out, err := json.Marshal(string(d.Source))
		if err != nil {
			return nil, fmt.Errorf("encode source %s: %w", d.ID, err)
		}
		return out, nil
	}
	proj := map[string]any{"id": d.ID, "key": d.Key}
	for _, f := range e.schema.fields {
		if v, ok := d.Fields[f.Name]; ok && f.Summary {
			proj[f.Name] = v
		}
	}
	out, err := json.Marshal(proj)
	if err != nil {
		return nil, fmt.Errorf("encode summary %s: %w", d.ID, err)
	}
	return out, nil
}

// Snapshot captures the committed state and returns it with its sequence.
func (e *Engine) Snapshot() ([]byte, uint64, error) {
	g, err := e.acquire()
	if err != nil {
		return nil, 0, err
	}
	defer g.release()

	g.mu.RLock()
	docs := make([]storedDoc, 0, len(g.docs))
	for _, d := range g.docs {
		docs = append(docs, *d)
	}
	seq := g.seq
	g.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	data, err := encodeSnapshot(snapshotHeader{
		Schema:   e.schema.Name(),
		Version:  e.schema.Version(),
		Sequence: seq,
		Created:  time.Now().UTC(),
	}, docs)
	if err != nil {
		return nil, 0, err
	}
	return data, seq, nil
}

// Restore replaces the committed state with a snapshot. Staged operations are discarded.
// A snapshot that fails validation returns domain.ErrCorruptSnapshot and changes nothing.
func (e *Engine) Restore(data []byte) error {
	h, docs, err := decodeSnapshot(data)
	if err != nil {
		return err
	}
	if h.Schema != e.schema.Name() || h.Version != e.schema.Version() {
		return corrupt("schema %s v%d does not match %s v%d", h.Schema, h.Version, e.schema.Name(), e.schema.Version())
	}
	if docs, err = e.normalizeDocs(docs); err != nil {
		return corrupt("%v", err)
	}
	g, err := newGeneration(e.mapping, docs, h.Sequence)
	if err != nil {
		return err
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()
	if e.closed.Load() {
		g.release()
		return domain.ErrIndexClosed
	}
	if e.journal != nil {
		if err := e.journal.replace(docs, h.Sequence); err != nil {
			g.release()
			return fmt.Errorf("journal restore: %w", err)
		}
	}
	e.pending = nil
	if old := e.active.Swap(g); old != nil {
		old.release()
	}
	e.seq.Store(h.Sequence)
	e.log.Info("index restored",
		zap.String("schema", h.Schema),
		zap.Int("documents", len(docs)),
		zap.Uint64("sequence", h.Sequence),
	)
	return nil
}

func (e *Engine) normalizeDocs(docs []storedDoc) ([]storedDoc, error) {
	for i := range docs {
		fields, err := e.schema.normalize(docs[i].Fields)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", docs[i].ID, err)
		}
		docs[i].Fields = fields
	}
	return docs, nil
}

// Close releases the active generation once in-flight searches finish. Further use fails
// with domain.ErrIndexClosed.
func (e *Engine) Close() error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if g := e.active.Swap(nil); g != nil {
		g.release()
	}
	if e.journal != nil {
		return e.journal.close()
	}
	return nil
}

// acquire pins the active generation. Callers must release it.
func (e *Engine) acquire() (*generation, error) {
	for {
		g := e.active.Load()
		if g == nil {
			if e.closed.Load() {
				return nil, domain.ErrIndexClosed
			}
			return nil, domain.ErrIndexNotReady
		}
		if g.retain() {
			return g, nil
		}
	}
}

// generation is one loaded index state. refs starts at one for the engine's own reference.
type generation struct {
	mu    sync.RWMutex
	idx   bleve.Index
	docs  map[string]*storedDoc
	byKey map[string]string
	seq   uint64
	refs  atomic.Int64
}

func newGeneration(m mapping.IndexMapping, docs []storedDoc, seq uint64) (*generation, error) {
	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	g := &generation{
		idx:   idx,
		docs:  make(map[string]*storedDoc, len(docs)),
		byKey: make(map[string]string, len(docs)),
		seq:   seq,
	}
	g.refs.Store(1)

	batch := idx.NewBatch()
	for i := range docs {
		d := &docs[i]
		if err := batch.Index(d.ID, d.Fields); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("index document %s: %w", d.ID, err)
		}
		g.docs[d.ID] = d
		if d.Key != "" {
			g.byKey[d.Key] = d.ID
		}
		if batch.Size() >= generationBatchSize {
			if err := idx.Batch(batch); err != nil {
				_ = idx.Close()
				return nil, fmt.Errorf("load batch: %w", err)
			}
			batch.Reset()
		}
	}
	if batch.Size() > 0 {
		if err := idx.Batch(batch); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("load batch: %w", err)
		}
	}
	return g, nil
}

func (g *generation) retain() bool {
	for {
		n := g.refs.Load()
		if n <= 0 {
			return false
		}
		if g.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (g *generation) release() {
	if g.refs.Add(-1) == 0 {
		_ = g.idx.Close()
	}
}

// resolve replays staged operations against the committed state and returns the final puts
// and deletes. A put for a key that previously produced another id removes the old document.
func (g *generation) resolve(ops []pendingOp) ([]storedDoc, []string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	state := make(map[string]*storedDoc)
	var order []string
	set := func(id string, d *storedDoc) {
		if _, seen := state[id]; !seen {
			order = append(order, id)
		}
		state[id] = d
	}
	keyToID := make(map[string]string)
	idForKey := func(key string) string {
		if id, ok := keyToID[key]; ok {
			return id
		}
		return g.byKey[key]
	}
	keyOfID := func(id string) string {
		if d, ok := state[id]; ok {
			if d == nil {
				return ""
			}
			return d.Key
		}
		if d, ok := g.docs[id]; ok {
			return d.Key
		}
		return ""
	}

	for i := range ops {
		op := &ops[i]
		switch op.kind {
		case opPut:
			if old := idForKey(op.key); op.key != "" && old != "" && old != op.id {
				set(old, nil)
			}
			if prevKey := keyOfID(op.id); prevKey != "" && prevKey != op.key {
				keyToID[prevKey] = ""
			}
			doc := op.doc
			set(op.id, &doc)
			if op.key != "" {
				keyToID[op.key] = op.id
			}
		case opDelete:
			if k := keyOfID(op.id); k != "" {
				keyToID[k] = ""
			}
			set(op.id, nil)
		case opDeleteKey:
			if id := idForKey(op.key); id != "" {
				set(id, nil)
			}
			keyToID[op.key] = ""
		}
	}

	var (
		puts    []storedDoc
		deletes []string
	)
	for _, id := range order {
		if d := state[id]; d != nil {
			puts = append(puts, *d)
		} else {
			deletes = append(deletes, id)
		}
	}
	return puts, deletes
}

func (g *generation) apply(puts []storedDoc, deletes []string, seq uint64) error {
	batch := g.idx.NewBatch()
	for _, id := range deletes {
		batch.Delete(id)
	}
	for i := range puts {
		if err := batch.Index(puts[i].ID, puts[i].Fields); err != nil {
			return fmt.Errorf("index document %s: %w", puts[i].ID, err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.idx.Batch(batch); err != nil {
		return err
	}
	for _, id := range deletes {
		if d, ok := g.docs[id]; ok {
			if g.byKey[d.Key] == id {
				delete(g.byKey, d.Key)
			}
			delete(g.docs, id)
		}
	}
	for i := range puts {
		d := puts[i]
		if old, ok := g.docs[d.ID]; ok && old.Key != d.Key && g.byKey[old.Key] == d.ID {
			delete(g.byKey, old.Key)
		}
		g.docs[d.ID] = &d
		if d.Key != "" {
			g.byKey[d.Key] = d.ID
		}
	}
	g.seq = seq
	return nil
}

// IsCorrupt reports whether err came from a snapshot that failed validation.
func IsCorrupt(err error) bool { return errors.Is(err, domain.ErrCorruptSnapshot) }
