package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/domain/event"
	"github.com/kailas-cloud/secindex/internal/storage"
)

// NotifyFunc receives one S3-style notification payload. A returned error stops Watch.
type NotifyFunc func(ctx context.Context, payload []byte) error

// DefaultWatchDebounce is how long a file must stay quiet before its put is reported.
const DefaultWatchDebounce = 200 * time.Millisecond

// Watch emits a notification for every object written or removed under the store until ctx ends.
// Creates and writes to one path are coalesced into a single put once the path has been quiet for
// the debounce interval. New directories join the watch set; files that appeared in them before the
// watch was added are reported as writes. Events may still repeat, consumers must be idempotent.
func (s *Store) Watch(ctx context.Context, fn NotifyFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return &storage.Error{Op: storage.OpWatch, Err: err}
	}
	defer w.Close()

	if err := s.watchTree(w, s.objects, nil); err != nil {
		return &storage.Error{Op: storage.OpWatch, Err: err}
	}
	s.log.Info("watching objects", zap.String("path", s.objects), zap.Duration("debounce", s.debounce))

	d := newDebouncer(s.debounce)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	rearm := func() {
		timer.Stop()
		if at, ok := d.next(); ok {
			timer.Reset(max(time.Until(at), 0))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if err := s.handleEvent(ctx, w, ev, d, fn); err != nil {
				return err
			}
			rearm()
		case <-timer.C:
			for _, p := range d.due(time.Now()) {
				if err := s.emit(ctx, p, event.OpPut, fn); err != nil {
					return err
				}
			}
			rearm()
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", zap.Error(werr))
		}
	}
}

func (s *Store) handleEvent(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event, d *debouncer, fn NotifyFunc) error {
	if isTemp(filepath.Base(ev.Name)) {
		return nil
	}
	now := time.Now()

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			// Gone again before we looked.
			return nil
		}
		if info.IsDir() {
			return s.watchTree(w, ev.Name, func(p string) { d.touch(p, now) })
		}
		d.touch(ev.Name, now)
		return nil
	case ev.Has(fsnotify.Write):
		d.touch(ev.Name, now)
		return nil
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		d.drop(ev.Name)
		return s.emit(ctx, ev.Name, event.OpDelete, fn)
	default:
		return nil
	}
}

// debouncer tracks paths with unreported writes and when each becomes quiet.
type debouncer struct {
	quiet   time.Duration
	pending map[string]time.Time
}

func newDebouncer(quiet time.Duration) *debouncer {
	return &debouncer{quiet: quiet, pending: make(map[string]time.Time)}
}

// touch pushes the path's deadline out to now+quiet.
func (d *debouncer) touch(p string, now time.Time) { d.pending[p] = now.Add(d.quiet) }

func (d *debouncer) drop(p string) { delete(d.pending, p) }

// next returns the earliest deadline.
func (d *debouncer) next() (time.Time, bool) {
	var at time.Time
	for _, t := range d.pending {
		if at.IsZero() || t.Before(at) {
			at = t
		}
	}
	return at, !at.IsZero()
}

// due removes and returns, in path order, every path whose deadline has passed.
func (d *debouncer) due(now time.Time) []string {
	var out []string
	for p, t := range d.pending {
		if !t.After(now) {
			out = append(out, p)
			delete(d.pending, p)
		}
	}
	sort.Strings(out)
	return out
}

// watchTree adds root and its subdirectories to w. When found is set, it receives every file seen.
func (s *Store) watchTree(w *fsnotify.Watcher, root string, found func(p string)) error {
	return filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if err := w.Add(p); err != nil {
				return fmt.Errorf("watch %s: %w", p, err)
			}
			return nil
		}
		if found != nil && !isTemp(d.Name()) {
			found(p)
		}
		return nil
	})
}

func (s *Store) emit(ctx context.Context, p string, op event.Operation, fn NotifyFunc) error {
	key, ok := s.keyFor(p)
	if !ok {
		return nil
	}
	payload, err := storage.EncodeNotification(key, op)
	if err != nil {
		return err
	}
	s.log.Debug("object changed", zap.String("key", key), zap.String("op", string(op)))
	return fn(ctx, payload)
}
