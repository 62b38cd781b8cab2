// Package signal carries "the active account changed" from the controller to
// hook processes. Writers bump a monotonically increasing marker; readers poll
// it and reload when it moved past the value they last consumed.
package signal

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
)

const (
	KindDatabase = "database"
	KindFile     = "file"
)

// Signal is a shared, monotonically increasing marker.
type Signal interface {
	// Bump publishes a new value strictly greater than any previous one.
	Bump(ctx context.Context) (int64, error)
	// Current reads the latest published value. An unset marker reads as 0.
	Current(ctx context.Context) (int64, error)
}

// New builds the signal selected by kind. The file kind requires path.
func New(kind, path string, database *gorm.DB) (Signal, error) {
	switch kind {
	case "", KindDatabase:
		return NewDBSignal(database), nil
	case KindFile:
		if path == "" {
			return nil, fmt.Errorf("file signal requires a path")
		}
		return NewFileSignal(path), nil
	default:
		return nil, fmt.Errorf("unknown signal kind %q", kind)
	}
}

// Never is the value a watcher starts from, so the first poll always reloads.
const Never int64 = math.MinInt64

// next returns a marker after prev, based on the wall clock.
func next(prev int64) int64 {
	now := time.Now().UnixNano()
	if now <= prev {
		return prev + 1
	}
	return now
}

// Watcher remembers the last consumed marker for one reader.
type Watcher struct {
	sig  Signal
	seen atomic.Int64
}

// NewWatcher returns a watcher that has consumed nothing yet.
func NewWatcher(sig Signal) *Watcher {
	w := &Watcher{sig: sig}
	w.seen.Store(Never)
	return w
}

// Stale reports whether a newer marker than the consumed one exists, and returns it.
func (w *Watcher) Stale(ctx context.Context) (bool, int64, error) {
	cur, err := w.sig.Current(ctx)
	if err != nil {
		return false, 0, err
	}
	return cur > w.seen.Load(), cur, nil
}

// Consume records that state up to marker v has been loaded.
func (w *Watcher) Consume(v int64) {
	for {
		old := w.seen.Load()
		if v <= old || w.seen.CompareAndSwap(old, v) {
			return
		}
	}
}

// Reset forgets the consumed marker so the next poll reloads.
func (w *Watcher) Reset() {
	w.seen.Store(Never)
}

// Seen returns the last consumed marker.
func (w *Watcher) Seen() int64 {
	return w.seen.Load()
}
