package assets

import (
	"context"
	"time"

	"github.com/keithlinneman/shortstack/internal/log"
)

const (
	DefaultPollInterval = 30 * time.Second
	maxBackoff          = 5 * time.Minute
)

// Fetcher is what the watcher needs from a Loader.
type Fetcher interface {
	CurrentHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Snapshot, error)
}

// Watcher polls for a new bundle digest and swaps the bundle in when it
// changes. Failures back off exponentially and leave the active snapshot
// untouched.
type Watcher struct {
	f        Fetcher
	m        *Manager
	L        log.Logger
	interval time.Duration
	failures int
}

func NewWatcher(f Fetcher, m *Manager, L log.Logger, interval time.Duration) *Watcher {
	if L == nil {
		L = log.Nop()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{f: f, m: m, L: L.With("component", "assets.watcher"), interval: interval}
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTimer(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				w.L.Warn(ctx, "asset bundle poll failed", "err", err, "failures", w.failures)
			}
			t.Reset(w.next())
		}
	}
}

// Poll checks once and reports whether a new bundle was published.
func (w *Watcher) Poll(ctx context.Context) (bool, error) {
	hash, err := w.f.CurrentHash(ctx)
	if err != nil {
		w.failures++
		return false, err
	}
	if HashEqual(hash, w.m.Hash()) {
		w.failures = 0
		return false, nil
	}
	snap, err := w.f.LoadHash(ctx, hash)
	if err != nil {
		w.failures++
		return false, err
	}
	prev := w.m.Hash()
	w.m.Set(*snap)
	w.failures = 0
	w.L.Info(ctx, "asset bundle swapped", "from", prev, "to", hash)
	return true, nil
}

func (w *Watcher) next() time.Duration {
	d := w.interval
	for i := 0; i < w.failures && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}
