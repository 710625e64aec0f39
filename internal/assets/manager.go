package assets

import (
	"context"
	"io/fs"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/shortstack/internal/health"
	"github.com/keithlinneman/shortstack/internal/xerrors"
)

type Source string

const (
	SourceS3     Source = "s3"
	SourceMemory Source = "memory"
)

type Meta struct {
	SHA256     string
	Source     Source
	Files      int
	Signed     bool
	VerifiedAt time.Time
}

// Snapshot is one verified bundle. It is never mutated once published.
type Snapshot struct {
	FS       fs.FS
	Meta     Meta
	LoadedAt time.Time
}

// Manager publishes the active snapshot.
type Manager struct {
	active atomic.Pointer[Snapshot]
	onSwap func(Snapshot)
}

// NewManager calls onSwap (may be nil) after each successful Set.
func NewManager(onSwap func(Snapshot)) *Manager {
	return &Manager{onSwap: onSwap}
}

// Set publishes a copy of s. A snapshot without a filesystem is ignored.
func (m *Manager) Set(s Snapshot) {
	if s.FS == nil {
		return
	}
	if s.LoadedAt.IsZero() {
		s.LoadedAt = time.Now().UTC()
	}
	m.active.Store(&s)
	if m.onSwap != nil {
		m.onSwap(s)
	}
}

func (m *Manager) Get() (*Snapshot, bool) {
	s := m.active.Load()
	return s, s != nil
}

// Hash is the active bundle digest, or "" before the first load.
func (m *Manager) Hash() string {
	if s := m.active.Load(); s != nil {
		return s.Meta.SHA256
	}
	return ""
}

// Probe fails until a snapshot is active.
func (m *Manager) Probe() health.CheckFunc {
	return func(context.Context) error {
		if m.active.Load() == nil {
			return xerrors.New("no asset bundle loaded")
		}
		return nil
	}
}
