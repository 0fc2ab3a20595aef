package policy

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	apperrors "github.com/goliatone/go-errors"
)

// Source supplies raw policy YAML.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]byte, error)

func (f SourceFunc) Read(ctx context.Context) ([]byte, error) { return f(ctx) }

// FileSource reads policy YAML from a path on every reload.
type FileSource string

func (p FileSource) Read(_ context.Context) ([]byte, error) {
	path := strings.TrimSpace(string(p))
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryNotFound, "policy file unreadable").
			WithMetadata(map[string]any{"path": path})
	}
	return data, nil
}

// Store holds the active snapshot. Get is lock free; Reload swaps atomically and leaves the
// previous snapshot active when the new one fails validation.
type Store struct {
	source  Source
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	listeners []func(prev, next *Snapshot)
}

// NewStore loads the source once. A nil source serves the built-in defaults.
func NewStore(ctx context.Context, source Source) (*Store, error) {
	s := &Store{source: source}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore serves a fixed snapshot (defaults when nil).
func NewStaticStore(snap *Snapshot) *Store {
	if snap == nil {
		snap = Default()
	}
	s := &Store{}
	s.current.Store(snap)
	return s
}

// Get returns the active snapshot.
func (s *Store) Get() *Snapshot {
	if s == nil {
		return Default()
	}
	if snap := s.current.Load(); snap != nil {
		return snap
	}
	return Default()
}

// Reload re-reads the source. Unchanged content keeps the current snapshot pointer.
func (s *Store) Reload(ctx context.Context) error {
	var data []byte
	if s.source != nil {
		raw, err := s.source.Read(ctx)
		if err != nil {
			return err
		}
		data = raw
	}
	next, err := Parse(data)
	if err != nil {
		return err
	}
	return s.swap(next)
}

// Set validates and installs snap directly.
func (s *Store) Set(snap *Snapshot) error {
	if err := Validate(snap); err != nil {
		return err
	}
	return s.swap(snap)
}

// OnChange registers a callback fired after a new version becomes active.
func (s *Store) OnChange(fn func(prev, next *Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) swap(next *Snapshot) error {
	s.mu.Lock()
	prev := s.current.Load()
	if prev != nil && prev.Version != "" && prev.Version == next.Version {
		s.mu.Unlock()
		return nil
	}
	s.current.Store(next)
	listeners := append([]func(prev, next *Snapshot){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, next)
	}
	return nil
}
