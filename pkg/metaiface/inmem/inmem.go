// Package inmem is a map-backed fake of pkg/metaiface.Client for tests. It
// is test scaffolding, not a production metadata server.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/sdfs-io/sdfs/internal/chunkid"
	"github.com/sdfs-io/sdfs/pkg/metaiface"
)

type volState struct {
	attrs    metaiface.VolAttrs
	children uint64
}

// Store is an in-memory metaiface.Client. The zero value is ready to use.
type Store struct {
	mu   sync.Mutex
	vols map[chunkid.VolID]*volState
}

// New returns an empty Store.
func New() *Store {
	return &Store{vols: make(map[chunkid.VolID]*volState)}
}

// SetChildCount lets a test seed a volume's child count without going
// through Mkvol, e.g. to exercise RmVol's ChildCount==0 guard.
func (s *Store) SetChildCount(vol chunkid.VolID, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.vols[vol]; ok {
		st.children = n
	}
}

func (s *Store) Mkvol(ctx context.Context, vol chunkid.VolID, attrs metaiface.VolAttrs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vols[vol]; ok {
		return fmt.Errorf("inmem: volume %v already exists", vol)
	}
	s.vols[vol] = &volState{attrs: attrs}
	return nil
}

func (s *Store) ChildCount(ctx context.Context, vol chunkid.VolID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.vols[vol]
	if !ok {
		return 0, fmt.Errorf("inmem: volume %v not found", vol)
	}
	return st.children, nil
}

func (s *Store) Unlink(ctx context.Context, vol chunkid.VolID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vols[vol]; !ok {
		return fmt.Errorf("inmem: volume %v not found", vol)
	}
	delete(s.vols, vol)
	return nil
}

var _ metaiface.Client = (*Store)(nil)
