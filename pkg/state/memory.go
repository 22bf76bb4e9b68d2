package state

import (
	"fmt"
	"sync"

	"github.com/pgshift/pgshift/pkg/abstract"
)

// InMemoryMarkerStore is a test substitute for FileMarkerStore.
type InMemoryMarkerStore struct {
	mu      sync.Mutex
	markers map[string]struct{}
}

func NewInMemoryMarkerStore() *InMemoryMarkerStore {
	return &InMemoryMarkerStore{markers: make(map[string]struct{})}
}

func markerKey(db string, stage abstract.Stage) string {
	return fmt.Sprintf("%v/%v", db, stage)
}

func (s *InMemoryMarkerStore) Exists(db string, stage abstract.Stage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markers[markerKey(db, stage)]
	return ok, nil
}

func (s *InMemoryMarkerStore) Mark(db string, stage abstract.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[markerKey(db, stage)] = struct{}{}
	return nil
}

// InMemorySnapshotStore is a test substitute for FileSnapshotStore.
type InMemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string]abstract.Snapshot
}

func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{snapshots: make(map[string]abstract.Snapshot)}
}

func snapshotKey(db string, side abstract.Side) string {
	return fmt.Sprintf("%v/%v", db, side)
}

func (s *InMemorySnapshotStore) Load(db string, side abstract.Side) (abstract.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[snapshotKey(db, side)]
	return snapshot, ok, nil
}

func (s *InMemorySnapshotStore) Save(db string, side abstract.Side, snapshot abstract.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshotKey(db, side)] = snapshot
	return nil
}
