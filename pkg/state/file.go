package state

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/pgshift/pgshift/pkg/abstract"
	"github.com/pgshift/pgshift/pkg/errors/coded"
	"github.com/pgshift/pgshift/pkg/errors/codes"
)

// FileMarkerStore keeps one empty file per completed (database, stage).
// Stage-completion markers live under <root>/state, verification markers
// under <root>/verify, mirroring the two marker namespaces of the on-disk
// layout.
type FileMarkerStore struct {
	stateDir  string
	verifyDir string
}

func NewFileMarkerStore(root string) (*FileMarkerStore, error) {
	s := &FileMarkerStore{
		stateDir:  filepath.Join(root, "state"),
		verifyDir: filepath.Join(root, "verify"),
	}
	for _, dir := range []string{s.stateDir, s.verifyDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, coded.Errorf(codes.Persistence, "unable to create marker dir %q: %w", dir, err)
		}
	}
	return s, nil
}

func (s *FileMarkerStore) path(db string, stage abstract.Stage) string {
	switch stage {
	case abstract.StageGlobals:
		return filepath.Join(s.stateDir, "globals.done")
	case abstract.StageVerify:
		return filepath.Join(s.verifyDir, fmt.Sprintf("%v.verify.ok", db))
	default:
		return filepath.Join(s.stateDir, fmt.Sprintf("%v.%v.done", db, stage))
	}
}

func (s *FileMarkerStore) Exists(db string, stage abstract.Stage) (bool, error) {
	_, err := os.Stat(s.path(db, stage))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, coded.Errorf(codes.Persistence, "unable to stat marker for %q stage %v: %w", db, stage, err)
}

func (s *FileMarkerStore) Mark(db string, stage abstract.Stage) error {
	if err := os.WriteFile(s.path(db, stage), nil, 0o644); err != nil {
		return coded.Errorf(codes.Persistence, "unable to write marker for %q stage %v: %w", db, stage, err)
	}
	return nil
}

// FileSnapshotStore keeps one JSON file per (database, side) under
// <root>/verify.
type FileSnapshotStore struct {
	verifyDir string
}

func NewFileSnapshotStore(root string) (*FileSnapshotStore, error) {
	dir := filepath.Join(root, "verify")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, coded.Errorf(codes.Persistence, "unable to create snapshot dir %q: %w", dir, err)
	}
	return &FileSnapshotStore{verifyDir: dir}, nil
}

func (s *FileSnapshotStore) path(db string, side abstract.Side) string {
	suffix := "src_counts"
	if side == abstract.SideDestination {
		suffix = "dst_counts"
	}
	return filepath.Join(s.verifyDir, fmt.Sprintf("%v.%v.json", db, suffix))
}

func (s *FileSnapshotStore) Load(db string, side abstract.Side) (abstract.Snapshot, bool, error) {
	raw, err := os.ReadFile(s.path(db, side))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, coded.Errorf(codes.Persistence, "unable to read %v snapshot of %q: %w", side, db, err)
	}
	var snapshot abstract.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, false, coded.Errorf(codes.Persistence, "unable to decode %v snapshot of %q: %w", side, db, err)
	}
	return snapshot, true, nil
}

func (s *FileSnapshotStore) Save(db string, side abstract.Side, snapshot abstract.Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return coded.Errorf(codes.Persistence, "unable to encode %v snapshot of %q: %w", side, db, err)
	}
	if err := os.WriteFile(s.path(db, side), raw, 0o644); err != nil {
		return coded.Errorf(codes.Persistence, "unable to write %v snapshot of %q: %w", side, db, err)
	}
	return nil
}
