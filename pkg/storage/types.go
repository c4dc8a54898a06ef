// Package storage keeps snapshots of persisted tracking state.
//
// A snapshot is the text document written by lineage.Tracker.SaveState plus
// the metadata needed to find it again: the dataset it belongs to, a
// fingerprint of the segmentation it was saved against, and the solve that
// produced it.
//
// Two engines implement Engine:
//   - MemoryEngine: in-process, for tests and one-shot CLI runs
//   - BadgerEngine: persistent, backed by BadgerDB
//
// Example Usage:
//
//	engine, err := storage.NewBadgerEngine("./data/lanetrack")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	snap := &storage.Snapshot{
//		ID:          storage.NewSnapshotID(),
//		Lineage:     "lane-07",
//		Fingerprint: lin.Fingerprint(),
//		State:       buf.Bytes(),
//		SavedAt:     time.Now(),
//	}
//	engine.PutSnapshot(snap)
//
//	latest, err := engine.LatestSnapshot("lane-07")
package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrStorageClosed = errors.New("storage closed")
)

// SnapshotID uniquely identifies a snapshot.
type SnapshotID string

// NewSnapshotID returns a fresh random id.
func NewSnapshotID() SnapshotID {
	return SnapshotID(uuid.NewString())
}

// Snapshot is one saved tracking state.
type Snapshot struct {
	ID SnapshotID

	// Lineage names the dataset (growth lane) the state belongs to.
	Lineage string

	// Fingerprint identifies the segmentation forests the state was saved
	// against. Restoring onto a different fingerprint is allowed but suspect.
	Fingerprint string

	// State is the document written by Tracker.SaveState.
	State []byte

	// Status and Objective describe the solve preceding the save.
	Status    string
	Objective float64

	SavedAt time.Time
}

// Engine stores snapshots. Implementations are safe for concurrent use.
type Engine interface {
	// PutSnapshot inserts or replaces a snapshot.
	PutSnapshot(s *Snapshot) error

	GetSnapshot(id SnapshotID) (*Snapshot, error)

	// LatestSnapshot returns the most recently saved snapshot of a lineage.
	LatestSnapshot(lineage string) (*Snapshot, error)

	// ListSnapshots returns the snapshots of a lineage, oldest first. An
	// empty lineage lists every snapshot.
	ListSnapshots(lineage string) ([]*Snapshot, error)

	DeleteSnapshot(id SnapshotID) error

	Close() error
}

func validate(s *Snapshot) error {
	if s == nil {
		return ErrInvalidData
	}
	if s.ID == "" {
		return ErrInvalidID
	}
	return nil
}

func copySnapshot(s *Snapshot) *Snapshot {
	c := *s
	c.State = append([]byte(nil), s.State...)
	return &c
}

// Retain deletes all but the newest keep snapshots of a lineage and
// returns how many were removed.
func Retain(e Engine, lineage string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	snaps, err := e.ListSnapshots(lineage)
	if err != nil {
		return 0, err
	}
	removed := 0
	for len(snaps)-removed > keep {
		if err := e.DeleteSnapshot(snaps[removed].ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
