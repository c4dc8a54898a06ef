package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key prefixes for BadgerDB storage organization
const (
	prefixSnapshot     = byte(0x01) // snapshot:id -> Snapshot
	prefixLineageIndex = byte(0x02) // lineage:name:0x00:savedAt:id -> []byte{}
)

// BadgerEngine stores snapshots in BadgerDB.
//
// Key Structure:
//   - Snapshots: 0x01 + id -> JSON(Snapshot)
//   - Lineage Index: 0x02 + lineage + 0x00 + savedAt (8 bytes, big endian) + id -> empty
//
// The index orders the snapshots of one lineage by save time, so listing a
// lineage never touches the snapshots of another.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. If nil, it is discarded.
	Logger *zap.Logger
}

// NewBadgerEngine opens a persistent store in dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions opens a store with custom configuration.
//
// Snapshots are small text documents, so the engine always runs with the
// reduced memory settings.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(badgerLogger{opts.Logger.Sugar()})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).     // 16MB instead of 64MB
		WithValueLogFileSize(64 << 20). // 64MB instead of 1GB
		WithNumMemtables(2).            // 2 instead of 5
		WithNumLevelZeroTables(2).      // 2 instead of 5
		WithNumLevelZeroTablesStall(4). // 4 instead of 15
		WithValueThreshold(1024).       // Store values > 1KB in value log
		WithBlockCacheSize(8 << 20).    // 8MB block cache
		WithIndexCacheSize(4 << 20)     // 4MB index cache

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerEngine{db: db}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// badgerLogger routes BadgerDB's logging to zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, args ...any)   { l.s.Errorf(f, args...) }
func (l badgerLogger) Warningf(f string, args ...any) { l.s.Warnf(f, args...) }
func (l badgerLogger) Infof(f string, args ...any)    { l.s.Debugf(f, args...) }
func (l badgerLogger) Debugf(f string, args ...any)   { l.s.Debugf(f, args...) }

// ============================================================================
// Key encoding helpers
// ============================================================================

func snapshotKey(id SnapshotID) []byte {
	return append([]byte{prefixSnapshot}, []byte(id)...)
}

// lineageIndexPrefix returns the prefix for scanning the snapshots of a lineage.
// Format: prefix + lineage + 0x00
func lineageIndexPrefix(lineage string) []byte {
	key := make([]byte, 0, 2+len(lineage))
	key = append(key, prefixLineageIndex)
	key = append(key, []byte(lineage)...)
	return append(key, 0x00)
}

// lineageIndexKey creates an index entry.
// Format: prefix + lineage + 0x00 + savedAt + id
func lineageIndexKey(s *Snapshot) []byte {
	key := lineageIndexPrefix(s.Lineage)
	key = binary.BigEndian.AppendUint64(key, uint64(s.SavedAt.UnixNano()))
	return append(key, []byte(s.ID)...)
}

// serializableSnapshot is the on-disk form of a Snapshot.
type serializableSnapshot struct {
	ID          string  `json:"id"`
	Lineage     string  `json:"lineage"`
	Fingerprint string  `json:"fingerprint"`
	State       []byte  `json:"state"`
	Status      string  `json:"status"`
	Objective   float64 `json:"objective"`
	SavedAt     int64   `json:"savedAt"`
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	return json.Marshal(serializableSnapshot{
		ID:          string(s.ID),
		Lineage:     s.Lineage,
		Fingerprint: s.Fingerprint,
		State:       s.State,
		Status:      s.Status,
		Objective:   s.Objective,
		SavedAt:     s.SavedAt.UnixNano(),
	})
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var ss serializableSnapshot
	if err := json.Unmarshal(data, &ss); err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:          SnapshotID(ss.ID),
		Lineage:     ss.Lineage,
		Fingerprint: ss.Fingerprint,
		State:       ss.State,
		Status:      ss.Status,
		Objective:   ss.Objective,
		SavedAt:     time.Unix(0, ss.SavedAt),
	}, nil
}

// ============================================================================
// Snapshot Operations
// ============================================================================

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// PutSnapshot inserts or replaces a snapshot.
func (b *BadgerEngine) PutSnapshot(s *Snapshot) error {
	if err := validate(s); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := encodeSnapshot(s)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		old, err := getSnapshotInTxn(txn, s.ID)
		switch {
		case err == nil:
			if err := txn.Delete(lineageIndexKey(old)); err != nil {
				return err
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}

		if err := txn.Set(snapshotKey(s.ID), data); err != nil {
			return err
		}
		return txn.Set(lineageIndexKey(s), []byte{})
	})
}

func getSnapshotInTxn(txn *badger.Txn, id SnapshotID) (*Snapshot, error) {
	item, err := txn.Get(snapshotKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var snap *Snapshot
	err = item.Value(func(val []byte) error {
		var decodeErr error
		snap, decodeErr = decodeSnapshot(val)
		return decodeErr
	})
	return snap, err
}

// GetSnapshot retrieves a snapshot by id.
func (b *BadgerEngine) GetSnapshot(id SnapshotID) (*Snapshot, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var snap *Snapshot
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		snap, err = getSnapshotInTxn(txn, id)
		return err
	})
	return snap, err
}

// LatestSnapshot returns the newest snapshot of lineage.
func (b *BadgerEngine) LatestSnapshot(lineage string) (*Snapshot, error) {
	snaps, err := b.ListSnapshots(lineage)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return snaps[len(snaps)-1], nil
}

// ListSnapshots returns the snapshots of lineage, oldest first. An empty
// lineage scans every snapshot.
func (b *BadgerEngine) ListSnapshots(lineage string) ([]*Snapshot, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var snaps []*Snapshot
	err := b.db.View(func(txn *badger.Txn) error {
		if lineage == "" {
			return scanSnapshots(txn, &snaps)
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := lineageIndexPrefix(lineage)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			id := SnapshotID(key[len(prefix)+8:])
			snap, err := getSnapshotInTxn(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(snaps, bySavedAt)
	return snaps, nil
}

func scanSnapshots(txn *badger.Txn, out *[]*Snapshot) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := []byte{prefixSnapshot}
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			snap, err := decodeSnapshot(val)
			if err != nil {
				return err
			}
			*out = append(*out, snap)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteSnapshot removes a snapshot and its index entry.
func (b *BadgerEngine) DeleteSnapshot(id SnapshotID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		snap, err := getSnapshotInTxn(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(lineageIndexKey(snap)); err != nil {
			return err
		}
		return txn.Delete(snapshotKey(id))
	})
}

// Close closes the database. Closing twice is a no-op.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.db.Close()
}

var _ Engine = (*BadgerEngine)(nil)
