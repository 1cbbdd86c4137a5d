// Package leasestore is a local, process-level accelerant cache sitting
// in front of the authoritative Postgres worker-lease tables (spec §4.C
// notes Postgres as the single source of truth; a local mirror just
// saves a round trip on the syncer's tight progress-check loop). Unlike
// the teacher's internal/db.CheckpointDB, which was bbolt's *only*
// checkpoint store, this one is disposable: losing the file costs a
// resync of in-flight ranges, never data loss, because every write here
// follows (never precedes) the matching Postgres commit.
package leasestore

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

const (
	syncBucket    = "sync_workers"
	processBucket = "process_workers"
)

type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open lease cache %q: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(syncBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(processBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create lease cache buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func syncKey(chainID uint64, workerID int) []byte {
	return []byte(fmt.Sprintf("%d:%d", chainID, workerID))
}

func processKey(chainID uint64) []byte {
	return []byte(fmt.Sprintf("%d", chainID))
}

// MirrorSyncWorker writes w's progress to the local cache. Called only
// after the matching Postgres transaction has committed.
func (s *Store) MirrorSyncWorker(w models.SyncWorker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal sync worker: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(syncBucket)).Put(syncKey(w.ChainID, w.WorkerID), data)
	})
}

// SyncWorker returns the last-mirrored progress for (chainID, workerID),
// or nil if nothing has been mirrored yet (cold start, or file loss) —
// callers must fall back to Postgres in that case.
func (s *Store) SyncWorker(chainID uint64, workerID int) (*models.SyncWorker, error) {
	var w models.SyncWorker
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(syncBucket)).Get(syncKey(chainID, workerID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, fmt.Errorf("read mirrored sync worker: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &w, nil
}

func (s *Store) MirrorProcessWorker(w models.ProcessWorker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal process worker: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(processBucket)).Put(processKey(w.ChainID), data)
	})
}

func (s *Store) ProcessWorker(chainID uint64) (*models.ProcessWorker, error) {
	var w models.ProcessWorker
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(processBucket)).Get(processKey(chainID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, fmt.Errorf("read mirrored process worker: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &w, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Stats() bbolt.Stats {
	return s.db.Stats()
}
