// Package history is the agent's persistent record of completed print jobs,
// backed by bbolt.
//
// bbolt is chosen because it is pure Go (no CGO, no external process), ACID,
// and a single file inside the agent's data directory.
//
// The store serves three purposes:
//   - an audit trail of everything the agent printed (or failed to print),
//     exposed through the local control API and usable for reprints;
//   - the pending-ack ledger: a terminal outcome is recorded before its ack
//     is sent, and marked acked once the server has received it, so acks
//     survive a crash between printing and acknowledging;
//   - warm-start data for the deduplication ledger after a restart.
//
// It is NOT consulted on the hot path for dedup decisions — the in-memory
// ledger stays authoritative there.
package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when no record exists for a job ID.
var ErrNotFound = errors.New("history: not found")

var bucketPrints = []byte("prints")

// Record is the persisted form of one terminal print job.
type Record struct {
	JobID       string    `json:"job_id"`
	Fingerprint string    `json:"fingerprint"` // SHA-256 of the payload
	Payload     []byte    `json:"payload"`
	Status      string    `json:"status"` // "printed" | "failed"
	Reason      string    `json:"reason,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
	Acked       bool      `json:"acked"`
	AckedAt     time.Time `json:"acked_at,omitzero"`
}

// Fingerprint returns the hex SHA-256 digest of a payload. Stored alongside
// each record so operators can spot byte-identical label content across
// distinct job ids.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Store is a bbolt-backed history of print jobs. Safe for concurrent use.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPrints)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Put upserts the record for rec.JobID.
func (s *Store) Put(rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: marshal record for %s: %w", rec.JobID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPrints).Put([]byte(rec.JobID), val)
	})
}

// Get retrieves the record for jobID. Returns ErrNotFound when absent.
func (s *Store) Get(jobID string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketPrints).Get([]byte(jobID))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

// MarkAcked flags the record for jobID as acknowledged by the server.
func (s *Store) MarkAcked(jobID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPrints)
		val := b.Get([]byte(jobID))
		if val == nil {
			return ErrNotFound
		}
		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("history: unmarshal %s: %w", jobID, err)
		}
		if rec.Acked {
			return nil
		}
		rec.Acked = true
		rec.AckedAt = time.Now()
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(jobID), out)
	})
}

// PendingAcks returns all records whose outcome has not been acknowledged,
// oldest first. Called on every Connected transition to re-flush acks the
// server never received.
func (s *Store) PendingAcks() ([]Record, error) {
	var out []Record
	err := s.forEach(func(rec Record) {
		if !rec.Acked {
			out = append(out, rec)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out, nil
}

// Recent returns up to limit records, newest first. Used by the control API.
func (s *Store) Recent(limit int) ([]Record, error) {
	var out []Record
	if err := s.forEach(func(rec Record) { out = append(out, rec) }); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CompletedSince returns records that completed after cutoff. Used to
// warm-start the dedup ledger at boot.
func (s *Store) CompletedSince(cutoff time.Time) ([]Record, error) {
	var out []Record
	err := s.forEach(func(rec Record) {
		if rec.CompletedAt.After(cutoff) {
			out = append(out, rec)
		}
	})
	return out, err
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) forEach(fn func(Record)) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPrints).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			fn(rec)
			return nil
		})
	})
}
