// Package audit persists a record of every dispatched request to a bbolt
// database. Entries carry execution metadata only, never params or
// results.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	dbDirPerm  = fs.FileMode(0o700)
	dbFilePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second
)

var entriesBucket = []byte("executions")

// Status values for Entry.Status.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Entry is one dispatched request.
type Entry struct {
	Seq        uint64        `json:"seq"`
	Time       time.Time     `json:"time"`
	Method     string        `json:"method"`
	Tool       string        `json:"tool,omitempty"`
	SessionID  string        `json:"session_id,omitempty"`
	ClientID   string        `json:"client_id,omitempty"`
	Status     string        `json:"status"`
	ErrorCode  int           `json:"error_code,omitempty"`
	DurationMS float64       `json:"duration_ms"`
	Duration   time.Duration `json:"-"`
}

// Log wraps a bbolt database holding audit entries in insertion order.
type Log struct {
	db *bolt.DB
}

// Open opens the audit database at path, creating it if needed.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit db: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends an entry. The sequence number is assigned here.
func (l *Log) Record(_ context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	if e.Duration > 0 {
		e.DurationMS = float64(e.Duration.Microseconds()) / 1000
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		e.Seq = seq

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return b.Put(seqKey(seq), data)
	})
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	var out []Entry

	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()

		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry %d: %w", binary.BigEndian.Uint64(k), err)
			}

			out = append(out, e)
		}

		return nil
	})

	return out, err
}

// Count returns the number of stored entries.
func (l *Log) Count() int {
	var n int

	_ = l.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(entriesBucket).Stats().KeyN
		return nil
	})

	return n
}

// Prune removes entries recorded before cutoff and returns how many were
// deleted.
func (l *Log) Prune(cutoff time.Time) (int, error) {
	var removed int

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		c := b.Cursor()

		// Keys are in insertion order, so stop at the first entry that is
		// new enough.
		var stale [][]byte

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			if !e.Time.Before(cutoff) {
				break
			}

			stale = append(stale, append([]byte(nil), k...))
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		removed = len(stale)

		return nil
	})

	return removed, err
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}
