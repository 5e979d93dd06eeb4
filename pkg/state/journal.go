// Package state persists the orchestration event journal. Every
// lifecycle event (service transitions, health transitions, worker
// restarts) is appended to an on-disk log so an operator can reconstruct
// what happened across restarts of the orchestrator itself.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kinorez/stagehand/pkg/events"
	"github.com/kinorez/stagehand/pkg/log"
	"github.com/kinorez/stagehand/pkg/types"
)

const dbFileName = "stagehand.db"

var journalBucket = []byte("journal")

// Journal is an append-only event log backed by bbolt. Keys are the
// bucket's monotonic sequence number, so iteration order is insertion
// order.
type Journal struct {
	db *bolt.DB
}

// Open creates or opens the journal under dataDir
func Open(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create data dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, dbFileName), 0o600, &bolt.Options{
		Timeout: 2 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("state: open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("state: init journal bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record appends one event
func (j *Journal) Record(event *types.Event) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(journalBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		value, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
}

// Recent returns up to n most recent events, newest first
func (j *Journal) Recent(n int) ([]types.Event, error) {
	out := make([]types.Event, 0, n)

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(journalBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			out = append(out, event)
		}
		return nil
	})
	return out, err
}

// Consume drains a broker subscription into the journal until the
// subscription channel is closed. Run it in its own goroutine.
func (j *Journal) Consume(sub events.Subscriber) {
	for event := range sub {
		if err := j.Record(event); err != nil {
			log.WithComponent("state").Error().Err(err).
				Str("event", event.Type).Msg("journal write failed")
		}
	}
}

// Close closes the underlying database
func (j *Journal) Close() error {
	return j.db.Close()
}
