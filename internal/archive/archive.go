// Package archive stores agent data records in a BoltDB file, grouped by
// node and category and ordered by time.
package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"agentnet/internal/frame"
)

// Record is one archived entry.
type Record struct {
	Node     string    `json:"node"`
	Category string    `json:"category"`
	UTC      float64   `json:"utc"`
	Text     string    `json:"text"`
	Stored   time.Time `json:"stored"`
}

// Archive wraps a bbolt database. Each node is a top-level bucket holding
// one nested bucket per category.
type Archive struct {
	db    *bolt.DB
	mu    sync.RWMutex
	log   zerolog.Logger
	clock clock.Clock

	closing   chan struct{}
	expiry    sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Option configures an Archive.
type Option func(*Archive)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(a *Archive) { a.clock = c }
}

// Open opens or creates the archive file at path.
func Open(path string, log zerolog.Logger, opts ...Option) (*Archive, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	a := &Archive{db: db, log: log, clock: clock.New(), closing: make(chan struct{})}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Close stops any expiry goroutine, waits for it and closes the underlying
// database. Later calls return the first result.
func (a *Archive) Close() error {
	a.closeOnce.Do(func() {
		close(a.closing)
		a.expiry.Wait()
		a.closeErr = a.db.Close()
	})
	return a.closeErr
}

// recordKey sorts by utc, then by insertion order for equal times.
func recordKey(utc float64, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], math.Float64bits(utc))
	binary.BigEndian.PutUint64(k[8:], seq)
	return k
}

func keyUTC(k []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(k[:8]))
}

// Write appends a record. utc is a Modified Julian Date and must not be
// negative.
func (a *Archive) Write(node, category string, utc float64, text string) error {
	if node == "" || category == "" {
		return fmt.Errorf("node and category are required")
	}
	if utc < 0 || math.IsNaN(utc) || math.IsInf(utc, 0) {
		return fmt.Errorf("invalid utc %v", utc)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.db.Update(func(tx *bolt.Tx) error {
		nb, err := tx.CreateBucketIfNotExists([]byte(node))
		if err != nil {
			return fmt.Errorf("creating node bucket %s: %w", node, err)
		}
		cb, err := nb.CreateBucketIfNotExists([]byte(category))
		if err != nil {
			return fmt.Errorf("creating category bucket %s: %w", category, err)
		}
		seq, err := cb.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}

		data, err := json.Marshal(Record{
			Node:     node,
			Category: category,
			UTC:      utc,
			Text:     text,
			Stored:   a.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}

		a.log.Trace().
			Str("node", node).
			Str("category", category).
			Float64("utc", utc).
			Int("bytes", len(text)).
			Msg("Record archived")

		return cb.Put(recordKey(utc, seq), data)
	})
}

// Read returns the records of one node and category with from <= utc < to,
// oldest first. A zero to means no upper bound.
func (a *Archive) Read(node, category string, from, to float64) ([]Record, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var records []Record
	err := a.db.View(func(tx *bolt.Tx) error {
		nb := tx.Bucket([]byte(node))
		if nb == nil {
			return nil
		}
		cb := nb.Bucket([]byte(category))
		if cb == nil {
			return nil
		}
		c := cb.Cursor()
		for k, v := c.Seek(recordKey(from, 0)); k != nil; k, v = c.Next() {
			if to > 0 && keyUTC(k) >= to {
				break
			}
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				a.log.Warn().Err(err).Str("node", node).Msg("Skipping corrupt record")
				continue
			}
			records = append(records, r)
		}
		return nil
	})
	return records, err
}

// Nodes lists the archived nodes.
func (a *Archive) Nodes() ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var nodes []string
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			nodes = append(nodes, string(name))
			return nil
		})
	})
	return nodes, err
}

// Categories lists the categories archived for node.
func (a *Archive) Categories(node string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var cats []string
	err := a.db.View(func(tx *bolt.Tx) error {
		nb := tx.Bucket([]byte(node))
		if nb == nil {
			return nil
		}
		return nb.ForEach(func(k, v []byte) error {
			if v == nil {
				cats = append(cats, string(k))
			}
			return nil
		})
	})
	return cats, err
}

// RunExpiry deletes records older than retention every checkInterval until
// ctx is done or the archive is closed.
func (a *Archive) RunExpiry(ctx context.Context, checkInterval, retention time.Duration) {
	select {
	case <-a.closing:
		return
	default:
	}
	a.expiry.Add(1)
	go func() {
		defer a.expiry.Done()
		ticker := a.clock.Ticker(checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-a.closing:
				return
			case <-ticker.C:
				if _, err := a.Expire(retention); err != nil {
					a.log.Error().Err(err).Msg("Archive error during expiry check")
				}
			}
		}
	}()
}

// Expire deletes records whose utc is older than retention and returns how
// many were removed.
func (a *Archive) Expire(retention time.Duration) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := recordKey(frame.MJD(a.clock.Now().Add(-retention)), 0)
	removed := 0

	err := a.db.Update(func(tx *bolt.Tx) error {
		type target struct{ node, cat []byte }
		var targets []target
		err := tx.ForEach(func(node []byte, nb *bolt.Bucket) error {
			return nb.ForEach(func(cat, v []byte) error {
				if v == nil {
					targets = append(targets, target{
						node: append([]byte(nil), node...),
						cat:  append([]byte(nil), cat...),
					})
				}
				return nil
			})
		})
		if err != nil {
			return err
		}

		for _, t := range targets {
			cb := tx.Bucket(t.node).Bucket(t.cat)
			var stale [][]byte
			c := cb.Cursor()
			for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.Next() {
				stale = append(stale, append([]byte(nil), k...))
			}
			for _, k := range stale {
				if err := cb.Delete(k); err != nil {
					return fmt.Errorf("deleting record: %w", err)
				}
			}
			if len(stale) > 0 {
				a.log.Info().
					Str("node", string(t.node)).
					Str("category", string(t.cat)).
					Int("removed", len(stale)).
					Msg("Archive records expired")
			}
			removed += len(stale)
		}
		return nil
	})
	return removed, err
}
