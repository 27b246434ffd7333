// Package ledger — ledger.go
//
// BoltDB-backed audit trail of optimization episodes.
//
// Schema (BoltDB bucket layout):
//
//	/episodes
//	    key:   fixed-width RFC3339 (nanosecond) open timestamp + "_" + episode id [sortable]
//	    value: JSON-encoded Episode
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// This ledger is explicitly NOT the authoritative optimizer state: it
// is never read back to reconstruct an Optimizer on startup, only
// appended to and occasionally pruned. Its sole purpose is letting an
// operator inspect what the daemon did after the fact.
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent
//     writers).
//   - Writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//
// Failure modes:
//   - Database open failure (corruption, permissions): the caller
//     decides whether to run without a ledger — a ledger is a nice-to-
//     have, not a dependency of the optimizer's correctness.
//   - Disk full on write: logged by the caller and otherwise ignored;
//     the optimizer's in-memory state is unaffected.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default episode retention period.
	DefaultRetentionDays = 30

	bucketEpisodes = "episodes"
	bucketMeta     = "meta"

	// episodeKeyLayout is RFC3339 with a fixed 9-digit fraction, so keys
	// of equal length sort lexicographically in time order.
	episodeKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Episode is one optimization episode: the interval between an
// Idle→Optimized transition and the following Optimized→Idle
// transition.
type Episode struct {
	ID        int64     `json:"id"`
	OpenedAt  time.Time `json:"opened_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
	PIDs      []int     `json:"pids"`
	Outcome   string    `json:"outcome,omitempty"`
	Open      bool      `json:"open"`
}

// DB wraps a BoltDB instance with typed accessors for the episode
// ledger.
type DB struct {
	db            *bolt.DB
	retentionDays int
	nextID        int64
}

// Open opens (or creates) the BoltDB database at path. Initialises the
// required buckets and verifies the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEpisodes, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if v := meta.Get([]byte("schema_version")); v == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		} else if string(v) != SchemaVersion {
			return fmt.Errorf("schema_version %q, want %q", v, SchemaVersion)
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger: initialisation failed: %w", err)
	}

	if err := d.restoreNextID(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// restoreNextID scans the episodes bucket once at startup so IDs stay
// monotonic across restarts, even though episode contents themselves
// are never replayed into optimizer state.
func (d *DB) restoreNextID() error {
	return d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketEpisodes)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e Episode
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.ID > d.nextID {
				d.nextID = e.ID
			}
			break
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

func episodeKey(t time.Time, id int64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format(episodeKeyLayout), id))
}

// OpenEpisode records the start of a new optimization episode and
// returns its id. Satisfies optimizer.EpisodeLedger.
func (d *DB) OpenEpisode(pids []int) (int64, error) {
	d.nextID++
	id := d.nextID

	ep := Episode{
		ID:       id,
		OpenedAt: time.Now().UTC(),
		PIDs:     append([]int(nil), pids...),
		Open:     true,
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return 0, fmt.Errorf("ledger: marshal episode: %w", err)
	}

	key := episodeKey(ep.OpenedAt, id)
	err = d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEpisodes)).Put(key, data)
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: write episode: %w", err)
	}
	return id, nil
}

// CloseEpisode marks episode id closed with the given outcome.
// Satisfies optimizer.EpisodeLedger.
func (d *DB) CloseEpisode(id int64, outcome string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEpisodes))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ep Episode
			if err := json.Unmarshal(v, &ep); err != nil {
				continue
			}
			if ep.ID != id {
				continue
			}
			ep.Open = false
			ep.Outcome = outcome
			ep.ClosedAt = time.Now().UTC()
			data, err := json.Marshal(ep)
			if err != nil {
				return fmt.Errorf("ledger: marshal episode %d: %w", id, err)
			}
			return b.Put(k, data)
		}
		return fmt.Errorf("ledger: episode %d not found", id)
	})
}

// Count returns the total number of recorded episodes (open or closed).
func (d *DB) Count() (int, error) {
	n := 0
	err := d.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketEpisodes)).Stats().KeyN
		return nil
	})
	return n, err
}

// PruneOld deletes episodes opened before the retention window.
// Returns the number of entries deleted.
func (d *DB) PruneOld() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := episodeKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEpisodes))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOld delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadAll returns all episodes in chronological order. For operational
// inspection; not called on the hot path.
func (d *DB) ReadAll() ([]Episode, error) {
	var episodes []Episode
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEpisodes)).ForEach(func(_, v []byte) error {
			var ep Episode
			if err := json.Unmarshal(v, &ep); err != nil {
				return err
			}
			episodes = append(episodes, ep)
			return nil
		})
	})
	return episodes, err
}
