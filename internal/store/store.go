// Package store is the authoritative flag database. Uniqueness on the flag
// value is enforced by the schema; duplicate insertions are reported, never
// errors.
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Flag statuses. Transitions out of StatusQueued are terminal.
const (
	StatusQueued   = "queued"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Flag is one stored flag row.
type Flag struct {
	ID        int64     `json:"id"`
	Value     string    `json:"value"`
	Exploit   string    `json:"exploit"`
	Player    string    `json:"player"`
	Tick      int       `json:"tick"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Response  string    `json:"response,omitempty"`
}

// Store wraps the sqlite database holding flags and webhooks. A ristretto
// cache in front of the unique index short-circuits known duplicates
// without a transaction.
type Store struct {
	db   *sql.DB
	seen *ristretto.Cache

	now func() time.Time // test hook
}

const schema = `
CREATE TABLE IF NOT EXISTS flags (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	value     TEXT NOT NULL UNIQUE,
	exploit   TEXT NOT NULL,
	player    TEXT NOT NULL,
	tick      INTEGER NOT NULL,
	target    TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	status    TEXT NOT NULL CHECK (status IN ('queued', 'accepted', 'rejected')),
	response  TEXT
);
CREATE INDEX IF NOT EXISTS idx_flags_status ON flags (status);
CREATE INDEX IF NOT EXISTS idx_flags_tick ON flags (tick);

CREATE TABLE IF NOT EXISTS webhooks (
	id       TEXT PRIMARY KEY,
	exploit  TEXT NOT NULL,
	player   TEXT NOT NULL,
	disabled INTEGER NOT NULL DEFAULT 0
);
`

// Open creates or opens the flag store at the given path. ":memory:" opens
// an ephemeral store for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(err, "creating database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// sqlite allows a single writer; serialize access on the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}

	seen, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1_000_000,
		MaxCost:     10 << 20,
		BufferItems: 64,
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating dedup cache")
	}

	return &Store{db: db, seen: seen, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.seen.Close()
	return s.db.Close()
}

// DropFlags deletes every stored flag. Used by the reset command.
func (s *Store) DropFlags() error {
	if _, err := s.db.Exec(`DELETE FROM flags`); err != nil {
		return err
	}
	s.seen.Clear()
	return nil
}

const timeLayout = time.RFC3339Nano

func scanFlag(scan func(dest ...any) error) (Flag, error) {
	var f Flag
	var ts string
	var response sql.NullString
	if err := scan(&f.ID, &f.Value, &f.Exploit, &f.Player, &f.Tick, &f.Target, &ts, &f.Status, &response); err != nil {
		return Flag{}, err
	}
	parsed, err := time.Parse(timeLayout, ts)
	if err != nil {
		return Flag{}, errors.Wrapf(err, "corrupt timestamp on flag %d", f.ID)
	}
	f.Timestamp = parsed
	f.Response = response.String
	return f, nil
}
