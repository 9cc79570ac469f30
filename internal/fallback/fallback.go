// Package fallback is the client-local durable queue for flags that could
// not reach the server, plus the memo of already-attacked (host, flag_id)
// pairs.
package fallback

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Fallback flag statuses.
const (
	StatusPending   = "pending"
	StatusForwarded = "forwarded"
)

// Flag is one locally stored flag awaiting forwarding.
type Flag struct {
	ID        int64
	Value     string
	Exploit   string
	Target    string
	Timestamp time.Time
	Status    string
}

// Store wraps the client-side sqlite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS fallback_flags (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	value     TEXT NOT NULL,
	exploit   TEXT NOT NULL,
	target    TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	status    TEXT NOT NULL CHECK (status IN ('pending', 'forwarded'))
);

CREATE TABLE IF NOT EXISTS attacks (
	host    TEXT NOT NULL,
	flag_id TEXT NOT NULL,
	UNIQUE (host, flag_id)
);
`

// Open creates or opens the fallback store at the given path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(err, "creating database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening fallback database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating fallback schema")
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Add stores flags as pending. Called when an enqueue to the server fails.
func (s *Store) Add(ctx context.Context, exploit, target string, values []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339Nano)
	for _, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fallback_flags (value, exploit, target, timestamp, status) VALUES (?, ?, ?, ?, ?)`,
			v, exploit, target, now, StatusPending); err != nil {
			return errors.Wrapf(err, "storing fallback flag %q", v)
		}
	}
	return tx.Commit()
}

// Pending returns all flags still awaiting forwarding.
func (s *Store) Pending(ctx context.Context) ([]Flag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, value, exploit, target, timestamp, status
		FROM fallback_flags WHERE status = ? ORDER BY id`, StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []Flag
	for rows.Next() {
		var f Flag
		var ts string
		if err := rows.Scan(&f.ID, &f.Value, &f.Exploit, &f.Target, &ts, &f.Status); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt timestamp on fallback flag %d", f.ID)
		}
		f.Timestamp = parsed
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// MarkForwarded transitions the given rows after the server acknowledged
// them. Forwarded rows are kept for inspection but never resent.
func (s *Store) MarkForwarded(ctx context.Context, ids []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE fallback_flags SET status = ? WHERE id = ?`, StatusForwarded, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AttackDone reports whether a (host, flag_id) pair was already attacked.
func (s *Store) AttackDone(ctx context.Context, host, flagID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM attacks WHERE host = ? AND flag_id = ?`, host, flagID).Scan(&n)
	return n > 0, err
}

// RecordAttacks memoizes completed (host, flag_id) pairs, ignoring
// duplicates.
func (s *Store) RecordAttacks(ctx context.Context, pairs [][2]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range pairs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attacks (host, flag_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			p[0], p[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}
