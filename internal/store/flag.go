package store

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Insert is one flag to ingest.
type Insert struct {
	Value    string
	Exploit  string
	Player   string
	Tick     int
	Target   string
	Status   string // defaults to queued
	Response string
}

// InsertFlags attempts to insert every flag with conflict-ignore semantics
// and returns the new/duplicates partition. This is the single ingestion
// path; all endpoints funnel through it so "new" is decided in exactly one
// place.
func (s *Store) InsertFlags(ctx context.Context, inserts []Insert) (newValues, duplicates []string, err error) {
	newValues = []string{}
	duplicates = []string{}

	pending := make([]Insert, 0, len(inserts))
	for _, in := range inserts {
		// The dedup cache only ever holds values that are already stored,
		// so a hit is always a true duplicate.
		if _, hit := s.seen.Get(in.Value); hit {
			duplicates = append(duplicates, in.Value)
			continue
		}
		pending = append(pending, in)
	}
	if len(pending) == 0 {
		return newValues, duplicates, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "beginning insert transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO flags (value, exploit, player, tick, target, timestamp, status, response)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (value) DO NOTHING`)
	if err != nil {
		return nil, nil, errors.Wrap(err, "preparing insert")
	}
	defer stmt.Close()

	now := s.now().Format(timeLayout)
	for _, in := range pending {
		status := in.Status
		if status == "" {
			status = StatusQueued
		}
		var response any
		if in.Response != "" {
			response = in.Response
		}

		res, err := stmt.ExecContext(ctx, in.Value, in.Exploit, in.Player, in.Tick, in.Target, now, status, response)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "inserting flag %q", in.Value)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, nil, err
		}
		if affected > 0 {
			newValues = append(newValues, in.Value)
		} else {
			duplicates = append(duplicates, in.Value)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, errors.Wrap(err, "committing inserts")
	}

	for _, in := range pending {
		s.seen.Set(in.Value, struct{}{}, 1)
	}
	for _, v := range duplicates {
		s.seen.Set(v, struct{}{}, 1)
	}
	return newValues, duplicates, nil
}

// QueuedValues returns the values of all queued flags.
func (s *Store) QueuedValues(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT value FROM flags WHERE status = ?`, StatusQueued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// MarkResults transitions queued flags to their terminal statuses in one
// transaction. Values absent from both maps stay queued.
func (s *Store) MarkResults(ctx context.Context, accepted, rejected map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning result transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE flags SET status = ?, response = ?
		WHERE value = ? AND status = ?`)
	if err != nil {
		return errors.Wrap(err, "preparing update")
	}
	defer stmt.Close()

	for value, response := range accepted {
		if _, err := stmt.ExecContext(ctx, StatusAccepted, response, value, StatusQueued); err != nil {
			return errors.Wrapf(err, "accepting flag %q", value)
		}
	}
	for value, response := range rejected {
		if _, err := stmt.ExecContext(ctx, StatusRejected, response, value, StatusQueued); err != nil {
			return errors.Wrapf(err, "rejecting flag %q", value)
		}
	}

	return errors.Wrap(tx.Commit(), "committing results")
}

// Stats is the flagstore-stats payload.
type Stats struct {
	Queued   int        `json:"queued"`
	Accepted int        `json:"accepted"`
	Rejected int        `json:"rejected"`
	Delta    StatsDelta `json:"delta"`
}

// StatsDelta is the current-tick slice of the stats.
type StatsDelta struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// CountByStatus reports totals per status plus the delta for the given tick.
func (s *Store) CountByStatus(ctx context.Context, currentTick int) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'queued' THEN 1 END),
			COUNT(CASE WHEN status = 'accepted' THEN 1 END),
			COUNT(CASE WHEN status = 'rejected' THEN 1 END),
			COUNT(CASE WHEN status = 'accepted' AND tick = ? THEN 1 END),
			COUNT(CASE WHEN status = 'rejected' AND tick = ? THEN 1 END)
		FROM flags`, currentTick, currentTick)
	if err := row.Scan(&st.Queued, &st.Accepted, &st.Rejected, &st.Delta.Accepted, &st.Delta.Rejected); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// AnalyticsWindow is how many trailing ticks the exploit analytics cover.
const AnalyticsWindow = 10

// AnalyticsReport maps "player-exploit" keys to accepted-flag counts per
// tick over the analytics window.
type AnalyticsReport struct {
	Ticks    []int                        `json:"ticks"`
	Exploits map[string]*AnalyticsExploit `json:"exploits"`
}

// AnalyticsExploit is one player/exploit series.
type AnalyticsExploit struct {
	Player  string        `json:"player"`
	Exploit string        `json:"exploit"`
	Data    AnalyticsData `json:"data"`
}

// AnalyticsData carries the per-tick accepted counts.
type AnalyticsData struct {
	Accepted []int `json:"accepted"`
}

// Analytics aggregates accepted flags by (player, exploit, tick) over the
// last AnalyticsWindow ticks, excluding manual submissions.
func (s *Store) Analytics(ctx context.Context, latestTick int) (*AnalyticsReport, error) {
	oldest := latestTick - AnalyticsWindow + 1
	if oldest < 0 {
		oldest = 0
	}

	ticks := make([]int, 0, latestTick-oldest+1)
	for t := oldest; t <= latestTick; t++ {
		ticks = append(ticks, t)
	}
	report := &AnalyticsReport{
		Ticks:    ticks,
		Exploits: make(map[string]*AnalyticsExploit),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT player, exploit, tick, COUNT(id)
		FROM flags
		WHERE tick BETWEEN ? AND ? AND status = 'accepted' AND exploit != 'manual'
		GROUP BY player, exploit, tick`, oldest, latestTick)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var player, exploit string
		var tick, count int
		if err := rows.Scan(&player, &exploit, &tick, &count); err != nil {
			return nil, err
		}

		key := player + "-" + exploit
		series, ok := report.Exploits[key]
		if !ok {
			series = &AnalyticsExploit{
				Player:  player,
				Exploit: exploit,
				Data:    AnalyticsData{Accepted: make([]int, len(ticks))},
			}
			report.Exploits[key] = series
		}
		series.Data.Accepted[tick-oldest] = count
	}
	return report, rows.Err()
}

// SortField orders search results.
type SortField struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

// Search scans the store in insertion order, keeps the rows the predicate
// accepts, applies the sort order and returns the requested page plus the
// total match count.
func (s *Store) Search(ctx context.Context, match func(Flag) bool, sortBy []SortField, page, show int) ([]Flag, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, value, exploit, player, tick, target, timestamp, status, response
		FROM flags ORDER BY id`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var matched []Flag
	for rows.Next() {
		f, err := scanFlag(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		if match == nil || match(f) {
			matched = append(matched, f)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if len(sortBy) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			return flagLess(matched[i], matched[j], sortBy)
		})
	}

	total := len(matched)
	if page < 1 {
		page = 1
	}
	lo := (page - 1) * show
	if lo > total {
		lo = total
	}
	hi := lo + show
	if hi > total {
		hi = total
	}
	return matched[lo:hi], total, nil
}

func flagLess(a, b Flag, sortBy []SortField) bool {
	for _, s := range sortBy {
		cmp := compareField(a, b, s.Field)
		if cmp == 0 {
			continue
		}
		if strings.EqualFold(s.Direction, "desc") {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

func compareField(a, b Flag, field string) int {
	switch field {
	case "tick":
		return a.Tick - b.Tick
	case "id":
		return int(a.ID - b.ID)
	case "timestamp":
		return a.Timestamp.Compare(b.Timestamp)
	case "value":
		return strings.Compare(a.Value, b.Value)
	case "exploit":
		return strings.Compare(a.Exploit, b.Exploit)
	case "player":
		return strings.Compare(a.Player, b.Player)
	case "target":
		return strings.Compare(a.Target, b.Target)
	case "status":
		return strings.Compare(a.Status, b.Status)
	case "response":
		return strings.Compare(a.Response, b.Response)
	default:
		return 0
	}
}

// GetFlag looks a flag up by value, mainly for tests and the reset tool.
func (s *Store) GetFlag(ctx context.Context, value string) (Flag, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, value, exploit, player, tick, target, timestamp, status, response
		FROM flags WHERE value = ?`, value)
	f, err := scanFlag(row.Scan)
	if err == sql.ErrNoRows {
		return Flag{}, errors.Errorf("flag %q not found", value)
	}
	return f, err
}
