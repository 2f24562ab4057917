package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/strand/internal/model"

	_ "modernc.org/sqlite"
)

const createTimersTable = `
CREATE TABLE IF NOT EXISTS timers (
    id          TEXT PRIMARY KEY,
    tag         TEXT NOT NULL,
    note        TEXT NOT NULL,
    delay_ms    INTEGER NOT NULL,
    status      TEXT NOT NULL,
    created_at  DATETIME NOT NULL,
    fire_at     DATETIME NOT NULL,
    finished_at DATETIME
)`

const createTimersTagIndex = `CREATE INDEX IF NOT EXISTS idx_timers_tag ON timers(tag)`

// timerColumns is the shared select list. Latency is derived rather than
// stored: for fired timers it is the millisecond distance between the actual
// finish time and the intended fire time, negative when expedited.
const timerColumns = `id, tag, note, delay_ms, status, created_at, fire_at, finished_at,
	CASE WHEN status = 'fired'
		THEN CAST((julianday(finished_at) - julianday(fire_at)) * 86400000.0 AS INTEGER)
	END AS latency_ms`

// ErrNotFound is returned when a timer is not found.
var ErrNotFound = errors.New("timer not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTimersTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create timers table: %w", err)
	}

	if _, err := db.Exec(createTimersTagIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create timers tag index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTimer inserts a new timer record.
func (s *SQLiteStore) CreateTimer(ctx context.Context, tm *model.Timer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timers (
			id, tag, note, delay_ms, status, created_at, fire_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tm.ID, tm.Tag, tm.Note, tm.DelayMS, tm.Status,
		tm.CreatedAt, tm.FireAt, tm.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert timer: %w", err)
	}
	return nil
}

func scanTimer(row interface{ Scan(...any) error }) (*model.Timer, error) {
	tm := &model.Timer{}
	err := row.Scan(
		&tm.ID, &tm.Tag, &tm.Note, &tm.DelayMS, &tm.Status,
		&tm.CreatedAt, &tm.FireAt, &tm.FinishedAt, &tm.LatencyMS,
	)
	if err != nil {
		return nil, err
	}
	return tm, nil
}

// GetTimer retrieves a timer by ID.
func (s *SQLiteStore) GetTimer(ctx context.Context, id string) (*model.Timer, error) {
	tm, err := scanTimer(s.db.QueryRowContext(ctx,
		`SELECT `+timerColumns+` FROM timers WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get timer: %w", err)
	}
	return tm, nil
}

// ListTimers returns a paginated list of timers ordered by created_at DESC,
// along with the total count of timers matching the filters.
func (s *SQLiteStore) ListTimers(ctx context.Context, tag, status string, limit, offset int) ([]*model.Timer, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var conds []string
	var args []any
	if tag != "" {
		conds = append(conds, "tag = ?")
		args = append(args, tag)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM timers"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count timers: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+timerColumns+` FROM timers`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list timers: %w", err)
	}
	defer rows.Close()

	var timers []*model.Timer
	for rows.Next() {
		tm, err := scanTimer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan timer: %w", err)
		}
		timers = append(timers, tm)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate timers: %w", err)
	}

	return timers, total, nil
}

// UpdateTimerStatus transitions a timer to a new status. The transition is
// validated against the model rules; both reachable statuses are terminal,
// so finished_at is always stamped.
func (s *SQLiteStore) UpdateTimerStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM timers WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read timer status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE timers SET status = ?, finished_at = ? WHERE id = ?",
		status, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("update timer status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// GetTimerStats returns aggregate statistics over the whole journal.
func (s *SQLiteStore) GetTimerStats(ctx context.Context) (*TimerStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &TimerStats{
		CountByStatus: make(map[string]int),
		CountByTag:    make(map[string]int),
	}

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM timers").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count timers: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM timers GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	tagRows, err := tx.QueryContext(ctx, "SELECT tag, COUNT(*) FROM timers GROUP BY tag")
	if err != nil {
		return nil, fmt.Errorf("count by tag: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var tag string
		var n int
		if err := tagRows.Scan(&tag, &n); err != nil {
			return nil, fmt.Errorf("scan tag count: %w", err)
		}
		stats.CountByTag[tag] = n
	}
	if err := tagRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tag counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		`SELECT AVG((julianday(finished_at) - julianday(fire_at)) * 86400000.0)
		FROM timers WHERE status = ?`, model.StatusFired,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average fire latency: %w", err)
	}
	if avg.Valid {
		stats.AvgLatencyMS = avg.Float64
	}

	return stats, nil
}
