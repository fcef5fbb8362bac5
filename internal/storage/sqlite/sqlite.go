package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	appErr "github.com/michaelbrown/quiche/internal/errors"
	"github.com/michaelbrown/quiche/internal/storage"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC timestamps so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const runColumns = `id, requester_id, channel_id, entry_file, status, exit_code, error,
	messages, truncated, created_at, started_at, finished_at`

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Runs finish concurrently; one connection serializes writers and keeps
	// ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r *storage.Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = storage.StatusQueued
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequesterID, r.ChannelID, r.EntryFile, r.Status, nullInt(r.ExitCode), r.Error,
		r.Messages, r.Truncated, formatTime(r.CreatedAt), nullTime(r.StartedAt), nullTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	// Try exact match first, then prefix match
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == nil {
		return run, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("querying run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, appErr.Newf(appErr.KindNotFound, "run not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, appErr.Newf(appErr.KindNotFound, "ambiguous run prefix %q matches %d runs", id, len(matches))
	}
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts storage.RunListOptions) ([]storage.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE 1 = 1`
	var args []any

	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.RequesterID != "" {
		query += ` AND requester_id = ?`
		args = append(args, opts.RequesterID)
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []storage.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *storage.Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET entry_file = ?, status = ?, exit_code = ?, error = ?, messages = ?,
			truncated = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		r.EntryFile, r.Status, nullInt(r.ExitCode), r.Error, r.Messages,
		r.Truncated, nullTime(r.StartedAt), nullTime(r.FinishedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErr.Newf(appErr.KindNotFound, "run not found: %s", r.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	// Resolve prefix first
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*storage.Run, error) {
	var (
		r                   storage.Run
		exitCode            sql.NullInt64
		createdAt           string
		startedAt, finished sql.NullString
	)
	err := s.Scan(&r.ID, &r.RequesterID, &r.ChannelID, &r.EntryFile, &r.Status, &exitCode,
		&r.Error, &r.Messages, &r.Truncated, &createdAt, &startedAt, &finished)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.StartedAt = parseNullTime(startedAt)
	r.FinishedAt = parseNullTime(finished)
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
