// Package audit stores the outcome of every amplifier command in SQLite so
// operators can see who changed what and whether the amplifier accepted it.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// timeLayout is fixed-width so created_at sorts and compares as text.
	timeLayout = "2006-01-02T15:04:05.000000Z"
)

// Entry is one recorded command.
type Entry struct {
	ID         string    `json:"id"`
	Amp        string    `json:"amp"`
	Zone       int       `json:"zone,omitempty"`
	Command    string    `json:"command"`
	Payload    string    `json:"payload,omitempty"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	Source     string    `json:"source,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Amp     string
	Command string
	Result  string
	Since   time.Time
	Limit   int // default 50, max 500
	Offset  int
}

// ListResult is one page of entries, newest first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository persists command entries.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) (*ListResult, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository implements Repository over the command_audit table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts e, filling ID and CreatedAt when empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = "cmd-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_audit
		 (id, amp, zone, command, payload, result, error, source, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Amp, e.Zone, e.Command, e.Payload, e.Result, e.Error, e.Source,
		e.DurationMS, e.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command audit entry: %w", err)
	}
	return nil
}

// List returns entries matching f, newest first.
func (r *SQLiteRepository) List(ctx context.Context, f Filter) (*ListResult, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var (
		conditions []string
		args       []any
	)
	if f.Amp != "" {
		conditions = append(conditions, "amp = ?")
		args = append(args, f.Amp)
	}
	if f.Command != "" {
		conditions = append(conditions, "command = ?")
		args = append(args, f.Command)
	}
	if f.Result != "" {
		conditions = append(conditions, "result = ?")
		args = append(args, f.Result)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM command_audit " + where //nolint:gosec // WHERE built from fixed column names with ? placeholders
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command audit entries: %w", err)
	}

	query := `SELECT id, amp, zone, command, payload, result, error, source, duration_ms, created_at
		FROM command_audit ` + where + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?` //nolint:gosec // see countQuery
	rows, err := r.db.QueryContext(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying command audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e         Entry
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Amp, &e.Zone, &e.Command, &e.Payload,
			&e.Result, &e.Error, &e.Source, &e.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning command audit entry: %w", err)
		}
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing command audit timestamp %q: %w", createdAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command audit entries: %w", err)
	}

	return &ListResult{Entries: entries, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Prune deletes entries older than before and returns how many were removed.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM command_audit WHERE created_at < ?",
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning command audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning command audit entries: %w", err)
	}
	return n, nil
}
