package deliverylog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JSONSink writes one JSON object per entry.
type JSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONSink wraps w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: w}
}

func (s *JSONSink) Write(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("json sink: encode entry #%d: %w", i+1, err)
		}
	}
	return nil
}

// SQLiteSink stores entries in a deliveries table. Rows are keyed by task id
// and assignment time, so repeated flushes update settled entries in place.
type SQLiteSink struct {
	DB *sql.DB
}

// OpenSQLiteSink opens (or creates) the database at path and prepares the
// schema.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite sink: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite sink: ping: %w", err)
	}
	s := &SQLiteSink{DB: db}
	if err := s.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the deliveries table if it does not exist.
func (s *SQLiteSink) InitSchema() error {
	if s.DB == nil {
		return errors.New("init schema: DB is nil")
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return fmt.Errorf("init schema: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`
	CREATE TABLE IF NOT EXISTS deliveries (
		task_id TEXT NOT NULL,
		original_task_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		status TEXT NOT NULL,
		assigned_at INTEGER NOT NULL,
		completed_at INTEGER,
		duration_seconds REAL NOT NULL DEFAULT 0,
		origin_x INTEGER NOT NULL,
		origin_y INTEGER NOT NULL,
		destination_x INTEGER NOT NULL,
		destination_y INTEGER NOT NULL,
		weight REAL NOT NULL,
		urgency INTEGER NOT NULL,
		path_length INTEGER NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (task_id, assigned_at)
	);
	`,
		`
	CREATE INDEX IF NOT EXISTS idx_deliveries_original_task
	ON deliveries(original_task_id);
	`,
	}

	for i, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: exec statement #%d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("init schema: commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Write(ctx context.Context, entries []Entry) error {
	if s.DB == nil {
		return errors.New("sqlite sink: DB is nil")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite sink: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
	INSERT OR REPLACE INTO deliveries (
		task_id, original_task_id, agent_id, strategy, status,
		assigned_at, completed_at, duration_seconds,
		origin_x, origin_y, destination_x, destination_y,
		weight, urgency, path_length, failure_reason
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("sqlite sink: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var completed sql.NullInt64
		if e.CompletedAt != nil {
			completed = sql.NullInt64{Int64: e.CompletedAt.UnixNano(), Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			e.TaskID, e.OriginalTaskID, e.AgentID, e.Strategy, string(e.Status),
			e.AssignedAt.UnixNano(), completed, e.Duration,
			e.Origin.X, e.Origin.Y, e.Destination.X, e.Destination.Y,
			e.Weight, e.Urgency, e.PathLength, e.FailureReason,
		)
		if err != nil {
			return fmt.Errorf("sqlite sink: insert task_id=%s: %w", e.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite sink: commit tx: %w", err)
	}
	return nil
}

// Entries reads every stored row back, ordered by assignment time.
func (s *SQLiteSink) Entries(ctx context.Context) ([]Entry, error) {
	if s.DB == nil {
		return nil, errors.New("sqlite sink: DB is nil")
	}

	query := `
	SELECT
		task_id, original_task_id, agent_id, strategy, status,
		assigned_at, completed_at, duration_seconds,
		origin_x, origin_y, destination_x, destination_y,
		weight, urgency, path_length, failure_reason
	FROM deliveries
	ORDER BY assigned_at, task_id;
	`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			status    string
			assigned  int64
			completed sql.NullInt64
		)
		err := rows.Scan(
			&e.TaskID, &e.OriginalTaskID, &e.AgentID, &e.Strategy, &status,
			&assigned, &completed, &e.Duration,
			&e.Origin.X, &e.Origin.Y, &e.Destination.X, &e.Destination.Y,
			&e.Weight, &e.Urgency, &e.PathLength, &e.FailureReason,
		)
		if err != nil {
			return nil, fmt.Errorf("list deliveries: scan row: %w", err)
		}
		e.Status = Status(status)
		e.AssignedAt = time.Unix(0, assigned).UTC()
		if completed.Valid {
			t := time.Unix(0, completed.Int64).UTC()
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deliveries: row iteration: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteSink) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
