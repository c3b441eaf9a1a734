package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kilnproc/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createInstancesTable = `
CREATE TABLE IF NOT EXISTS instances (
    id               TEXT PRIMARY KEY,
    manifest_locator TEXT NOT NULL,
    isolation        TEXT NOT NULL,
    state            TEXT NOT NULL,
    created_at       DATETIME NOT NULL,
    destroyed_at     DATETIME
)`

const createAttemptsTable = `
CREATE TABLE IF NOT EXISTS attempts (
    id            TEXT PRIMARY KEY,
    instance_id   TEXT NOT NULL,
    state         TEXT NOT NULL,
    kind          TEXT,
    locator       TEXT,
    error_code    TEXT,
    error_message TEXT,
    translate_ms  INTEGER,
    launch_ms     INTEGER,
    duration_ms   INTEGER,
    created_at    DATETIME NOT NULL,
    finished_at   DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    state       TEXT,
    detail      TEXT,
    created_at  DATETIME NOT NULL
)`

const createAttemptsIndex = `
CREATE INDEX IF NOT EXISTS idx_attempts_instance ON attempts(instance_id, created_at)`

const createEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_events_instance ON events(instance_id, seq)`

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

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

	for _, stmt := range []string{createInstancesTable, createAttemptsTable, createEventsTable, createAttemptsIndex, createEventsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateInstance inserts a new instance record.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *model.Instance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, manifest_locator, isolation, state, created_at, destroyed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.ManifestLocator, inst.Isolation, inst.State, inst.CreatedAt, inst.DestroyedAt,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	inst := &model.Instance{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, manifest_locator, isolation, state, created_at, destroyed_at
		FROM instances WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.ManifestLocator, &inst.Isolation, &inst.State, &inst.CreatedAt, &inst.DestroyedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns a paginated list of instances ordered by created_at
// DESC, along with the total count.
func (s *SQLiteStore) ListInstances(ctx context.Context, limit, offset int) ([]*model.Instance, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM instances").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count instances: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, manifest_locator, isolation, state, created_at, destroyed_at
		FROM instances ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []*model.Instance
	for rows.Next() {
		inst := &model.Instance{}
		if err := rows.Scan(&inst.ID, &inst.ManifestLocator, &inst.Isolation, &inst.State, &inst.CreatedAt, &inst.DestroyedAt); err != nil {
			return nil, 0, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate instances: %w", err)
	}

	return instances, total, nil
}

// UpdateInstanceState updates the pipeline state mirrored on an instance.
func (s *SQLiteStore) UpdateInstanceState(ctx context.Context, id, state string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE instances SET state = ? WHERE id = ?", state, id,
	)
	if err != nil {
		return fmt.Errorf("update instance state: %w", err)
	}
	return checkAffected(result)
}

// MarkInstanceDestroyed moves an instance record to its terminal destroyed
// state and stamps destroyed_at.
func (s *SQLiteStore) MarkInstanceDestroyed(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE instances SET state = ?, destroyed_at = ? WHERE id = ?",
		model.StateDestroyed, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark instance destroyed: %w", err)
	}
	return checkAffected(result)
}

// CreateAttempt inserts a new load attempt record.
func (s *SQLiteStore) CreateAttempt(ctx context.Context, a *model.LoadAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (
			id, instance_id, state, kind, locator, error_code, error_message,
			translate_ms, launch_ms, duration_ms, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.InstanceID, a.State, a.Kind, a.Locator, a.ErrorCode, a.ErrorMessage,
		a.TranslateMS, a.LaunchMS, a.DurationMS, a.CreatedAt, a.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// GetAttempt retrieves a load attempt by ID.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*model.LoadAttempt, error) {
	a := &model.LoadAttempt{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, state, kind, locator, error_code, error_message,
			translate_ms, launch_ms, duration_ms, created_at, finished_at
		FROM attempts WHERE id = ?`, id,
	).Scan(
		&a.ID, &a.InstanceID, &a.State, &a.Kind, &a.Locator, &a.ErrorCode, &a.ErrorMessage,
		&a.TranslateMS, &a.LaunchMS, &a.DurationMS, &a.CreatedAt, &a.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// ListAttempts returns a paginated list of an instance's attempts ordered by
// created_at DESC, along with the instance's total attempt count.
func (s *SQLiteStore) ListAttempts(ctx context.Context, instanceID string, limit, offset int) ([]*model.LoadAttempt, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM attempts WHERE instance_id = ?", instanceID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, instance_id, state, kind, locator, error_code, error_message,
			translate_ms, launch_ms, duration_ms, created_at, finished_at
		FROM attempts WHERE instance_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		instanceID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*model.LoadAttempt
	for rows.Next() {
		a := &model.LoadAttempt{}
		if err := rows.Scan(
			&a.ID, &a.InstanceID, &a.State, &a.Kind, &a.Locator, &a.ErrorCode, &a.ErrorMessage,
			&a.TranslateMS, &a.LaunchMS, &a.DurationMS, &a.CreatedAt, &a.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate attempts: %w", err)
	}

	return attempts, total, nil
}

// UpdateAttemptState updates the pipeline state of an attempt.
func (s *SQLiteStore) UpdateAttemptState(ctx context.Context, id, state string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE attempts SET state = ? WHERE id = ?", state, id,
	)
	if err != nil {
		return fmt.Errorf("update attempt state: %w", err)
	}
	return checkAffected(result)
}

// SetAttemptArtifact records which artifact the attempt resolved to, once
// manifest resolution has picked one.
func (s *SQLiteStore) SetAttemptArtifact(ctx context.Context, id, kind, locator string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE attempts SET kind = ?, locator = ? WHERE id = ?", kind, locator, id,
	)
	if err != nil {
		return fmt.Errorf("set attempt artifact: %w", err)
	}
	return checkAffected(result)
}

// FinishAttempt persists an attempt's terminal fields: state, error code and
// message, phase durations, and finished_at.
func (s *SQLiteStore) FinishAttempt(ctx context.Context, a *model.LoadAttempt) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET
			state = ?, error_code = ?, error_message = ?,
			translate_ms = ?, launch_ms = ?, duration_ms = ?, finished_at = ?
		WHERE id = ?`,
		a.State, a.ErrorCode, a.ErrorMessage,
		a.TranslateMS, a.LaunchMS, a.DurationMS, a.FinishedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	return checkAffected(result)
}

// InsertEvent appends one pipeline event for an instance.
func (s *SQLiteStore) InsertEvent(ctx context.Context, instanceID string, seq int, kind, state, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (instance_id, seq, kind, state, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		instanceID, seq, kind, state, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns all recorded events for an instance ordered by seq ASC.
// Returns an empty slice when there are none.
func (s *SQLiteStore) ListEvents(ctx context.Context, instanceID string) ([]model.PipelineEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, seq, kind, state, detail, created_at
		FROM events WHERE instance_id = ? ORDER BY seq ASC`, instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []model.PipelineEvent{}
	for rows.Next() {
		var e model.PipelineEvent
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Seq, &e.Kind, &e.State, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
