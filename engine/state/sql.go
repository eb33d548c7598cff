// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state persists the host engine's durable state in an embedded
// SQL database. The task table is the queue: claiming work is a single
// write transaction, so parallel scheduler workers never double-claim.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/helper/uuid"
)

// stateFilename is the name of our state database under the data dir.
const stateFilename = "state.db"

// schema is applied on every open. Statements are idempotent so upgrades
// that add tables are safe across restarts.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id               TEXT PRIMARY KEY,
		operation        TEXT NOT NULL,
		target           TEXT NOT NULL DEFAULT '',
		priority         INTEGER NOT NULL DEFAULT 0,
		status           TEXT NOT NULL,
		depends_on       TEXT,
		metadata         BLOB,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		progress_info    BLOB,
		error_message    TEXT NOT NULL DEFAULT '',
		created_by       TEXT NOT NULL DEFAULT '',
		created_at       DATETIME NOT NULL,
		updated_at       DATETIME NOT NULL,
		started_at       DATETIME,
		completed_at     DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (status, priority DESC, created_at ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS zones (
		name            TEXT PRIMARY KEY,
		brand           TEXT NOT NULL DEFAULT '',
		state           TEXT NOT NULL DEFAULT '',
		auto_discovered INTEGER NOT NULL DEFAULT 0,
		is_orphaned     INTEGER NOT NULL DEFAULT 0,
		last_seen       DATETIME NOT NULL,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS network_interfaces (
		link        TEXT PRIMARY KEY,
		class       TEXT NOT NULL DEFAULT '',
		over        TEXT NOT NULL DEFAULT '',
		zone        TEXT NOT NULL DEFAULT '',
		mac_address TEXT NOT NULL DEFAULT '',
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS network_usage (
		link         TEXT NOT NULL,
		rx_bytes     INTEGER NOT NULL DEFAULT 0,
		tx_bytes     INTEGER NOT NULL DEFAULT 0,
		collected_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_network_usage_link ON network_usage (link)`,
	`CREATE TABLE IF NOT EXISTS ip_addresses (
		addrobj    TEXT PRIMARY KEY,
		interface  TEXT NOT NULL DEFAULT '',
		type       TEXT NOT NULL DEFAULT '',
		address    TEXT NOT NULL DEFAULT '',
		state      TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS storage_locations (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		path       TEXT NOT NULL,
		type       TEXT NOT NULL DEFAULT '',
		enabled    INTEGER NOT NULL DEFAULT 1,
		file_count INTEGER NOT NULL DEFAULT 0,
		total_size INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id            TEXT PRIMARY KEY,
		location_id   TEXT NOT NULL,
		path          TEXT NOT NULL UNIQUE,
		filename      TEXT NOT NULL,
		size          INTEGER NOT NULL DEFAULT 0,
		checksum      TEXT,
		algorithm     TEXT,
		source_url    TEXT,
		last_verified DATETIME,
		created_at    DATETIME NOT NULL,
		updated_at    DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_location ON artifacts (location_id)`,
}

// SQLStateDB implements StateDB on an embedded sqlite database.
type SQLStateDB struct {
	db     *sqlx.DB
	logger hclog.Logger

	// now is the clock; replaced in tests.
	now func() time.Time
}

// NewSQLStateDB opens (creating if necessary) the state database under
// dataDir and applies the schema.
func NewSQLStateDB(logger hclog.Logger, dataDir string) (StateDB, error) {
	path := filepath.Join(dataDir, stateFilename)

	// WAL keeps readers off the writer's back; _txlock=immediate makes
	// every transaction a write transaction from the start, which is what
	// serializes concurrent claims.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_fk=1", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	s := &SQLStateDB{
		db:     db,
		logger: logger.Named("state"),
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply state schema: %w", err)
		}
	}

	s.logger.Debug("opened state database", "path", path)
	return s, nil
}

func (s *SQLStateDB) Name() string { return "sql" }

func (s *SQLStateDB) Close() error { return s.db.Close() }

func (s *SQLStateDB) CreateTask(ctx context.Context, spec *structs.TaskSpec) (*structs.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	task := &structs.Task{
		ID:        uuid.Generate(),
		Operation: spec.Operation,
		Target:    spec.Target,
		Priority:  spec.Priority,
		Status:    structs.TaskStatusPending,
		DependsOn: spec.DependsOn,
		Metadata:  spec.Metadata,
		CreatedBy: spec.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, operation, target, priority, status, depends_on,
			metadata, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Operation, task.Target, int(task.Priority), task.Status,
		task.DependsOn, task.Metadata, task.CreatedBy, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

func (s *SQLStateDB) GetTask(ctx context.Context, id string) (*structs.Task, error) {
	var task structs.Task
	err := s.db.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &task, nil
}

// buildTaskFilter renders the WHERE clause for a task list filter.
func buildTaskFilter(filter *structs.TaskListFilter) (string, []interface{}) {
	where := "1=1"
	var args []interface{}
	if filter == nil {
		return where, args
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Target != "" {
		where += " AND target = ?"
		args = append(args, filter.Target)
	}
	if filter.Operation != "" {
		where += " AND operation = ?"
		args = append(args, filter.Operation)
	}
	if filter.OperationNE != "" {
		where += " AND operation != ?"
		args = append(args, filter.OperationNE)
	}
	if filter.Since != nil {
		where += " AND updated_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	return where, args
}

func (s *SQLStateDB) ListTasks(ctx context.Context, filter *structs.TaskListFilter) ([]*structs.Task, error) {
	where, args := buildTaskFilter(filter)
	query := `SELECT * FROM tasks WHERE ` + where + ` ORDER BY created_at DESC`
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	tasks := []*structs.Task{}
	if err := s.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLStateDB) CountTasks(ctx context.Context, filter *structs.TaskListFilter) (int, error) {
	where, args := buildTaskFilter(filter)
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM tasks WHERE `+where, args...); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

func (s *SQLStateDB) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows := []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}{}
	err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}

	counts := make(map[string]int, len(structs.ValidTaskStatuses))
	for _, status := range structs.ValidTaskStatuses {
		counts[status] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}

func (s *SQLStateDB) TryClaimNext(ctx context.Context, excludedOps []string) (*structs.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	// Dependencies resolve through the status index rather than a full
	// scan; the completed-predecessor set is the subquery.
	query := `
		SELECT * FROM tasks
		WHERE status = ?
		AND (depends_on IS NULL
			OR depends_on IN (SELECT id FROM tasks WHERE status = ?))`
	args := []interface{}{structs.TaskStatusPending, structs.TaskStatusCompleted}

	if len(excludedOps) > 0 {
		in, inArgs, err := sqlx.In(` AND operation NOT IN (?)`, excludedOps)
		if err != nil {
			return nil, fmt.Errorf("failed to render claim exclusions: %w", err)
		}
		query += in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY priority DESC, created_at ASC LIMIT 1`

	var task structs.Task
	err = tx.GetContext(ctx, &task, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable task: %w", err)
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		structs.TaskStatusRunning, now, now, task.ID, structs.TaskStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task %s: %w", task.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Raced with another claimer inside the same process; the next
		// tick will retry.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim of task %s: %w", task.ID, err)
	}

	task.Status = structs.TaskStatusRunning
	task.StartedAt = &now
	task.UpdatedAt = now
	return &task, nil
}

func (s *SQLStateDB) RevertClaim(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		structs.TaskStatusPending, s.now(), id, structs.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to revert claim of task %s: %w", id, err)
	}
	return nil
}

func (s *SQLStateDB) MarkTaskTerminal(ctx context.Context, id, status, errMsg string, percent int, info []byte) error {
	if !structs.TerminalStatus(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}
	if status == structs.TaskStatusCompleted && percent < 100 {
		percent = 100
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error_message = ?,
			progress_percent = MAX(progress_percent, ?),
			progress_info = COALESCE(?, progress_info),
			completed_at = ?, updated_at = ?
		WHERE id = ?`,
		status, errMsg, percent, info, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to finalize task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return structs.ErrTaskNotFound
	}
	return nil
}

func (s *SQLStateDB) UpdateTaskProgress(ctx context.Context, id string, percent int, info []byte) error {
	// Stale writes (older than the persisted percent) are dropped; the
	// running guard keeps late publishes off terminal rows.
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET progress_percent = ?, progress_info = COALESCE(?, progress_info), updated_at = ?
		WHERE id = ? AND status = ? AND progress_percent <= ?`,
		percent, info, s.now(), id, structs.TaskStatusRunning, percent)
	if err != nil {
		return fmt.Errorf("failed to update progress of task %s: %w", id, err)
	}
	return nil
}

func (s *SQLStateDB) CancelTask(ctx context.Context, id string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		structs.TaskStatusCancelled, now, now, id, structs.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return &structs.ErrTaskNotCancellable{ID: id, CurrentStatus: task.Status}
}

func (s *SQLStateDB) CancelPendingTasksForTarget(ctx context.Context, target string) (int, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?
		WHERE target = ? AND status = ?`,
		structs.TaskStatusCancelled, now, now, target, structs.TaskStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending tasks for %s: %w", target, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStateDB) FailRunningTasks(ctx context.Context, errMsg string) (int, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE status = ?`,
		structs.TaskStatusFailed, errMsg, now, now, structs.TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to fail running tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStateDB) RunningTasks(ctx context.Context, operation string) ([]*structs.Task, error) {
	query := `SELECT * FROM tasks WHERE status = ?`
	args := []interface{}{structs.TaskStatusRunning}
	if operation != "" {
		query += ` AND operation = ?`
		args = append(args, operation)
	}

	tasks := []*structs.Task{}
	if err := s.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list running tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLStateDB) DestroyTerminalTasksOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN (?, ?, ?) AND created_at < ?`,
		structs.TaskStatusCompleted, structs.TaskStatusFailed, structs.TaskStatusCancelled,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to destroy old tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
