// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the durable types shared by the task engine, its
// state store, and the operation handlers.
package structs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// TaskStatusPending is the initial status of every created task.
	TaskStatusPending = "pending"

	// TaskStatusRunning is set atomically with StartedAt when the
	// scheduler claims a task.
	TaskStatusRunning = "running"

	// TaskStatusCompleted is the successful terminal status.
	TaskStatusCompleted = "completed"

	// TaskStatusFailed is the terminal status for handler errors,
	// timeouts, panics, and tasks orphaned by a restart.
	TaskStatusFailed = "failed"

	// TaskStatusCancelled is the terminal status for tasks cancelled by a
	// user while still pending.
	TaskStatusCancelled = "cancelled"
)

// ValidTaskStatuses enumerates every status a task row may carry.
var ValidTaskStatuses = []string{
	TaskStatusPending,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
}

// TerminalStatus returns true if the status can never transition again.
func TerminalStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskPriority orders eligible tasks. Higher values win; ties fall back to
// older CreatedAt.
type TaskPriority int

const (
	TaskPriorityBackground TaskPriority = 0
	TaskPriorityLow        TaskPriority = 1
	TaskPriorityMedium     TaskPriority = 2
	TaskPriorityHigh       TaskPriority = 3
	TaskPriorityCritical   TaskPriority = 4
)

func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityBackground:
		return "background"
	case TaskPriorityLow:
		return "low"
	case TaskPriorityMedium:
		return "medium"
	case TaskPriorityHigh:
		return "high"
	case TaskPriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("TaskPriority(%d)", int(p))
	}
}

// Validate returns an error for priorities outside the defined range.
func (p TaskPriority) Validate() error {
	if p < TaskPriorityBackground || p > TaskPriorityCritical {
		return fmt.Errorf("invalid task priority %d", int(p))
	}
	return nil
}

// Task is one scheduled invocation of an operation handler. It is the
// central durable entity; the database row is the source of truth for every
// user visible query.
type Task struct {
	// ID is an opaque unique identifier assigned at creation.
	ID string `db:"id" json:"id"`

	// Operation names a handler in the registry. Immutable.
	Operation string `db:"operation" json:"operation"`

	// Target identifies the subject of the operation, e.g. a zone name or
	// "system". Used only for logging and filtering. Immutable.
	Target string `db:"target" json:"target"`

	Priority TaskPriority `db:"priority" json:"priority"`
	Status   string       `db:"status" json:"status"`

	// DependsOn optionally names a predecessor task. The task is not
	// eligible to run until the predecessor has completed.
	DependsOn *string `db:"depends_on" json:"depends_on,omitempty"`

	// Metadata is an opaque JSON payload interpreted by the handler.
	Metadata []byte `db:"metadata" json:"metadata,omitempty"`

	ProgressPercent int    `db:"progress_percent" json:"progress_percent"`
	ProgressInfo    []byte `db:"progress_info" json:"progress_info,omitempty"`

	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`
	CreatedBy    string `db:"created_by" json:"created_by"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Terminal returns true once the task can never transition again.
func (t *Task) Terminal() bool {
	return TerminalStatus(t.Status)
}

// Copy returns a deep copy of the task.
func (t *Task) Copy() *Task {
	if t == nil {
		return nil
	}
	nt := *t
	if t.DependsOn != nil {
		dep := *t.DependsOn
		nt.DependsOn = &dep
	}
	if t.Metadata != nil {
		nt.Metadata = append([]byte(nil), t.Metadata...)
	}
	if t.ProgressInfo != nil {
		nt.ProgressInfo = append([]byte(nil), t.ProgressInfo...)
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		nt.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		nt.CompletedAt = &ts
	}
	return &nt
}

// TaskSpec is the caller-supplied portion of a task. The engine assigns ID,
// status, and timestamps.
type TaskSpec struct {
	Operation string          `json:"operation"`
	Target    string          `json:"target"`
	Priority  TaskPriority    `json:"priority"`
	DependsOn *string         `json:"depends_on,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedBy string          `json:"created_by"`
}

// Validate checks the spec fields the engine itself owns. Operation
// metadata is opaque here; handlers validate it at dispatch.
func (s *TaskSpec) Validate() error {
	if s.Operation == "" {
		return errors.New("missing task operation")
	}
	if err := s.Priority.Validate(); err != nil {
		return err
	}
	return nil
}

// TaskListFilter narrows List results. Zero values mean "no filter".
type TaskListFilter struct {
	Status      string
	Target      string
	Operation   string
	OperationNE string

	// Since filters on UpdatedAt.
	Since *time.Time

	Limit int
}

// HandlerResult is what an operation handler returns on success. Failures
// are returned as plain errors and mapped to a failed task by the scheduler.
type HandlerResult struct {
	// Message is a free-form human readable summary.
	Message string `json:"message,omitempty"`

	// Extra carries structured, operation specific output.
	Extra map[string]interface{} `json:"extra,omitempty"`

	// CleanupError reports a follow-up reconciliation failure after the
	// host-side action itself succeeded. It never fails the task.
	CleanupError string `json:"cleanup_error,omitempty"`
}

var (
	// ErrTaskNotFound is returned by store lookups for unknown ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrZoneNotFound is returned by zone lookups for unknown names.
	ErrZoneNotFound = errors.New("zone not found")

	// ErrStorageLocationNotFound is returned for unknown storage
	// location ids.
	ErrStorageLocationNotFound = errors.New("storage location not found")

	// ErrArtifactNotFound is returned for unknown artifact ids or paths.
	ErrArtifactNotFound = errors.New("artifact not found")
)

// ErrTaskNotCancellable is returned when cancellation is requested for a
// task that has left the pending state.
type ErrTaskNotCancellable struct {
	ID            string
	CurrentStatus string
}

func (e *ErrTaskNotCancellable) Error() string {
	return fmt.Sprintf("task %s is %s and cannot be cancelled", e.ID, e.CurrentStatus)
}
