package types

import (
	"encoding/json"
	"time"
)

// UserTaskStatus enumerates user task lifecycle states.
type UserTaskStatus string

const (
	UserTaskStatusActive    UserTaskStatus = "active"
	UserTaskStatusCompleted UserTaskStatus = "completed"
	UserTaskStatusCancelled UserTaskStatus = "cancelled"
)

// ServiceTaskStatus enumerates service task lifecycle states. A task is
// created pending when a token parks at its element; sync invocation moves it
// straight to completed or back to pending on failure, async invocation moves
// it to waiting until the callback arrives.
type ServiceTaskStatus string

const (
	ServiceTaskStatusPending   ServiceTaskStatus = "pending"
	ServiceTaskStatusInvoked   ServiceTaskStatus = "invoked"
	ServiceTaskStatusWaiting   ServiceTaskStatus = "waiting"
	ServiceTaskStatusCompleted ServiceTaskStatus = "completed"
	ServiceTaskStatusFailed    ServiceTaskStatus = "failed"
	ServiceTaskStatusCancelled ServiceTaskStatus = "cancelled"
)

// ExecutionMode selects how a service task is invoked.
type ExecutionMode string

const (
	ExecutionModeSync  ExecutionMode = "sync"
	ExecutionModeAsync ExecutionMode = "async"
)

// UserTask is a human work item parked at a user-task element. One record
// exists per (instance, element); the record is the unit the complete
// operation targets.
type UserTask struct {
	ID          string          `json:"id" db:"id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	InstanceID  string          `json:"instance_id" db:"instance_id"`
	ElementID   string          `json:"element_id" db:"element_id"`
	Name        string          `json:"name" db:"name"`
	Status      UserTaskStatus  `json:"status" db:"status"`
	Actor       *string         `json:"actor,omitempty" db:"actor"`
	Action      *string         `json:"action,omitempty" db:"action"`
	Result      json.RawMessage `json:"result,omitempty" db:"result"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// ServiceTask is an automated work item parked at a service-task element.
type ServiceTask struct {
	ID              string            `json:"id" db:"id"`
	TenantID        string            `json:"tenant_id" db:"tenant_id"`
	InstanceID      string            `json:"instance_id" db:"instance_id"`
	ElementID       string            `json:"element_id" db:"element_id"`
	Name            string            `json:"name" db:"name"`
	Status          ServiceTaskStatus `json:"status" db:"status"`
	ExecutionMode   ExecutionMode     `json:"execution_mode,omitempty" db:"execution_mode"`
	CatalogEntryID  *string           `json:"catalog_entry_id,omitempty" db:"catalog_entry_id"`
	CatalogTaskID   *string           `json:"catalog_task_id,omitempty" db:"catalog_task_id"`
	RequestPayload  json.RawMessage   `json:"request_payload,omitempty" db:"request_payload"`
	ResponsePayload json.RawMessage   `json:"response_payload,omitempty" db:"response_payload"`
	LastError       *string           `json:"last_error,omitempty" db:"last_error"`
	StartedAt       *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
}

// UserTaskFilter describes supported filters for user task inbox queries.
type UserTaskFilter struct {
	InstanceID *string
	Status     *UserTaskStatus
	Limit      int
	Offset     int
}

// ServiceTaskFilter describes supported filters for service task queries.
type ServiceTaskFilter struct {
	InstanceID *string
	Status     *ServiceTaskStatus
	Limit      int
	Offset     int
}

// IdempotencyScope namespaces ledger keys per operation family so the same
// client key may be reused across different operations without collision.
type IdempotencyScope string

const (
	IdempotencyScopeUserTaskComplete    IdempotencyScope = "user-task-complete"
	IdempotencyScopeServiceTaskCallback IdempotencyScope = "service-task-callback"
)

// IdempotencyRecord is one ledger row. The fingerprint is a SHA-256 digest of
// the canonicalized request; a replay with a matching fingerprint returns the
// stored response byte-for-byte, a mismatch is a conflict.
type IdempotencyRecord struct {
	ID          int64            `json:"id" db:"id"`
	TenantID    string           `json:"tenant_id" db:"tenant_id"`
	Scope       IdempotencyScope `json:"scope" db:"scope"`
	Key         string           `json:"key" db:"key"`
	Fingerprint string           `json:"fingerprint" db:"fingerprint"`
	TaskID      string           `json:"task_id" db:"task_id"`
	Response    json.RawMessage  `json:"response" db:"response"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}
