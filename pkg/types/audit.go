package types

import (
	"encoding/json"
	"time"
)

// AuditEventType enumerates the append-only audit record kinds.
type AuditEventType string

const (
	AuditDefinitionUpload    AuditEventType = "definition_upload"
	AuditInstanceStart       AuditEventType = "instance_start"
	AuditUserTaskComplete    AuditEventType = "user_task_complete"
	AuditServiceTaskStart    AuditEventType = "service_task_start"
	AuditServiceTaskCallback AuditEventType = "service_task_callback"
	AuditInstanceComplete    AuditEventType = "instance_complete"
	AuditInstanceFail        AuditEventType = "instance_fail"
	AuditInstanceTerminate   AuditEventType = "instance_terminate"
)

// AuditEvent is one append-only audit record. The autoincrement ID doubles as
// the total order of events within a tenant; events are never updated or
// deleted.
type AuditEvent struct {
	ID            int64           `json:"id" db:"id"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	InstanceID    *string         `json:"instance_id,omitempty" db:"instance_id"`
	EventType     AuditEventType  `json:"event_type" db:"event_type"`
	Actor         *string         `json:"actor,omitempty" db:"actor"`
	CorrelationID *string         `json:"correlation_id,omitempty" db:"correlation_id"`
	BusinessKey   *string         `json:"business_key,omitempty" db:"business_key"`
	Payload       json.RawMessage `json:"payload,omitempty" db:"payload"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// AuditFilter describes supported filters for audit queries.
type AuditFilter struct {
	InstanceID  *string
	BusinessKey *string
	EventType   *AuditEventType
	Limit       int
	Offset      int
}
