package types

import (
	"encoding/json"
	"time"
)

// InstanceStatus enumerates the lifecycle states of a workflow instance.
// Completed, Failed and Terminated are terminal: no further transitions are
// accepted once an instance reaches one of them.
type InstanceStatus string

const (
	InstanceStatusRunning    InstanceStatus = "running"
	InstanceStatusCompleted  InstanceStatus = "completed"
	InstanceStatusFailed     InstanceStatus = "failed"
	InstanceStatusTerminated InstanceStatus = "terminated"
)

// Terminal reports whether the status accepts no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusTerminated
}

// WorkflowDefinition groups the immutable versions uploaded under one process key.
type WorkflowDefinition struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	ProcessKey string    `json:"process_key" db:"process_key"`
	Name       string    `json:"name" db:"name"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// DefinitionVersion is one immutable upload of a process definition. A new
// upload for an existing process key always creates a new version row and
// never mutates an earlier one.
type DefinitionVersion struct {
	ID           string    `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	DefinitionID string    `json:"definition_id" db:"definition_id"`
	ProcessKey   string    `json:"process_key" db:"process_key"`
	Version      int       `json:"version" db:"version"`
	BpmnXML      string    `json:"bpmn_xml,omitempty" db:"bpmn_xml"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// WorkflowInstance is a single execution of a definition version.
type WorkflowInstance struct {
	ID            string          `json:"id" db:"id"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	ProcessKey    string          `json:"process_key" db:"process_key"`
	Version       int             `json:"version" db:"version"`
	Status        InstanceStatus  `json:"status" db:"status"`
	CorrelationID string          `json:"correlation_id,omitempty" db:"correlation_id"`
	BusinessKey   string          `json:"business_key,omitempty" db:"business_key"`
	Variables     json.RawMessage `json:"variables,omitempty" db:"variables"`
	ErrorMessage  *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Token marks one concurrently active position inside a running instance.
// Parallel gateways fan out to multiple tokens; a join consumes one token per
// inbound edge before emitting a single token past the gateway. ArrivedVia
// records the sequence-flow edge the token travelled to reach its element,
// which is what lets a join decide whether every inbound path has arrived.
type Token struct {
	ID         string    `json:"id" db:"id"`
	InstanceID string    `json:"instance_id" db:"instance_id"`
	ElementID  string    `json:"element_id" db:"element_id"`
	ArrivedVia string    `json:"arrived_via,omitempty" db:"arrived_via"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// InstanceFilter describes supported filters when querying instances.
type InstanceFilter struct {
	ProcessKey  *string
	Status      *InstanceStatus
	BusinessKey *string
	Limit       int
	Offset      int
}

// Tenant is the isolation boundary every other entity is scoped to. The
// CallbackSecret doubles as the HMAC key for inbound service-task callbacks;
// it is the same secret the tenant authenticates its API key with.
type Tenant struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Slug           string    `json:"slug" db:"slug"`
	CallbackSecret string    `json:"-" db:"callback_secret"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// CatalogEntry is one automation capability registered for a tenant.
type CatalogEntry struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	ExternalID string    `json:"external_id" db:"external_id"`
	Name       string    `json:"name" db:"name"`
	Category   string    `json:"category,omitempty" db:"category"`
	ServiceURL string    `json:"service_url" db:"service_url"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// CatalogServiceTask is an invokable operation beneath a catalog entry. Its
// URL is the endpoint the dispatcher POSTs service-task invocations to.
type CatalogServiceTask struct {
	ID              string `json:"id" db:"id"`
	TenantID        string `json:"tenant_id" db:"tenant_id"`
	CatalogEntryID  string `json:"catalog_entry_id" db:"catalog_entry_id"`
	EntryExternalID string `json:"entry_external_id" db:"entry_external_id"`
	ExternalID      string `json:"external_id" db:"external_id"`
	Name            string `json:"name" db:"name"`
	URL             string `json:"url" db:"url"`
}

// Lock is a lease held on a storage-level key. The engine serializes all
// token advancement for one instance by holding the instance's lease for the
// duration of the advance computation.
type Lock struct {
	LockID    string    `json:"lock_id"`
	Key       string    `json:"key"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}
