package storage

import "time"

// GORM models for the workflow schema. They drive AutoMigrate in both
// storage modes; query paths map rows into pkg/types values and never hand
// these structs out of the package.

// TenantModel is the isolation root. CallbackSecret is the tenant's shared
// secret: its SHA-256 hash backs API key lookups and the raw value keys
// inbound callback HMACs.
type TenantModel struct {
	ID             string    `gorm:"column:id;primaryKey"`
	Name           string    `gorm:"column:name;not null"`
	Slug           string    `gorm:"column:slug;not null;uniqueIndex"`
	CallbackSecret string    `gorm:"column:callback_secret;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (TenantModel) TableName() string { return "tenants" }

type TenantAPIKeyModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	TenantID  string    `gorm:"column:tenant_id;not null;index"`
	Name      string    `gorm:"column:name;not null"`
	KeyHash   string    `gorm:"column:key_hash;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (TenantAPIKeyModel) TableName() string { return "tenant_api_keys" }

type WorkflowDefinitionModel struct {
	ID         string    `gorm:"column:id;primaryKey"`
	TenantID   string    `gorm:"column:tenant_id;not null;uniqueIndex:idx_definitions_tenant_key,priority:1"`
	ProcessKey string    `gorm:"column:process_key;not null;uniqueIndex:idx_definitions_tenant_key,priority:2"`
	Name       string    `gorm:"column:name;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (WorkflowDefinitionModel) TableName() string { return "workflow_definitions" }

// DefinitionVersionModel is one immutable BPMN upload. Rows are never
// updated; a re-upload of the same process key creates version N+1.
type DefinitionVersionModel struct {
	ID           string    `gorm:"column:id;primaryKey"`
	TenantID     string    `gorm:"column:tenant_id;not null;index"`
	DefinitionID string    `gorm:"column:definition_id;not null;uniqueIndex:idx_versions_definition_version,priority:1"`
	ProcessKey   string    `gorm:"column:process_key;not null;index"`
	Version      int       `gorm:"column:version;not null;uniqueIndex:idx_versions_definition_version,priority:2"`
	BpmnXML      string    `gorm:"column:bpmn_xml;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (DefinitionVersionModel) TableName() string { return "workflow_definition_versions" }

type WorkflowInstanceModel struct {
	ID            string    `gorm:"column:id;primaryKey"`
	TenantID      string    `gorm:"column:tenant_id;not null;index"`
	ProcessKey    string    `gorm:"column:process_key;not null;index"`
	Version       int       `gorm:"column:version;not null"`
	Status        string    `gorm:"column:status;not null;index"`
	CorrelationID string    `gorm:"column:correlation_id;index"`
	BusinessKey   string    `gorm:"column:business_key;index"`
	Variables     []byte    `gorm:"column:variables"`
	ErrorMessage  *string   `gorm:"column:error_message"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (WorkflowInstanceModel) TableName() string { return "workflow_instances" }

// TokenModel is one live position inside a running instance. ArrivedVia is
// the sequence-flow id the token travelled last; parallel joins read it to
// decide whether every inbound edge has arrived.
type TokenModel struct {
	ID         string    `gorm:"column:id;primaryKey"`
	InstanceID string    `gorm:"column:instance_id;not null;index"`
	ElementID  string    `gorm:"column:element_id;not null;index"`
	ArrivedVia string    `gorm:"column:arrived_via"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (TokenModel) TableName() string { return "workflow_tokens" }

type UserTaskModel struct {
	ID          string     `gorm:"column:id;primaryKey"`
	TenantID    string     `gorm:"column:tenant_id;not null;index"`
	InstanceID  string     `gorm:"column:instance_id;not null;uniqueIndex:idx_user_tasks_instance_element,priority:1"`
	ElementID   string     `gorm:"column:element_id;not null;uniqueIndex:idx_user_tasks_instance_element,priority:2"`
	Name        string     `gorm:"column:name"`
	Status      string     `gorm:"column:status;not null;index"`
	Actor       *string    `gorm:"column:actor"`
	Action      *string    `gorm:"column:action"`
	Result      []byte     `gorm:"column:result"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

func (UserTaskModel) TableName() string { return "user_tasks" }

type ServiceTaskModel struct {
	ID              string     `gorm:"column:id;primaryKey"`
	TenantID        string     `gorm:"column:tenant_id;not null;index"`
	InstanceID      string     `gorm:"column:instance_id;not null;uniqueIndex:idx_service_tasks_instance_element,priority:1"`
	ElementID       string     `gorm:"column:element_id;not null;uniqueIndex:idx_service_tasks_instance_element,priority:2"`
	Name            string     `gorm:"column:name"`
	Status          string     `gorm:"column:status;not null;index"`
	ExecutionMode   string     `gorm:"column:execution_mode"`
	CatalogEntryID  *string    `gorm:"column:catalog_entry_id"`
	CatalogTaskID   *string    `gorm:"column:catalog_task_id"`
	RequestPayload  []byte     `gorm:"column:request_payload"`
	ResponsePayload []byte     `gorm:"column:response_payload"`
	LastError       *string    `gorm:"column:last_error"`
	StartedAt       *time.Time `gorm:"column:started_at"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (ServiceTaskModel) TableName() string { return "service_tasks" }

// IdempotencyRecordModel is one ledger row. The (tenant, scope, key) unique
// index collapses concurrent duplicate submissions to a single winner even
// across processes.
type IdempotencyRecordModel struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	TenantID    string    `gorm:"column:tenant_id;not null;uniqueIndex:idx_idempotency_tenant_scope_key,priority:1"`
	Scope       string    `gorm:"column:scope;not null;uniqueIndex:idx_idempotency_tenant_scope_key,priority:2"`
	Key         string    `gorm:"column:key;not null;uniqueIndex:idx_idempotency_tenant_scope_key,priority:3"`
	Fingerprint string    `gorm:"column:fingerprint;not null"`
	TaskID      string    `gorm:"column:task_id;index"`
	Response    []byte    `gorm:"column:response"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (IdempotencyRecordModel) TableName() string { return "idempotency_records" }

// AuditEventModel is append-only; the autoincrement id orders events.
type AuditEventModel struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	TenantID      string    `gorm:"column:tenant_id;not null;index"`
	InstanceID    *string   `gorm:"column:instance_id;index"`
	EventType     string    `gorm:"column:event_type;not null;index"`
	Actor         *string   `gorm:"column:actor"`
	CorrelationID *string   `gorm:"column:correlation_id"`
	BusinessKey   *string   `gorm:"column:business_key;index"`
	Payload       []byte    `gorm:"column:payload"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime;index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// LockModel is a lease row. The unique key index makes acquisition atomic.
type LockModel struct {
	LockID    string    `gorm:"column:lock_id;primaryKey"`
	Key       string    `gorm:"column:key;not null;uniqueIndex"`
	Holder    string    `gorm:"column:holder;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (LockModel) TableName() string { return "storage_locks" }

type CatalogEntryModel struct {
	ID         string    `gorm:"column:id;primaryKey"`
	TenantID   string    `gorm:"column:tenant_id;not null;uniqueIndex:idx_catalog_tenant_external,priority:1"`
	ExternalID string    `gorm:"column:external_id;not null;uniqueIndex:idx_catalog_tenant_external,priority:2"`
	Name       string    `gorm:"column:name;not null"`
	Category   string    `gorm:"column:category"`
	ServiceURL string    `gorm:"column:service_url;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (CatalogEntryModel) TableName() string { return "catalog_entries" }

type CatalogServiceTaskModel struct {
	ID              string    `gorm:"column:id;primaryKey"`
	TenantID        string    `gorm:"column:tenant_id;not null;index"`
	CatalogEntryID  string    `gorm:"column:catalog_entry_id;not null;uniqueIndex:idx_catalog_tasks_entry_external,priority:1"`
	EntryExternalID string    `gorm:"column:entry_external_id;not null;index"`
	ExternalID      string    `gorm:"column:external_id;not null;uniqueIndex:idx_catalog_tasks_entry_external,priority:2"`
	Name            string    `gorm:"column:name;not null"`
	URL             string    `gorm:"column:url;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (CatalogServiceTaskModel) TableName() string { return "catalog_service_tasks" }
