package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quickwind/workflow/pkg/types"
)

// AppendAuditEvent writes one append-only record. Audit rows are never
// updated or deleted; the autoincrement id is the event order.
func (s *Storage) AppendAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	model := &AuditEventModel{
		TenantID:      event.TenantID,
		InstanceID:    event.InstanceID,
		EventType:     string(event.EventType),
		Actor:         event.Actor,
		CorrelationID: event.CorrelationID,
		BusinessKey:   event.BusinessKey,
		Payload:       []byte(event.Payload),
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	event.ID = model.ID
	event.CreatedAt = model.CreatedAt
	return nil
}

// ListAuditEvents queries the tenant's audit trail in append order.
func (s *Storage) ListAuditEvents(ctx context.Context, tenantID string, filter types.AuditFilter) ([]*types.AuditEvent, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.InstanceID != nil {
		q = q.Where("instance_id = ?", *filter.InstanceID)
	}
	if filter.BusinessKey != nil {
		q = q.Where("business_key = ?", *filter.BusinessKey)
	}
	if filter.EventType != nil {
		q = q.Where("event_type = ?", string(*filter.EventType))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var models []AuditEventModel
	err := q.Order("id ASC").Limit(limit).Offset(filter.Offset).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	out := make([]*types.AuditEvent, 0, len(models))
	for i := range models {
		out = append(out, auditFromModel(&models[i]))
	}
	return out, nil
}

func auditFromModel(m *AuditEventModel) *types.AuditEvent {
	return &types.AuditEvent{
		ID:            m.ID,
		TenantID:      m.TenantID,
		InstanceID:    m.InstanceID,
		EventType:     types.AuditEventType(m.EventType),
		Actor:         m.Actor,
		CorrelationID: m.CorrelationID,
		BusinessKey:   m.BusinessKey,
		Payload:       json.RawMessage(m.Payload),
		CreatedAt:     m.CreatedAt,
	}
}
