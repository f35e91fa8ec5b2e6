package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/quickwind/workflow/pkg/types"
)

// CreateInstance persists a freshly started instance.
func (s *Storage) CreateInstance(ctx context.Context, inst *types.WorkflowInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	model := &WorkflowInstanceModel{
		ID:            inst.ID,
		TenantID:      inst.TenantID,
		ProcessKey:    inst.ProcessKey,
		Version:       inst.Version,
		Status:        string(inst.Status),
		CorrelationID: inst.CorrelationID,
		BusinessKey:   inst.BusinessKey,
		Variables:     []byte(inst.Variables),
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	inst.CreatedAt = model.CreatedAt
	inst.UpdatedAt = model.UpdatedAt
	return nil
}

// GetInstance fetches one instance scoped to a tenant.
func (s *Storage) GetInstance(ctx context.Context, tenantID, instanceID string) (*types.WorkflowInstance, error) {
	var model WorkflowInstanceModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, instanceID).
		First(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get instance %s: %w", instanceID, err)
	}
	return instanceFromModel(&model), nil
}

// UpdateInstance applies the updater to the current row and writes the
// result back. Callers hold the instance advance lease, so read-modify-write
// is safe here.
func (s *Storage) UpdateInstance(ctx context.Context, tenantID, instanceID string, update func(*types.WorkflowInstance) error) (*types.WorkflowInstance, error) {
	inst, err := s.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	if err := update(inst); err != nil {
		return nil, err
	}

	updates := map[string]any{
		"status":        string(inst.Status),
		"variables":     []byte(inst.Variables),
		"error_message": inst.ErrorMessage,
	}
	err = s.db.WithContext(ctx).
		Model(&WorkflowInstanceModel{}).
		Where("tenant_id = ? AND id = ?", tenantID, instanceID).
		Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("update instance %s: %w", instanceID, err)
	}
	return s.GetInstance(ctx, tenantID, instanceID)
}

// ListInstances queries the tenant's instances, newest first.
func (s *Storage) ListInstances(ctx context.Context, tenantID string, filter types.InstanceFilter) ([]*types.WorkflowInstance, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.ProcessKey != nil {
		q = q.Where("process_key = ?", *filter.ProcessKey)
	}
	if filter.Status != nil {
		q = q.Where("status = ?", string(*filter.Status))
	}
	if filter.BusinessKey != nil {
		q = q.Where("business_key = ?", *filter.BusinessKey)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []WorkflowInstanceModel
	err := q.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]*types.WorkflowInstance, 0, len(models))
	for i := range models {
		out = append(out, instanceFromModel(&models[i]))
	}
	return out, nil
}

// InsertToken adds a live token row.
func (s *Storage) InsertToken(ctx context.Context, tok *types.Token) error {
	if tok.ID == "" {
		tok.ID = uuid.New().String()
	}
	model := &TokenModel{
		ID:         tok.ID,
		InstanceID: tok.InstanceID,
		ElementID:  tok.ElementID,
		ArrivedVia: tok.ArrivedVia,
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	tok.CreatedAt = model.CreatedAt
	return nil
}

// MoveToken repositions a token at a new element, recording the edge it
// travelled.
func (s *Storage) MoveToken(ctx context.Context, tokenID, elementID, arrivedVia string) error {
	res := s.db.WithContext(ctx).
		Model(&TokenModel{}).
		Where("id = ?", tokenID).
		Updates(map[string]any{"element_id": elementID, "arrived_via": arrivedVia})
	if res.Error != nil {
		return fmt.Errorf("move token %s: %w", tokenID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteToken removes one consumed token.
func (s *Storage) DeleteToken(ctx context.Context, tokenID string) error {
	res := s.db.WithContext(ctx).Where("id = ?", tokenID).Delete(&TokenModel{})
	if res.Error != nil {
		return fmt.Errorf("delete token %s: %w", tokenID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteInstanceTokens removes every live token of an instance.
func (s *Storage) DeleteInstanceTokens(ctx context.Context, instanceID string) error {
	err := s.db.WithContext(ctx).Where("instance_id = ?", instanceID).Delete(&TokenModel{}).Error
	if err != nil {
		return fmt.Errorf("delete instance tokens: %w", err)
	}
	return nil
}

// ListTokens returns the instance's live tokens in creation order.
func (s *Storage) ListTokens(ctx context.Context, instanceID string) ([]*types.Token, error) {
	var models []TokenModel
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	out := make([]*types.Token, 0, len(models))
	for i := range models {
		out = append(out, tokenFromModel(&models[i]))
	}
	return out, nil
}

// CountTokens reports the number of live tokens for an instance.
func (s *Storage) CountTokens(ctx context.Context, instanceID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&TokenModel{}).
		Where("instance_id = ?", instanceID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return int(count), nil
}

func instanceFromModel(m *WorkflowInstanceModel) *types.WorkflowInstance {
	return &types.WorkflowInstance{
		ID:            m.ID,
		TenantID:      m.TenantID,
		ProcessKey:    m.ProcessKey,
		Version:       m.Version,
		Status:        types.InstanceStatus(m.Status),
		CorrelationID: m.CorrelationID,
		BusinessKey:   m.BusinessKey,
		Variables:     json.RawMessage(m.Variables),
		ErrorMessage:  m.ErrorMessage,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func tokenFromModel(m *TokenModel) *types.Token {
	return &types.Token{
		ID:         m.ID,
		InstanceID: m.InstanceID,
		ElementID:  m.ElementID,
		ArrivedVia: m.ArrivedVia,
		CreatedAt:  m.CreatedAt,
	}
}
