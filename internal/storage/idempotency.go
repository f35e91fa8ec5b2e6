package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quickwind/workflow/pkg/types"
)

// GetIdempotencyRecord looks up a ledger row by scope and key.
func (s *Storage) GetIdempotencyRecord(ctx context.Context, tenantID string, scope types.IdempotencyScope, key string) (*types.IdempotencyRecord, error) {
	var model IdempotencyRecordModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND scope = ? AND key = ?", tenantID, string(scope), key).
		First(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return idempotencyFromModel(&model), nil
}

// PutIdempotencyRecord inserts a ledger row. If a concurrent request won the
// unique constraint race, the stored winner is returned with ErrDuplicateKey
// so the caller can replay it instead.
func (s *Storage) PutIdempotencyRecord(ctx context.Context, rec *types.IdempotencyRecord) (*types.IdempotencyRecord, error) {
	model := &IdempotencyRecordModel{
		TenantID:    rec.TenantID,
		Scope:       string(rec.Scope),
		Key:         rec.Key,
		Fingerprint: rec.Fingerprint,
		TaskID:      rec.TaskID,
		Response:    []byte(rec.Response),
	}
	err := s.db.WithContext(ctx).Create(model).Error
	if err != nil {
		if isUniqueViolation(err) {
			stored, lookupErr := s.GetIdempotencyRecord(ctx, rec.TenantID, rec.Scope, rec.Key)
			if lookupErr != nil {
				return nil, fmt.Errorf("reread idempotency record after conflict: %w", lookupErr)
			}
			return stored, ErrDuplicateKey
		}
		return nil, fmt.Errorf("put idempotency record: %w", err)
	}
	rec.ID = model.ID
	rec.CreatedAt = model.CreatedAt
	return rec, nil
}

func idempotencyFromModel(m *IdempotencyRecordModel) *types.IdempotencyRecord {
	return &types.IdempotencyRecord{
		ID:          m.ID,
		TenantID:    m.TenantID,
		Scope:       types.IdempotencyScope(m.Scope),
		Key:         m.Key,
		Fingerprint: m.Fingerprint,
		TaskID:      m.TaskID,
		Response:    json.RawMessage(m.Response),
		CreatedAt:   m.CreatedAt,
	}
}
