package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quickwind/workflow/pkg/types"
)

// HashAPIKey produces the stored digest of a raw tenant API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateTenant registers a tenant and its first API key. The raw key is
// stored on the tenant as the callback secret and only its hash is kept in
// the key table.
func (s *Storage) CreateTenant(ctx context.Context, name, slug, rawKey string) (*types.Tenant, error) {
	model := &TenantModel{
		ID:             uuid.New().String(),
		Name:           name,
		Slug:           slug,
		CallbackSecret: rawKey,
	}
	keyModel := &TenantAPIKeyModel{
		ID:       uuid.New().String(),
		TenantID: model.ID,
		Name:     "default",
		KeyHash:  HashAPIKey(rawKey),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		return tx.Create(keyModel).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create tenant %s: %w", slug, ErrDuplicateKey)
		}
		return nil, fmt.Errorf("create tenant %s: %w", slug, err)
	}
	return tenantFromModel(model), nil
}

// AuthenticateAPIKey resolves a raw API key to its tenant.
func (s *Storage) AuthenticateAPIKey(ctx context.Context, rawKey string) (*types.Tenant, error) {
	var key TenantAPIKeyModel
	err := s.db.WithContext(ctx).Where("key_hash = ?", HashAPIKey(rawKey)).First(&key).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("look up api key: %w", err)
	}
	return s.GetTenant(ctx, key.TenantID)
}

// GetTenant fetches a tenant by id.
func (s *Storage) GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error) {
	var model TenantModel
	err := s.db.WithContext(ctx).Where("id = ?", tenantID).First(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tenant %s: %w", tenantID, err)
	}
	return tenantFromModel(&model), nil
}

func tenantFromModel(m *TenantModel) *types.Tenant {
	return &types.Tenant{
		ID:             m.ID,
		Name:           m.Name,
		Slug:           m.Slug,
		CallbackSecret: m.CallbackSecret,
		CreatedAt:      m.CreatedAt,
	}
}
