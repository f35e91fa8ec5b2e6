package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quickwind/workflow/pkg/types"
)

// CatalogRegistration is the upsert payload for one capability and its
// invokable service tasks.
type CatalogRegistration struct {
	ExternalID string
	Name       string
	Category   string
	ServiceURL string
	Tasks      []CatalogTaskRegistration
}

// CatalogTaskRegistration is one invokable operation under an entry. An
// empty URL falls back to the entry's service URL.
type CatalogTaskRegistration struct {
	ExternalID string
	Name       string
	URL        string
}

// UpsertCatalogEntry registers or refreshes a capability and replaces its
// service task set.
func (s *Storage) UpsertCatalogEntry(ctx context.Context, tenantID string, reg CatalogRegistration) (*types.CatalogEntry, error) {
	var entry CatalogEntryModel

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("tenant_id = ? AND external_id = ?", tenantID, reg.ExternalID).First(&entry).Error
		switch {
		case notFound(err):
			entry = CatalogEntryModel{
				ID:         uuid.New().String(),
				TenantID:   tenantID,
				ExternalID: reg.ExternalID,
				Name:       reg.Name,
				Category:   reg.Category,
				ServiceURL: reg.ServiceURL,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("create catalog entry: %w", err)
			}
		case err != nil:
			return fmt.Errorf("look up catalog entry: %w", err)
		default:
			updates := map[string]any{
				"name":        reg.Name,
				"category":    reg.Category,
				"service_url": reg.ServiceURL,
			}
			if err := tx.Model(&entry).Updates(updates).Error; err != nil {
				return fmt.Errorf("update catalog entry: %w", err)
			}
		}

		if err := tx.Where("catalog_entry_id = ?", entry.ID).Delete(&CatalogServiceTaskModel{}).Error; err != nil {
			return fmt.Errorf("replace catalog tasks: %w", err)
		}
		for _, taskReg := range reg.Tasks {
			url := taskReg.URL
			if url == "" {
				url = reg.ServiceURL
			}
			task := &CatalogServiceTaskModel{
				ID:              uuid.New().String(),
				TenantID:        tenantID,
				CatalogEntryID:  entry.ID,
				EntryExternalID: reg.ExternalID,
				ExternalID:      taskReg.ExternalID,
				Name:            taskReg.Name,
				URL:             url,
			}
			if err := tx.Create(task).Error; err != nil {
				return fmt.Errorf("create catalog task %s: %w", taskReg.ExternalID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return catalogEntryFromModel(&entry), nil
}

// ListCatalogEntries returns the tenant's registered capabilities.
func (s *Storage) ListCatalogEntries(ctx context.Context, tenantID string) ([]*types.CatalogEntry, error) {
	var models []CatalogEntryModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("external_id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list catalog entries: %w", err)
	}
	out := make([]*types.CatalogEntry, 0, len(models))
	for i := range models {
		out = append(out, catalogEntryFromModel(&models[i]))
	}
	return out, nil
}

// ListCatalogTasks returns the invokable tasks under one entry external id.
func (s *Storage) ListCatalogTasks(ctx context.Context, tenantID, entryExternalID string) ([]*types.CatalogServiceTask, error) {
	var models []CatalogServiceTaskModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND entry_external_id = ?", tenantID, entryExternalID).
		Order("external_id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list catalog tasks: %w", err)
	}
	out := make([]*types.CatalogServiceTask, 0, len(models))
	for i := range models {
		out = append(out, catalogTaskFromModel(&models[i]))
	}
	return out, nil
}

// ResolveCatalogBinding looks up the invokable task bound to a (catalog
// entry, service task) external id pair.
func (s *Storage) ResolveCatalogBinding(ctx context.Context, tenantID, entryExternalID, taskExternalID string) (*types.CatalogServiceTask, error) {
	var model CatalogServiceTaskModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND entry_external_id = ? AND external_id = ?", tenantID, entryExternalID, taskExternalID).
		First(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve catalog binding %s/%s: %w", entryExternalID, taskExternalID, err)
	}
	return catalogTaskFromModel(&model), nil
}

func catalogEntryFromModel(m *CatalogEntryModel) *types.CatalogEntry {
	return &types.CatalogEntry{
		ID:         m.ID,
		TenantID:   m.TenantID,
		ExternalID: m.ExternalID,
		Name:       m.Name,
		Category:   m.Category,
		ServiceURL: m.ServiceURL,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func catalogTaskFromModel(m *CatalogServiceTaskModel) *types.CatalogServiceTask {
	return &types.CatalogServiceTask{
		ID:              m.ID,
		TenantID:        m.TenantID,
		CatalogEntryID:  m.CatalogEntryID,
		EntryExternalID: m.EntryExternalID,
		ExternalID:      m.ExternalID,
		Name:            m.Name,
		URL:             m.URL,
	}
}
