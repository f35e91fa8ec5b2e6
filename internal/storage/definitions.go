package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quickwind/workflow/pkg/types"
)

// CreateDefinitionVersion records a validated BPMN upload. The definition
// row is created on first upload of a process key; every upload appends an
// immutable version numbered max+1 within the definition.
func (s *Storage) CreateDefinitionVersion(ctx context.Context, tenantID, processKey, name, bpmnXML string) (*types.DefinitionVersion, error) {
	var created *DefinitionVersionModel

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var def WorkflowDefinitionModel
		err := tx.Where("tenant_id = ? AND process_key = ?", tenantID, processKey).First(&def).Error
		switch {
		case notFound(err):
			def = WorkflowDefinitionModel{
				ID:         uuid.New().String(),
				TenantID:   tenantID,
				ProcessKey: processKey,
				Name:       name,
			}
			if err := tx.Create(&def).Error; err != nil {
				return fmt.Errorf("create definition: %w", err)
			}
		case err != nil:
			return fmt.Errorf("look up definition: %w", err)
		default:
			if name != "" && name != def.Name {
				if err := tx.Model(&def).Update("name", name).Error; err != nil {
					return fmt.Errorf("update definition name: %w", err)
				}
			}
		}

		var maxVersion int
		row := tx.Model(&DefinitionVersionModel{}).
			Where("definition_id = ?", def.ID).
			Select("COALESCE(MAX(version), 0)")
		if err := row.Scan(&maxVersion).Error; err != nil {
			return fmt.Errorf("read latest version: %w", err)
		}

		created = &DefinitionVersionModel{
			ID:           uuid.New().String(),
			TenantID:     tenantID,
			DefinitionID: def.ID,
			ProcessKey:   processKey,
			Version:      maxVersion + 1,
			BpmnXML:      bpmnXML,
		}
		if err := tx.Create(created).Error; err != nil {
			return fmt.Errorf("create definition version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return versionFromModel(created), nil
}

// ListDefinitions returns the tenant's definitions ordered by process key.
func (s *Storage) ListDefinitions(ctx context.Context, tenantID string) ([]*types.WorkflowDefinition, error) {
	var models []WorkflowDefinitionModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("process_key ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defs := make([]*types.WorkflowDefinition, 0, len(models))
	for i := range models {
		defs = append(defs, definitionFromModel(&models[i]))
	}
	return defs, nil
}

// GetDefinition fetches one definition by process key.
func (s *Storage) GetDefinition(ctx context.Context, tenantID, processKey string) (*types.WorkflowDefinition, error) {
	var model WorkflowDefinitionModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND process_key = ?", tenantID, processKey).
		First(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get definition %s: %w", processKey, err)
	}
	return definitionFromModel(&model), nil
}

// ListDefinitionVersions returns all versions of a process key, newest first.
func (s *Storage) ListDefinitionVersions(ctx context.Context, tenantID, processKey string) ([]*types.DefinitionVersion, error) {
	var models []DefinitionVersionModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND process_key = ?", tenantID, processKey).
		Order("version DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list definition versions: %w", err)
	}
	versions := make([]*types.DefinitionVersion, 0, len(models))
	for i := range models {
		versions = append(versions, versionFromModel(&models[i]))
	}
	return versions, nil
}

// GetDefinitionVersion fetches one immutable version including its BPMN XML.
func (s *Storage) GetDefinitionVersion(ctx context.Context, tenantID, processKey string, version int) (*types.DefinitionVersion, error) {
	var model DefinitionVersionModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND process_key = ? AND version = ?", tenantID, processKey, version).
		First(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get definition version %s/%d: %w", processKey, version, err)
	}
	return versionFromModel(&model), nil
}

// LatestDefinitionVersion fetches the highest version of a process key.
func (s *Storage) LatestDefinitionVersion(ctx context.Context, tenantID, processKey string) (*types.DefinitionVersion, error) {
	var model DefinitionVersionModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND process_key = ?", tenantID, processKey).
		Order("version DESC").
		First(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest definition version %s: %w", processKey, err)
	}
	return versionFromModel(&model), nil
}

func definitionFromModel(m *WorkflowDefinitionModel) *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:         m.ID,
		TenantID:   m.TenantID,
		ProcessKey: m.ProcessKey,
		Name:       m.Name,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func versionFromModel(m *DefinitionVersionModel) *types.DefinitionVersion {
	return &types.DefinitionVersion{
		ID:           m.ID,
		TenantID:     m.TenantID,
		DefinitionID: m.DefinitionID,
		ProcessKey:   m.ProcessKey,
		Version:      m.Version,
		BpmnXML:      m.BpmnXML,
		CreatedAt:    m.CreatedAt,
	}
}
