package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/quickwind/workflow/pkg/types"
)

// CreateUserTask records a human work item parked at a user-task element.
// A second create for the same (instance, element) returns the existing row
// untouched, which keeps token re-arrival idempotent.
func (s *Storage) CreateUserTask(ctx context.Context, task *types.UserTask) (*types.UserTask, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	model := &UserTaskModel{
		ID:         task.ID,
		TenantID:   task.TenantID,
		InstanceID: task.InstanceID,
		ElementID:  task.ElementID,
		Name:       task.Name,
		Status:     string(task.Status),
	}
	err := s.db.WithContext(ctx).Create(model).Error
	if err != nil {
		if isUniqueViolation(err) {
			return s.userTaskByElement(ctx, task.InstanceID, task.ElementID)
		}
		return nil, fmt.Errorf("create user task: %w", err)
	}
	task.CreatedAt = model.CreatedAt
	return task, nil
}

func (s *Storage) userTaskByElement(ctx context.Context, instanceID, elementID string) (*types.UserTask, error) {
	var model UserTaskModel
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND element_id = ?", instanceID, elementID).
		First(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user task by element: %w", err)
	}
	return userTaskFromModel(&model), nil
}

// GetUserTask fetches one user task scoped to a tenant.
func (s *Storage) GetUserTask(ctx context.Context, tenantID, taskID string) (*types.UserTask, error) {
	var model UserTaskModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, taskID).
		First(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user task %s: %w", taskID, err)
	}
	return userTaskFromModel(&model), nil
}

// UpdateUserTask applies the updater to the current row and writes it back.
func (s *Storage) UpdateUserTask(ctx context.Context, tenantID, taskID string, update func(*types.UserTask) error) (*types.UserTask, error) {
	task, err := s.GetUserTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if err := update(task); err != nil {
		return nil, err
	}
	updates := map[string]any{
		"status":       string(task.Status),
		"actor":        task.Actor,
		"action":       task.Action,
		"result":       []byte(task.Result),
		"completed_at": task.CompletedAt,
	}
	err = s.db.WithContext(ctx).
		Model(&UserTaskModel{}).
		Where("tenant_id = ? AND id = ?", tenantID, taskID).
		Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("update user task %s: %w", taskID, err)
	}
	return s.GetUserTask(ctx, tenantID, taskID)
}

// ListUserTasks queries the tenant's user task inbox.
func (s *Storage) ListUserTasks(ctx context.Context, tenantID string, filter types.UserTaskFilter) ([]*types.UserTask, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.InstanceID != nil {
		q = q.Where("instance_id = ?", *filter.InstanceID)
	}
	if filter.Status != nil {
		q = q.Where("status = ?", string(*filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []UserTaskModel
	err := q.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list user tasks: %w", err)
	}
	out := make([]*types.UserTask, 0, len(models))
	for i := range models {
		out = append(out, userTaskFromModel(&models[i]))
	}
	return out, nil
}

// ListInstanceUserTasks returns every user task of one instance.
func (s *Storage) ListInstanceUserTasks(ctx context.Context, instanceID string) ([]*types.UserTask, error) {
	var models []UserTaskModel
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list instance user tasks: %w", err)
	}
	out := make([]*types.UserTask, 0, len(models))
	for i := range models {
		out = append(out, userTaskFromModel(&models[i]))
	}
	return out, nil
}

// CreateServiceTask records an automated work item parked at a service-task
// element, with the same (instance, element) idempotency as user tasks.
func (s *Storage) CreateServiceTask(ctx context.Context, task *types.ServiceTask) (*types.ServiceTask, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	model := &ServiceTaskModel{
		ID:             task.ID,
		TenantID:       task.TenantID,
		InstanceID:     task.InstanceID,
		ElementID:      task.ElementID,
		Name:           task.Name,
		Status:         string(task.Status),
		CatalogEntryID: task.CatalogEntryID,
		CatalogTaskID:  task.CatalogTaskID,
	}
	err := s.db.WithContext(ctx).Create(model).Error
	if err != nil {
		if isUniqueViolation(err) {
			return s.serviceTaskByElement(ctx, task.InstanceID, task.ElementID)
		}
		return nil, fmt.Errorf("create service task: %w", err)
	}
	task.CreatedAt = model.CreatedAt
	return task, nil
}

func (s *Storage) serviceTaskByElement(ctx context.Context, instanceID, elementID string) (*types.ServiceTask, error) {
	var model ServiceTaskModel
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND element_id = ?", instanceID, elementID).
		First(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get service task by element: %w", err)
	}
	return serviceTaskFromModel(&model), nil
}

// GetServiceTask fetches one service task scoped to a tenant.
func (s *Storage) GetServiceTask(ctx context.Context, tenantID, taskID string) (*types.ServiceTask, error) {
	var model ServiceTaskModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, taskID).
		First(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get service task %s: %w", taskID, err)
	}
	return serviceTaskFromModel(&model), nil
}

// GetServiceTaskByID fetches a service task without tenant scoping. The
// callback route authenticates by HMAC, not API key, so the tenant is only
// known after the task row resolves.
func (s *Storage) GetServiceTaskByID(ctx context.Context, taskID string) (*types.ServiceTask, error) {
	var model ServiceTaskModel
	err := s.db.WithContext(ctx).Where("id = ?", taskID).First(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get service task %s: %w", taskID, err)
	}
	return serviceTaskFromModel(&model), nil
}

// UpdateServiceTask applies the updater to the current row and writes it back.
func (s *Storage) UpdateServiceTask(ctx context.Context, tenantID, taskID string, update func(*types.ServiceTask) error) (*types.ServiceTask, error) {
	task, err := s.GetServiceTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if err := update(task); err != nil {
		return nil, err
	}
	updates := map[string]any{
		"status":           string(task.Status),
		"execution_mode":   string(task.ExecutionMode),
		"catalog_entry_id": task.CatalogEntryID,
		"catalog_task_id":  task.CatalogTaskID,
		"request_payload":  []byte(task.RequestPayload),
		"response_payload": []byte(task.ResponsePayload),
		"last_error":       task.LastError,
		"started_at":       task.StartedAt,
		"completed_at":     task.CompletedAt,
	}
	err = s.db.WithContext(ctx).
		Model(&ServiceTaskModel{}).
		Where("tenant_id = ? AND id = ?", tenantID, taskID).
		Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("update service task %s: %w", taskID, err)
	}
	return s.GetServiceTask(ctx, tenantID, taskID)
}

// ListServiceTasks queries the tenant's service tasks.
func (s *Storage) ListServiceTasks(ctx context.Context, tenantID string, filter types.ServiceTaskFilter) ([]*types.ServiceTask, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.InstanceID != nil {
		q = q.Where("instance_id = ?", *filter.InstanceID)
	}
	if filter.Status != nil {
		q = q.Where("status = ?", string(*filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []ServiceTaskModel
	err := q.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list service tasks: %w", err)
	}
	out := make([]*types.ServiceTask, 0, len(models))
	for i := range models {
		out = append(out, serviceTaskFromModel(&models[i]))
	}
	return out, nil
}

// ListInstanceServiceTasks returns every service task of one instance.
func (s *Storage) ListInstanceServiceTasks(ctx context.Context, instanceID string) ([]*types.ServiceTask, error) {
	var models []ServiceTaskModel
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list instance service tasks: %w", err)
	}
	out := make([]*types.ServiceTask, 0, len(models))
	for i := range models {
		out = append(out, serviceTaskFromModel(&models[i]))
	}
	return out, nil
}

func userTaskFromModel(m *UserTaskModel) *types.UserTask {
	return &types.UserTask{
		ID:          m.ID,
		TenantID:    m.TenantID,
		InstanceID:  m.InstanceID,
		ElementID:   m.ElementID,
		Name:        m.Name,
		Status:      types.UserTaskStatus(m.Status),
		Actor:       m.Actor,
		Action:      m.Action,
		Result:      json.RawMessage(m.Result),
		CreatedAt:   m.CreatedAt,
		CompletedAt: m.CompletedAt,
	}
}

func serviceTaskFromModel(m *ServiceTaskModel) *types.ServiceTask {
	return &types.ServiceTask{
		ID:              m.ID,
		TenantID:        m.TenantID,
		InstanceID:      m.InstanceID,
		ElementID:       m.ElementID,
		Name:            m.Name,
		Status:          types.ServiceTaskStatus(m.Status),
		ExecutionMode:   types.ExecutionMode(m.ExecutionMode),
		CatalogEntryID:  m.CatalogEntryID,
		CatalogTaskID:   m.CatalogTaskID,
		RequestPayload:  json.RawMessage(m.RequestPayload),
		ResponsePayload: json.RawMessage(m.ResponsePayload),
		LastError:       m.LastError,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		CreatedAt:       m.CreatedAt,
	}
}
