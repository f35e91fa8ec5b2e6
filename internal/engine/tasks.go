package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quickwind/workflow/internal/events"
	"github.com/quickwind/workflow/internal/graph"
	"github.com/quickwind/workflow/internal/logger"
	"github.com/quickwind/workflow/internal/storage"
	"github.com/quickwind/workflow/pkg/types"
)

func isStorageNotFound(err error) bool  { return errors.Is(err, storage.ErrNotFound) }
func isStorageDuplicate(err error) bool { return errors.Is(err, storage.ErrDuplicateKey) }

// CompleteUserTaskRequest is the body of a user task completion.
type CompleteUserTaskRequest struct {
	Actor  string         `json:"actor"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

// fingerprint digests a canonical encoding of the request. encoding/json
// sorts map keys, so semantically equal payloads digest identically.
func fingerprint(parts ...any) string {
	h := sha256.New()
	for _, part := range parts {
		switch v := part.(type) {
		case []byte:
			h.Write(v)
		case string:
			h.Write([]byte(v))
		default:
			encoded, _ := json.Marshal(v)
			h.Write(encoded)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CompleteUserTask records a decision on an active user task and resumes
// the instance. With an idempotency key, a replay of the same request
// returns the stored response byte-for-byte; a replay with a different
// request is a conflict.
func (e *Engine) CompleteUserTask(ctx context.Context, tenant *types.Tenant, taskID, idemKey string, req CompleteUserTaskRequest) (json.RawMessage, error) {
	task, err := e.store.GetUserTask(ctx, tenant.ID, taskID)
	if err != nil {
		return nil, mapStorageErr(err)
	}

	release, err := e.lockInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	fp := fingerprint(task.ID, req.Actor, req.Action, req.Data)
	if idemKey != "" {
		stored, err := e.store.GetIdempotencyRecord(ctx, tenant.ID, types.IdempotencyScopeUserTaskComplete, idemKey)
		if err == nil {
			if stored.Fingerprint != fp {
				return nil, fmt.Errorf("key %s: %w", idemKey, ErrIdempotencyConflict)
			}
			return stored.Response, nil
		}
		if !errors.Is(err, ErrNotFound) && !isStorageNotFound(err) {
			return nil, mapStorageErr(err)
		}
	}

	inst, err := e.store.GetInstance(ctx, tenant.ID, task.InstanceID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	if inst.Status != types.InstanceStatusRunning {
		return nil, fmt.Errorf("instance %s is %s: %w", inst.ID, inst.Status, ErrInstanceNotRunning)
	}
	if task.Status != types.UserTaskStatusActive {
		return nil, fmt.Errorf("user task %s is %s: %w", task.ID, task.Status, ErrTaskNotActive)
	}

	resultJSON, err := json.Marshal(req.Data)
	if err != nil {
		return nil, fmt.Errorf("encode task result: %w", err)
	}
	completedAt := time.Now().UTC()
	task, err = e.store.UpdateUserTask(ctx, tenant.ID, task.ID, func(t *types.UserTask) error {
		t.Status = types.UserTaskStatusCompleted
		t.Actor = &req.Actor
		t.Action = &req.Action
		t.Result = resultJSON
		t.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return nil, mapStorageErr(err)
	}

	var actorPtr *string
	if req.Actor != "" {
		actorPtr = &req.Actor
	}
	if err := e.appendInstanceAudit(ctx, inst, types.AuditUserTaskComplete, actorPtr, map[string]any{
		"task_id":    task.ID,
		"element_id": task.ElementID,
		"action":     req.Action,
	}); err != nil {
		return nil, err
	}

	if err := e.mergeVariables(ctx, inst, req.Data); err != nil {
		return nil, err
	}

	g, err := e.instanceGraph(ctx, tenant, inst)
	if err != nil {
		return nil, err
	}
	if err := e.resumeAfterTask(ctx, g, inst, task.ElementID); err != nil {
		return nil, err
	}

	response, _ := json.Marshal(map[string]any{
		"status":      "completed",
		"task_id":     task.ID,
		"instance_id": inst.ID,
	})
	if idemKey != "" {
		response, err = e.recordLedger(ctx, tenant.ID, types.IdempotencyScopeUserTaskComplete, idemKey, fp, task.ID, response)
		if err != nil {
			return nil, err
		}
	}

	e.bus.Publish(events.Event{
		Type:       events.EventUserTaskCompleted,
		TenantID:   tenant.ID,
		InstanceID: inst.ID,
		TaskID:     task.ID,
		Payload:    map[string]any{"action": req.Action},
	})
	return response, nil
}

// StartServiceTaskRequest is the body of a service task start.
type StartServiceTaskRequest struct {
	CatalogEntryID string         `json:"catalog_entry_id"`
	ServiceTaskID  string         `json:"service_task_id"`
	ExecutionMode  string         `json:"execution_mode"`
	Payload        map[string]any `json:"payload"`
}

// StartServiceTask resolves the task's catalog binding and invokes it.
// Sync invocations complete the task and advance in-line; a sync failure
// leaves the task pending with the error recorded, so a retry is just
// another start. Async invocations park the task waiting for the signed
// callback.
func (e *Engine) StartServiceTask(ctx context.Context, tenant *types.Tenant, taskID string, req StartServiceTaskRequest) (json.RawMessage, error) {
	task, err := e.store.GetServiceTask(ctx, tenant.ID, taskID)
	if err != nil {
		return nil, mapStorageErr(err)
	}

	release, err := e.lockInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	inst, err := e.store.GetInstance(ctx, tenant.ID, task.InstanceID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	if inst.Status != types.InstanceStatusRunning {
		return nil, fmt.Errorf("instance %s is %s: %w", inst.ID, inst.Status, ErrInstanceNotRunning)
	}
	if task.Status != types.ServiceTaskStatusPending && task.Status != types.ServiceTaskStatusFailed {
		return nil, fmt.Errorf("service task %s is %s: %w", task.ID, task.Status, ErrTaskNotActive)
	}

	binding, err := e.resolveBinding(ctx, tenant, task, req)
	if err != nil {
		return nil, err
	}

	mode := types.ExecutionModeSync
	if req.ExecutionMode == string(types.ExecutionModeAsync) {
		mode = types.ExecutionModeAsync
	}

	invocation, err := json.Marshal(map[string]any{
		"catalog_entry_id": binding.EntryExternalID,
		"service_task_id":  binding.ExternalID,
		"payload":          req.Payload,
		"context": map[string]any{
			"instance_id":    inst.ID,
			"task_id":        task.ID,
			"correlation_id": inst.CorrelationID,
			"business_key":   inst.BusinessKey,
			"execution_mode": string(mode),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode invocation payload: %w", err)
	}

	if err := e.appendInstanceAudit(ctx, inst, types.AuditServiceTaskStart, nil, map[string]any{
		"task_id":          task.ID,
		"element_id":       task.ElementID,
		"catalog_entry_id": binding.EntryExternalID,
		"service_task_id":  binding.ExternalID,
		"execution_mode":   string(mode),
	}); err != nil {
		return nil, err
	}

	startedAt := time.Now().UTC()
	task, err = e.store.UpdateServiceTask(ctx, tenant.ID, task.ID, func(t *types.ServiceTask) error {
		if mode == types.ExecutionModeAsync {
			t.Status = types.ServiceTaskStatusWaiting
		} else {
			t.Status = types.ServiceTaskStatusInvoked
		}
		t.ExecutionMode = mode
		t.CatalogEntryID = &binding.EntryExternalID
		t.CatalogTaskID = &binding.ExternalID
		t.RequestPayload = invocation
		t.StartedAt = &startedAt
		t.LastError = nil
		return nil
	})
	if err != nil {
		return nil, mapStorageErr(err)
	}
	e.bus.Publish(events.Event{
		Type:       events.EventServiceTaskStarted,
		TenantID:   tenant.ID,
		InstanceID: inst.ID,
		TaskID:     task.ID,
		Payload:    map[string]any{"execution_mode": string(mode)},
	})

	if mode == types.ExecutionModeAsync {
		e.dispatcher.DispatchAsync(binding.URL, invocation, inst.ID, task.ID)
		response, _ := json.Marshal(map[string]any{
			"status":         "waiting",
			"execution_mode": string(types.ExecutionModeAsync),
			"task_id":        task.ID,
		})
		return response, nil
	}
	return e.invokeSync(ctx, tenant, inst, task, binding.URL, invocation)
}

func (e *Engine) invokeSync(ctx context.Context, tenant *types.Tenant, inst *types.WorkflowInstance, task *types.ServiceTask, url string, invocation []byte) (json.RawMessage, error) {
	invokeCtx, cancel := context.WithTimeout(ctx, e.cfg.SyncInvokeTimeout)
	defer cancel()

	body, invokeErr := e.dispatcher.Invoke(invokeCtx, url, invocation)
	if invokeErr != nil {
		// Retryable: the task returns to pending with the failure
		// recorded and the instance stays running.
		msg := invokeErr.Error()
		if _, err := e.store.UpdateServiceTask(ctx, tenant.ID, task.ID, func(t *types.ServiceTask) error {
			t.Status = types.ServiceTaskStatusPending
			t.LastError = &msg
			return nil
		}); err != nil {
			return nil, mapStorageErr(err)
		}
		logger.Logger.Warn().
			Err(invokeErr).
			Str("task_id", task.ID).
			Str("instance_id", inst.ID).
			Msg("Sync service task invocation failed")
		return nil, fmt.Errorf("invoke service task %s: %w", task.ID, ErrServiceTaskTimeout)
	}

	data := extractResultData(body)
	resultJSON, _ := json.Marshal(data)
	completedAt := time.Now().UTC()
	task, err := e.store.UpdateServiceTask(ctx, tenant.ID, task.ID, func(t *types.ServiceTask) error {
		t.Status = types.ServiceTaskStatusCompleted
		t.ResponsePayload = resultJSON
		t.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return nil, mapStorageErr(err)
	}

	if err := e.mergeVariables(ctx, inst, data); err != nil {
		return nil, err
	}
	g, err := e.instanceGraph(ctx, tenant, inst)
	if err != nil {
		return nil, err
	}
	if err := e.resumeAfterTask(ctx, g, inst, task.ElementID); err != nil {
		return nil, err
	}
	e.bus.Publish(events.Event{
		Type:       events.EventServiceTaskFinished,
		TenantID:   tenant.ID,
		InstanceID: inst.ID,
		TaskID:     task.ID,
		Payload:    map[string]any{"status": string(types.ServiceTaskStatusCompleted)},
	})

	response, _ := json.Marshal(map[string]any{
		"status":         "completed",
		"execution_mode": string(types.ExecutionModeSync),
		"task_id":        task.ID,
	})
	return response, nil
}

// extractResultData pulls the variables to merge from a sync response
// body. A "data" object wins; otherwise the whole top-level object is
// merged. Non-object bodies contribute nothing.
func extractResultData(body []byte) map[string]any {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return map[string]any{}
	}
	if nested, ok := decoded["data"].(map[string]any); ok {
		return nested
	}
	return decoded
}

// resolveBinding finds the catalog task to invoke, preferring explicit
// request ids over placeholders recorded on the task from the definition.
// Explicit ids that contradict a recorded binding are a conflict.
func (e *Engine) resolveBinding(ctx context.Context, tenant *types.Tenant, task *types.ServiceTask, req StartServiceTaskRequest) (*types.CatalogServiceTask, error) {
	entryID := req.CatalogEntryID
	taskExtID := req.ServiceTaskID

	if entryID != "" && task.CatalogEntryID != nil && *task.CatalogEntryID != entryID {
		return nil, fmt.Errorf("entry %s does not match recorded %s: %w", entryID, *task.CatalogEntryID, ErrCatalogBindingConflict)
	}
	if taskExtID != "" && task.CatalogTaskID != nil && *task.CatalogTaskID != taskExtID {
		return nil, fmt.Errorf("task %s does not match recorded %s: %w", taskExtID, *task.CatalogTaskID, ErrCatalogBindingConflict)
	}
	if entryID == "" && task.CatalogEntryID != nil {
		entryID = *task.CatalogEntryID
	}
	if taskExtID == "" && task.CatalogTaskID != nil {
		taskExtID = *task.CatalogTaskID
	}
	if entryID == "" || taskExtID == "" {
		return nil, fmt.Errorf("service task %s: %w", task.ID, ErrMissingCatalogBinding)
	}

	binding, err := e.store.ResolveCatalogBinding(ctx, tenant.ID, entryID, taskExtID)
	if err != nil {
		if isStorageNotFound(err) {
			return nil, fmt.Errorf("catalog binding %s/%s: %w", entryID, taskExtID, ErrMissingCatalogBinding)
		}
		return nil, mapStorageErr(err)
	}
	return binding, nil
}

// callbackBody is the verified callback payload shape.
type callbackBody struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data"`
	Error  string         `json:"error"`
}

// HandleServiceTaskCallback processes an async completion. The signature is
// verified before anything else touches state: a rejected callback leaves no
// trace in the ledger or the audit log.
func (e *Engine) HandleServiceTaskCallback(ctx context.Context, taskID, idemKey, timestamp, signature string, rawBody []byte) (json.RawMessage, error) {
	task, err := e.store.GetServiceTaskByID(ctx, taskID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	tenant, err := e.store.GetTenant(ctx, task.TenantID)
	if err != nil {
		return nil, mapStorageErr(err)
	}

	if err := VerifyCallback(tenant.CallbackSecret, rawBody, timestamp, signature, time.Now(), e.cfg.CallbackTolerance); err != nil {
		return nil, err
	}

	release, err := e.lockInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	fp := fingerprint(task.ID, rawBody, timestamp)
	if idemKey != "" {
		stored, err := e.store.GetIdempotencyRecord(ctx, tenant.ID, types.IdempotencyScopeServiceTaskCallback, idemKey)
		if err == nil {
			if stored.Fingerprint != fp {
				return nil, fmt.Errorf("key %s: %w", idemKey, ErrIdempotencyConflict)
			}
			return stored.Response, nil
		}
		if !errors.Is(err, ErrNotFound) && !isStorageNotFound(err) {
			return nil, mapStorageErr(err)
		}
	}

	inst, err := e.store.GetInstance(ctx, tenant.ID, task.InstanceID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	if inst.Status != types.InstanceStatusRunning {
		return nil, fmt.Errorf("instance %s is %s: %w", inst.ID, inst.Status, ErrInstanceNotRunning)
	}
	if task.Status != types.ServiceTaskStatusWaiting {
		return nil, fmt.Errorf("service task %s is %s: %w", task.ID, task.Status, ErrTaskNotActive)
	}

	var body callbackBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, fmt.Errorf("decode callback body: %w", ErrInvalidCallbackPayload)
	}
	if body.Status != "completed" && body.Status != "failed" {
		return nil, fmt.Errorf("callback status %q: %w", body.Status, ErrInvalidCallbackPayload)
	}

	if err := e.appendInstanceAudit(ctx, inst, types.AuditServiceTaskCallback, nil, map[string]any{
		"task_id":    task.ID,
		"element_id": task.ElementID,
		"status":     body.Status,
	}); err != nil {
		return nil, err
	}

	completedAt := time.Now().UTC()
	if body.Status == "failed" {
		errMsg := body.Error
		if errMsg == "" {
			errMsg = "service task reported failure"
		}
		if _, err := e.store.UpdateServiceTask(ctx, tenant.ID, task.ID, func(t *types.ServiceTask) error {
			t.Status = types.ServiceTaskStatusFailed
			t.LastError = &errMsg
			t.CompletedAt = &completedAt
			return nil
		}); err != nil {
			return nil, mapStorageErr(err)
		}
		if err := e.failInstance(ctx, inst, fmt.Errorf("service task %s failed: %s", task.ElementID, errMsg)); err != nil {
			return nil, err
		}
	} else {
		resultJSON, _ := json.Marshal(body.Data)
		if _, err := e.store.UpdateServiceTask(ctx, tenant.ID, task.ID, func(t *types.ServiceTask) error {
			t.Status = types.ServiceTaskStatusCompleted
			t.ResponsePayload = resultJSON
			t.CompletedAt = &completedAt
			return nil
		}); err != nil {
			return nil, mapStorageErr(err)
		}
		if err := e.mergeVariables(ctx, inst, body.Data); err != nil {
			return nil, err
		}
		g, err := e.instanceGraph(ctx, tenant, inst)
		if err != nil {
			return nil, err
		}
		if err := e.resumeAfterTask(ctx, g, inst, task.ElementID); err != nil {
			return nil, err
		}
	}

	response, _ := json.Marshal(map[string]any{
		"status":  body.Status,
		"task_id": task.ID,
	})
	if idemKey != "" {
		response, err = e.recordLedger(ctx, tenant.ID, types.IdempotencyScopeServiceTaskCallback, idemKey, fp, task.ID, response)
		if err != nil {
			return nil, err
		}
	}

	e.bus.Publish(events.Event{
		Type:       events.EventServiceTaskFinished,
		TenantID:   tenant.ID,
		InstanceID: inst.ID,
		TaskID:     task.ID,
		Payload:    map[string]any{"status": body.Status},
	})
	return response, nil
}

// recordLedger writes the success response into the ledger. Losing the
// unique-constraint race to a concurrent duplicate is fine as long as the
// winner recorded the same request.
func (e *Engine) recordLedger(ctx context.Context, tenantID string, scope types.IdempotencyScope, key, fp, taskID string, response json.RawMessage) (json.RawMessage, error) {
	stored, err := e.store.PutIdempotencyRecord(ctx, &types.IdempotencyRecord{
		TenantID:    tenantID,
		Scope:       scope,
		Key:         key,
		Fingerprint: fp,
		TaskID:      taskID,
		Response:    response,
	})
	if err != nil {
		if isStorageDuplicate(err) {
			if stored.Fingerprint != fp {
				return nil, fmt.Errorf("key %s: %w", key, ErrIdempotencyConflict)
			}
			return stored.Response, nil
		}
		return nil, mapStorageErr(err)
	}
	return stored.Response, nil
}

func (e *Engine) instanceGraph(ctx context.Context, tenant *types.Tenant, inst *types.WorkflowInstance) (*graph.ProcessGraph, error) {
	defVersion, err := e.store.GetDefinitionVersion(ctx, tenant.ID, inst.ProcessKey, inst.Version)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return e.loadGraph(defVersion)
}
