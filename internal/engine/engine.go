package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quickwind/workflow/internal/events"
	"github.com/quickwind/workflow/internal/graph"
	"github.com/quickwind/workflow/internal/logger"
	"github.com/quickwind/workflow/internal/services"
	"github.com/quickwind/workflow/internal/storage"
	"github.com/quickwind/workflow/pkg/types"
)

// Config tunes engine timing.
type Config struct {
	// SyncInvokeTimeout bounds synchronous service-task invocations.
	SyncInvokeTimeout time.Duration
	// CallbackTolerance is the callback timestamp freshness window.
	CallbackTolerance time.Duration
	// LockLease is the lease duration on the per-instance advance lock.
	LockLease time.Duration
	// LockWait bounds how long a request queues for the advance lock.
	LockWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.SyncInvokeTimeout <= 0 {
		c.SyncInvokeTimeout = 10 * time.Second
	}
	if c.CallbackTolerance <= 0 {
		c.CallbackTolerance = DefaultCallbackTolerance
	}
	if c.LockLease <= 0 {
		c.LockLease = storage.DefaultLockTimeout
	}
	if c.LockWait <= 0 {
		c.LockWait = 10 * time.Second
	}
}

// Engine owns instance execution: definition upload, instance start, token
// advancement through the process graph, task completion and termination.
// All token movement for one instance happens under that instance's advance
// lease, so concurrent completions serialize rather than interleave.
type Engine struct {
	store      *storage.Storage
	dispatcher services.Dispatcher
	bus        *events.Bus
	cfg        Config

	graphMu sync.Mutex
	graphs  map[string]*graph.ProcessGraph
}

// New wires an engine over its storage, dispatcher and event bus.
func New(store *storage.Storage, dispatcher services.Dispatcher, bus *events.Bus, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		bus:        bus,
		cfg:        cfg,
		graphs:     map[string]*graph.ProcessGraph{},
	}
}

// UploadDefinition validates BPMN XML and records a new immutable version.
// Validation failures return the sorted error list with a nil version.
func (e *Engine) UploadDefinition(ctx context.Context, tenant *types.Tenant, xmlText []byte) (*types.DefinitionVersion, []graph.ValidationError, error) {
	g, validationErrs := graph.Parse(xmlText)
	if len(validationErrs) > 0 {
		return nil, validationErrs, nil
	}

	version, err := e.store.CreateDefinitionVersion(ctx, tenant.ID, g.ProcessKey, g.ProcessName, string(xmlText))
	if err != nil {
		return nil, nil, mapStorageErr(err)
	}

	payload, _ := json.Marshal(map[string]any{
		"process_key": version.ProcessKey,
		"version":     version.Version,
	})
	if err := e.store.AppendAuditEvent(ctx, &types.AuditEvent{
		TenantID:  tenant.ID,
		EventType: types.AuditDefinitionUpload,
		Payload:   payload,
	}); err != nil {
		return nil, nil, mapStorageErr(err)
	}

	logger.Logger.Info().
		Str("tenant_id", tenant.ID).
		Str("process_key", version.ProcessKey).
		Int("version", version.Version).
		Msg("Definition version uploaded")
	return version, nil, nil
}

// StartOptions carries the optional fields of an instance start.
type StartOptions struct {
	Version       int // zero means latest
	CorrelationID string
	BusinessKey   string
	Variables     map[string]any
}

// StartInstance creates a running instance, drops a token on the start
// event and advances it until every path parks or the instance finishes.
func (e *Engine) StartInstance(ctx context.Context, tenant *types.Tenant, processKey string, opts StartOptions) (*types.WorkflowInstance, error) {
	var defVersion *types.DefinitionVersion
	var err error
	if opts.Version > 0 {
		defVersion, err = e.store.GetDefinitionVersion(ctx, tenant.ID, processKey, opts.Version)
	} else {
		defVersion, err = e.store.LatestDefinitionVersion(ctx, tenant.ID, processKey)
	}
	if err != nil {
		return nil, mapStorageErr(err)
	}

	g, err := e.loadGraph(defVersion)
	if err != nil {
		return nil, err
	}

	variables := opts.Variables
	if variables == nil {
		variables = map[string]any{}
	}
	varsJSON, err := json.Marshal(variables)
	if err != nil {
		return nil, fmt.Errorf("encode instance variables: %w", err)
	}

	inst := &types.WorkflowInstance{
		TenantID:      tenant.ID,
		ProcessKey:    defVersion.ProcessKey,
		Version:       defVersion.Version,
		Status:        types.InstanceStatusRunning,
		CorrelationID: opts.CorrelationID,
		BusinessKey:   opts.BusinessKey,
		Variables:     varsJSON,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, mapStorageErr(err)
	}

	if err := e.appendInstanceAudit(ctx, inst, types.AuditInstanceStart, nil, map[string]any{
		"process_key": inst.ProcessKey,
		"version":     inst.Version,
	}); err != nil {
		return nil, err
	}
	e.bus.Publish(events.Event{
		Type:       events.EventInstanceStarted,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
	})

	release, err := e.lockInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	tok := &types.Token{InstanceID: inst.ID, ElementID: g.Start().ID}
	if err := e.store.InsertToken(ctx, tok); err != nil {
		return nil, mapStorageErr(err)
	}
	if err := e.advance(ctx, g, inst, tok); err != nil {
		return nil, err
	}
	return e.store.GetInstance(ctx, tenant.ID, inst.ID)
}

// TerminateInstance force-stops a running instance: tokens are destroyed,
// no further transitions are accepted.
func (e *Engine) TerminateInstance(ctx context.Context, tenant *types.Tenant, instanceID string, actor string) (*types.WorkflowInstance, error) {
	release, err := e.lockInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	inst, err := e.store.GetInstance(ctx, tenant.ID, instanceID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	if inst.Status != types.InstanceStatusRunning {
		return nil, fmt.Errorf("instance %s is %s: %w", instanceID, inst.Status, ErrInstanceNotRunning)
	}

	if err := e.store.DeleteInstanceTokens(ctx, instanceID); err != nil {
		return nil, mapStorageErr(err)
	}
	inst, err = e.store.UpdateInstance(ctx, tenant.ID, instanceID, func(i *types.WorkflowInstance) error {
		i.Status = types.InstanceStatusTerminated
		return nil
	})
	if err != nil {
		return nil, mapStorageErr(err)
	}

	var actorPtr *string
	if actor != "" {
		actorPtr = &actor
	}
	if err := e.appendInstanceAudit(ctx, inst, types.AuditInstanceTerminate, actorPtr, nil); err != nil {
		return nil, err
	}
	e.bus.Publish(events.Event{
		Type:       events.EventInstanceFinished,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		Payload:    map[string]any{"status": string(inst.Status)},
	})
	return inst, nil
}

// InstanceState is the unified detail view of one instance: the instance
// row, its live tokens and every task record.
type InstanceState struct {
	Instance     *types.WorkflowInstance `json:"instance"`
	Tokens       []*types.Token          `json:"tokens"`
	UserTasks    []*types.UserTask       `json:"user_tasks"`
	ServiceTasks []*types.ServiceTask    `json:"service_tasks"`
}

// GetInstanceState assembles the detail view for one instance.
func (e *Engine) GetInstanceState(ctx context.Context, tenant *types.Tenant, instanceID string) (*InstanceState, error) {
	inst, err := e.store.GetInstance(ctx, tenant.ID, instanceID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	tokens, err := e.store.ListTokens(ctx, instanceID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	userTasks, err := e.store.ListInstanceUserTasks(ctx, instanceID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	serviceTasks, err := e.store.ListInstanceServiceTasks(ctx, instanceID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return &InstanceState{
		Instance:     inst,
		Tokens:       tokens,
		UserTasks:    userTasks,
		ServiceTasks: serviceTasks,
	}, nil
}

// loadGraph parses a definition version into its executable graph, cached
// per version since versions are immutable.
func (e *Engine) loadGraph(version *types.DefinitionVersion) (*graph.ProcessGraph, error) {
	key := version.ID

	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	if g, ok := e.graphs[key]; ok {
		return g, nil
	}

	g, validationErrs := graph.Parse([]byte(version.BpmnXML))
	if len(validationErrs) > 0 {
		return nil, fmt.Errorf("stored definition %s v%d no longer parses: %s", version.ProcessKey, version.Version, validationErrs[0].Message)
	}
	e.graphs[key] = g
	return g, nil
}

// lockInstance takes the per-instance advance lease, queuing up to the
// configured wait.
func (e *Engine) lockInstance(ctx context.Context, instanceID string) (func(), error) {
	lock, err := e.store.WaitAcquireLock(ctx, "instance-advance:"+instanceID, e.cfg.LockLease, e.cfg.LockWait)
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			return nil, fmt.Errorf("instance %s is busy: %w", instanceID, ErrStorageUnavailable)
		}
		return nil, mapStorageErr(err)
	}
	release := func() {
		if err := e.store.ReleaseLock(context.Background(), lock.LockID); err != nil {
			logger.Logger.Warn().Err(err).Str("instance_id", instanceID).Msg("Failed to release advance lock")
		}
	}
	return release, nil
}

// advance walks one token forward until every resulting path parks at a
// task or waiting join, or the instance reaches a terminal state. Gateway
// dead-ends, condition evaluation errors and runaway traversals fail the
// instance rather than the triggering request.
func (e *Engine) advance(ctx context.Context, g *graph.ProcessGraph, inst *types.WorkflowInstance, tok *types.Token) error {
	w := &walker{engine: e, ctx: ctx, graph: g, inst: inst, maxSteps: g.NodeCount()*4 + 16}
	return e.routeWalkErr(ctx, inst, w.handleArrival(tok))
}

// routeWalkErr separates request failures from instance failures. Storage
// and context errors surface to the caller, which can retry; anything the
// walk itself produced is unrecoverable for this instance and moves it to
// Failed, with the cause in the status and audit trail.
func (e *Engine) routeWalkErr(ctx context.Context, inst *types.WorkflowInstance, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return e.failInstance(ctx, inst, err)
}

var errTraversalBudget = errors.New("traversal step budget exhausted")

type walker struct {
	engine   *Engine
	ctx      context.Context
	graph    *graph.ProcessGraph
	inst     *types.WorkflowInstance
	steps    int
	maxSteps int
}

func (w *walker) step() error {
	w.steps++
	if w.steps > w.maxSteps {
		return fmt.Errorf("instance %s: %w", w.inst.ID, errTraversalBudget)
	}
	return nil
}

// handleArrival reacts to a token sitting at its current element.
func (w *walker) handleArrival(tok *types.Token) error {
	if err := w.step(); err != nil {
		return err
	}
	node := w.graph.Node(tok.ElementID)
	if node == nil {
		return fmt.Errorf("token %s references unknown element %s", tok.ID, tok.ElementID)
	}

	switch node.Kind {
	case graph.NodeStart:
		return w.leave(node, tok)

	case graph.NodeEnd:
		return w.consumeAtEnd(tok)

	case graph.NodeUserTask:
		return w.parkUserTask(node)

	case graph.NodeServiceTask:
		return w.parkServiceTask(node)

	case graph.NodeExclusiveGateway:
		return w.leave(node, tok)

	case graph.NodeParallelGateway:
		if len(w.graph.Incoming(node.ID)) > 1 {
			return w.joinParallel(node, tok)
		}
		return w.leave(node, tok)
	}
	return fmt.Errorf("unhandled node kind %s", node.Kind)
}

// leave moves the token across the node's outgoing flows.
func (w *walker) leave(node *graph.Node, tok *types.Token) error {
	out := w.graph.Outgoing(node.ID)

	switch node.Kind {
	case graph.NodeExclusiveGateway:
		edge, err := w.pickExclusiveBranch(node, out)
		if err != nil {
			return err
		}
		return w.travel(tok, edge)

	case graph.NodeParallelGateway:
		return w.fanOut(tok, out)

	default:
		if len(out) != 1 {
			return fmt.Errorf("element %s has %d outgoing flows", node.ID, len(out))
		}
		return w.travel(tok, out[0])
	}
}

// travel moves an existing token along one edge and handles the arrival.
func (w *walker) travel(tok *types.Token, edge *graph.Edge) error {
	if err := w.engine.store.MoveToken(w.ctx, tok.ID, edge.To, edge.ID); err != nil {
		return mapStorageErr(err)
	}
	tok.ElementID = edge.To
	tok.ArrivedVia = edge.ID
	return w.handleArrival(tok)
}

// fanOut sends the token down the first flow and spawns one fresh token per
// additional flow.
func (w *walker) fanOut(tok *types.Token, out []*graph.Edge) error {
	if len(out) == 0 {
		return fmt.Errorf("parallel gateway %s has no outgoing flows", tok.ElementID)
	}

	var spawned []*types.Token
	for _, edge := range out[1:] {
		extra := &types.Token{InstanceID: w.inst.ID, ElementID: edge.To, ArrivedVia: edge.ID}
		if err := w.engine.store.InsertToken(w.ctx, extra); err != nil {
			return mapStorageErr(err)
		}
		spawned = append(spawned, extra)
	}
	if err := w.travel(tok, out[0]); err != nil {
		return err
	}
	for _, extra := range spawned {
		if err := w.handleArrival(extra); err != nil {
			return err
		}
	}
	return nil
}

// pickExclusiveBranch evaluates conditions in declared order, falling back
// to the default flow. No match and no default is a dead end.
func (w *walker) pickExclusiveBranch(node *graph.Node, out []*graph.Edge) (*graph.Edge, error) {
	vars := map[string]any{}
	if len(w.inst.Variables) > 0 {
		if err := json.Unmarshal(w.inst.Variables, &vars); err != nil {
			return nil, fmt.Errorf("decode instance variables: %w", err)
		}
	}

	var defaultEdge *graph.Edge
	for _, edge := range out {
		if edge.ID == node.DefaultFlow {
			defaultEdge = edge
			continue
		}
		if edge.Condition == "" {
			continue
		}
		match, err := graph.EvaluateCondition(edge.Condition, vars)
		if err != nil {
			return nil, fmt.Errorf("gateway %s flow %s: %w", node.ID, edge.ID, err)
		}
		if match {
			return edge, nil
		}
	}
	if defaultEdge != nil {
		return defaultEdge, nil
	}
	return nil, fmt.Errorf("gateway %s: %w", node.ID, ErrNoMatchingBranch)
}

// joinParallel parks the token unless every inbound edge has a parked
// token, in which case all of them are consumed and one token continues.
func (w *walker) joinParallel(node *graph.Node, tok *types.Token) error {
	tokens, err := w.engine.store.ListTokens(w.ctx, w.inst.ID)
	if err != nil {
		return mapStorageErr(err)
	}

	arrived := map[string]bool{}
	var parked []*types.Token
	for _, t := range tokens {
		if t.ElementID == node.ID {
			arrived[t.ArrivedVia] = true
			parked = append(parked, t)
		}
	}
	for _, edge := range w.graph.Incoming(node.ID) {
		if !arrived[edge.ID] {
			return nil // still waiting on a sibling path
		}
	}

	for _, t := range parked {
		if err := w.engine.store.DeleteToken(w.ctx, t.ID); err != nil {
			return mapStorageErr(err)
		}
	}
	merged := &types.Token{InstanceID: w.inst.ID, ElementID: node.ID}
	if err := w.engine.store.InsertToken(w.ctx, merged); err != nil {
		return mapStorageErr(err)
	}
	return w.leave(node, merged)
}

// consumeAtEnd retires the token; the instance completes when the last live
// token dies.
func (w *walker) consumeAtEnd(tok *types.Token) error {
	if err := w.engine.store.DeleteToken(w.ctx, tok.ID); err != nil {
		return mapStorageErr(err)
	}
	remaining, err := w.engine.store.CountTokens(w.ctx, w.inst.ID)
	if err != nil {
		return mapStorageErr(err)
	}
	if remaining > 0 {
		return nil
	}

	inst, err := w.engine.store.UpdateInstance(w.ctx, w.inst.TenantID, w.inst.ID, func(i *types.WorkflowInstance) error {
		i.Status = types.InstanceStatusCompleted
		return nil
	})
	if err != nil {
		return mapStorageErr(err)
	}
	w.inst.Status = inst.Status

	if err := w.engine.appendInstanceAudit(w.ctx, inst, types.AuditInstanceComplete, nil, nil); err != nil {
		return err
	}
	w.engine.bus.Publish(events.Event{
		Type:       events.EventInstanceFinished,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		Payload:    map[string]any{"status": string(inst.Status)},
	})
	logger.Logger.Info().
		Str("instance_id", inst.ID).
		Str("process_key", inst.ProcessKey).
		Msg("Instance completed")
	return nil
}

// parkUserTask materializes the task record for a token parked at a user
// task element.
func (w *walker) parkUserTask(node *graph.Node) error {
	task, err := w.engine.store.CreateUserTask(w.ctx, &types.UserTask{
		TenantID:   w.inst.TenantID,
		InstanceID: w.inst.ID,
		ElementID:  node.ID,
		Name:       node.Name,
		Status:     types.UserTaskStatusActive,
	})
	if err != nil {
		return mapStorageErr(err)
	}
	w.engine.bus.Publish(events.Event{
		Type:       events.EventUserTaskCreated,
		TenantID:   w.inst.TenantID,
		InstanceID: w.inst.ID,
		TaskID:     task.ID,
		Payload:    map[string]any{"task_name": task.Name},
	})
	return nil
}

// parkServiceTask materializes the pending task record, carrying any
// catalog binding placeholders declared on the element.
func (w *walker) parkServiceTask(node *graph.Node) error {
	task := &types.ServiceTask{
		TenantID:   w.inst.TenantID,
		InstanceID: w.inst.ID,
		ElementID:  node.ID,
		Name:       node.Name,
		Status:     types.ServiceTaskStatusPending,
	}
	if node.CatalogEntryID != "" {
		v := node.CatalogEntryID
		task.CatalogEntryID = &v
	}
	if node.CatalogTaskID != "" {
		v := node.CatalogTaskID
		task.CatalogTaskID = &v
	}
	if _, err := w.engine.store.CreateServiceTask(w.ctx, task); err != nil {
		return mapStorageErr(err)
	}
	return nil
}

// resumeAfterTask continues advancement once the task parked at elementID
// has completed.
func (e *Engine) resumeAfterTask(ctx context.Context, g *graph.ProcessGraph, inst *types.WorkflowInstance, elementID string) error {
	tokens, err := e.store.ListTokens(ctx, inst.ID)
	if err != nil {
		return mapStorageErr(err)
	}
	var tok *types.Token
	for _, t := range tokens {
		if t.ElementID == elementID {
			tok = t
			break
		}
	}
	if tok == nil {
		return fmt.Errorf("no token parked at %s for instance %s", elementID, inst.ID)
	}

	node := g.Node(elementID)
	if node == nil {
		return fmt.Errorf("unknown element %s", elementID)
	}
	w := &walker{engine: e, ctx: ctx, graph: g, inst: inst, maxSteps: g.NodeCount()*4 + 16}
	return e.routeWalkErr(ctx, inst, w.leave(node, tok))
}

// failInstance moves the instance to Failed and records the cause. The
// triggering request still succeeds; the failure is audit-visible.
func (e *Engine) failInstance(ctx context.Context, inst *types.WorkflowInstance, cause error) error {
	msg := cause.Error()
	updated, err := e.store.UpdateInstance(ctx, inst.TenantID, inst.ID, func(i *types.WorkflowInstance) error {
		i.Status = types.InstanceStatusFailed
		i.ErrorMessage = &msg
		return nil
	})
	if err != nil {
		return mapStorageErr(err)
	}
	inst.Status = updated.Status
	inst.ErrorMessage = updated.ErrorMessage

	if err := e.appendInstanceAudit(ctx, updated, types.AuditInstanceFail, nil, map[string]any{"error": msg}); err != nil {
		return err
	}
	e.bus.Publish(events.Event{
		Type:       events.EventInstanceFinished,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		Payload:    map[string]any{"status": string(types.InstanceStatusFailed)},
	})
	logger.Logger.Warn().
		Str("instance_id", inst.ID).
		Str("error", msg).
		Msg("Instance failed")
	return nil
}

// mergeVariables folds a task result payload into the instance variables so
// downstream gateway conditions can read it.
func (e *Engine) mergeVariables(ctx context.Context, inst *types.WorkflowInstance, payload map[string]any) error {
	if len(payload) == 0 {
		return nil
	}
	updated, err := e.store.UpdateInstance(ctx, inst.TenantID, inst.ID, func(i *types.WorkflowInstance) error {
		vars := map[string]any{}
		if len(i.Variables) > 0 {
			if err := json.Unmarshal(i.Variables, &vars); err != nil {
				return fmt.Errorf("decode instance variables: %w", err)
			}
		}
		for k, v := range payload {
			vars[k] = v
		}
		encoded, err := json.Marshal(vars)
		if err != nil {
			return fmt.Errorf("encode instance variables: %w", err)
		}
		i.Variables = encoded
		return nil
	})
	if err != nil {
		return mapStorageErr(err)
	}
	inst.Variables = updated.Variables
	return nil
}

func (e *Engine) appendInstanceAudit(ctx context.Context, inst *types.WorkflowInstance, eventType types.AuditEventType, actor *string, payload map[string]any) error {
	var encoded json.RawMessage
	if payload != nil {
		encoded, _ = json.Marshal(payload)
	}
	event := &types.AuditEvent{
		TenantID:   inst.TenantID,
		InstanceID: &inst.ID,
		EventType:  eventType,
		Actor:      actor,
		Payload:    encoded,
	}
	if inst.CorrelationID != "" {
		event.CorrelationID = &inst.CorrelationID
	}
	if inst.BusinessKey != "" {
		event.BusinessKey = &inst.BusinessKey
	}
	if err := e.store.AppendAuditEvent(ctx, event); err != nil {
		return mapStorageErr(err)
	}
	return nil
}

// mapStorageErr folds storage sentinels into the engine taxonomy.
func mapStorageErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
}
