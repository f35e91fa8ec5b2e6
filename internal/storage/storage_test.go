package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickwind/workflow/pkg/types"
)

const minimalXML = `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="s"/>
    <endEvent id="e"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="e"/>
  </process>
</definitions>`

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := New(Config{
		Mode:         ModeLocal,
		DatabasePath: filepath.Join(t.TempDir(), "storage_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestTenant(t *testing.T, store *Storage) *types.Tenant {
	t.Helper()
	tenant, err := store.CreateTenant(context.Background(), "Tenant A", "tenant-a", "wf_testkey")
	require.NoError(t, err)
	return tenant
}

func TestCreateTenant_AuthenticateAPIKey(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	tenant, err := store.CreateTenant(ctx, "Acme", "acme", "wf_secret123")
	require.NoError(t, err)
	assert.NotEmpty(t, tenant.ID)
	assert.Equal(t, "acme", tenant.Slug)
	assert.Equal(t, "wf_secret123", tenant.CallbackSecret)

	found, err := store.AuthenticateAPIKey(ctx, "wf_secret123")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, found.ID)

	_, err = store.AuthenticateAPIKey(ctx, "wrong-key")
	assert.ErrorIs(t, err, ErrNotFound)

	loaded, err := store.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.Name, loaded.Name)
}

func TestCreateDefinitionVersion_MonotonicVersions(t *testing.T) {
	store := newTestStorage(t)
	tenant := createTestTenant(t, store)
	ctx := context.Background()

	v1, err := store.CreateDefinitionVersion(ctx, tenant.ID, "p", "Process", minimalXML)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, minimalXML, v1.BpmnXML)

	v2, err := store.CreateDefinitionVersion(ctx, tenant.ID, "p", "Process", minimalXML)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	latest, err := store.LatestDefinitionVersion(ctx, tenant.ID, "p")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	pinned, err := store.GetDefinitionVersion(ctx, tenant.ID, "p", 1)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, pinned.ID)

	versions, err := store.ListDefinitionVersions(ctx, tenant.ID, "p")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version) // newest first

	defs, err := store.ListDefinitions(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "p", defs[0].ProcessKey)
}

func TestDefinitions_TenantScoped(t *testing.T) {
	store := newTestStorage(t)
	tenant := createTestTenant(t, store)
	ctx := context.Background()

	_, err := store.CreateDefinitionVersion(ctx, tenant.ID, "p", "Process", minimalXML)
	require.NoError(t, err)

	other, err := store.CreateTenant(ctx, "Tenant B", "tenant-b", "wf_otherkey")
	require.NoError(t, err)

	_, err = store.GetDefinition(ctx, other.ID, "p")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.LatestDefinitionVersion(ctx, other.ID, "p")
	assert.ErrorIs(t, err, ErrNotFound)

	// Same process key under another tenant starts its own version line.
	v1, err := store.CreateDefinitionVersion(ctx, other.ID, "p", "Process", minimalXML)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
}

func TestInstanceLifecycleAndTokens(t *testing.T) {
	store := newTestStorage(t)
	tenant := createTestTenant(t, store)
	ctx := context.Background()

	inst := &types.WorkflowInstance{
		TenantID:   tenant.ID,
		ProcessKey: "p",
		Version:    1,
		Status:     types.InstanceStatusRunning,
		Variables:  []byte(`{"amount":50}`),
	}
	require.NoError(t, store.CreateInstance(ctx, inst))
	require.NotEmpty(t, inst.ID)

	loaded, err := store.GetInstance(ctx, tenant.ID, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusRunning, loaded.Status)
	assert.JSONEq(t, `{"amount":50}`, string(loaded.Variables))

	tok := &types.Token{InstanceID: inst.ID, ElementID: "s"}
	require.NoError(t, store.InsertToken(ctx, tok))
	require.NotEmpty(t, tok.ID)

	require.NoError(t, store.MoveToken(ctx, tok.ID, "e", "f1"))
	tokens, err := store.ListTokens(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "e", tokens[0].ElementID)
	assert.Equal(t, "f1", tokens[0].ArrivedVia)

	count, err := store.CountTokens(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.DeleteToken(ctx, tok.ID))
	count, err = store.CountTokens(ctx, inst.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	updated, err := store.UpdateInstance(ctx, tenant.ID, inst.ID, func(i *types.WorkflowInstance) error {
		i.Status = types.InstanceStatusCompleted
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusCompleted, updated.Status)
}

func TestListInstances_Filters(t *testing.T) {
	store := newTestStorage(t)
	tenant := createTestTenant(t, store)
	ctx := context.Background()

	running := &types.WorkflowInstance{TenantID: tenant.ID, ProcessKey: "p", Version: 1, Status: types.InstanceStatusRunning, BusinessKey: "order-1"}
	completed := &types.WorkflowInstance{TenantID: tenant.ID, ProcessKey: "q", Version: 1, Status: types.InstanceStatusCompleted}
	require.NoError(t, store.CreateInstance(ctx, running))
	require.NoError(t, store.CreateInstance(ctx, completed))

	all, err := store.ListInstances(ctx, tenant.ID, types.InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	status := types.InstanceStatusRunning
	onlyRunning, err := store.ListInstances(ctx, tenant.ID, types.InstanceFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, onlyRunning, 1)
	assert.Equal(t, running.ID, onlyRunning[0].ID)

	key := "p"
	byKey, err := store.ListInstances(ctx, tenant.ID, types.InstanceFilter{ProcessKey: &key})
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	assert.Equal(t, running.ID, byKey[0].ID)

	bk := "order-1"
	byBusinessKey, err := store.ListInstances(ctx, tenant.ID, types.InstanceFilter{BusinessKey: &bk})
	require.NoError(t, err)
	require.Len(t, byBusinessKey, 1)
}

func TestUserTask_UniquePerInstanceElement(t *testing.T) {
	store := newTestStorage(t)
	tenant := createTestTenant(t, store)
	ctx := context.Background()

	inst := &types.WorkflowInstance{TenantID: tenant.ID, ProcessKey: "p", Version: 1, Status: types.InstanceStatusRunning}
	require.NoError(t, store.CreateInstance(ctx, inst))

	first, err := store.CreateUserTask(ctx, &types.UserTask{
		TenantID: tenant.ID, InstanceID: inst.ID, ElementID: "approve", Name: "Approve", Status: types.UserTaskStatusActive,
	})
	require.NoError(t, err)

	// Re-arrival at the same element returns the existing record.
	again, err := store.CreateUserTask(ctx, &types.UserTask{
		TenantID: tenant.ID, InstanceID: inst.ID, ElementID: "approve", Name: "Approve", Status: types.UserTaskStatusActive,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	tasks, err := store.ListInstanceUserTasks(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestServiceTask_UpdateAndUnscopedGet(t *testing.T) {
	store := newTestStorage(t)
	tenant := createTestTenant(t, store)
	ctx := context.Background()

	inst := &types.WorkflowInstance{TenantID: tenant.ID, ProcessKey: "p", Version: 1, Status: types.InstanceStatusRunning}
	require.NoError(t, store.CreateInstance(ctx, inst))

	task, err := store.CreateServiceTask(ctx, &types.ServiceTask{
		TenantID: tenant.ID, InstanceID: inst.ID, ElementID: "send", Name: "Send", Status: types.ServiceTaskStatusPending,
	})
	require.NoError(t, err)

	updated, err := store.UpdateServiceTask(ctx, tenant.ID, task.ID, func(st *types.ServiceTask) error {
		st.Status = types.ServiceTaskStatusWaiting
		st.ExecutionMode = types.ExecutionModeAsync
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.ServiceTaskStatusWaiting, updated.Status)

	// Callback routing resolves the task without a tenant in hand.
	unscoped, err := store.GetServiceTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, unscoped.TenantID)

	other, err := store.CreateTenant(ctx, "Tenant B", "tenant-b", "wf_otherkey")
	require.NoError(t, err)
	_, err = store.GetServiceTask(ctx, other.ID, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog_UpsertAndResolve(t *testing.T) {
	store := newTestStorage(t)
	tenant := createTestTenant(t, store)
	ctx := context.Background()

	reg := CatalogRegistration{
		ExternalID: "notify",
		Name:       "Notification service",
		Category:   "messaging",
		ServiceURL: "http://notify.local",
		Tasks: []CatalogTaskRegistration{
			{ExternalID: "send-email", Name: "Send email"},
			{ExternalID: "send-sms", Name: "Send SMS", URL: "http://sms.local"},
		},
	}
	entry, err := store.UpsertCatalogEntry(ctx, tenant.ID, reg)
	require.NoError(t, err)
	assert.Equal(t, "notify", entry.ExternalID)

	binding, err := store.ResolveCatalogBinding(ctx, tenant.ID, "notify", "send-email")
	require.NoError(t, err)
	assert.Equal(t, "http://notify.local", binding.URL) // falls back to the entry URL

	sms, err := store.ResolveCatalogBinding(ctx, tenant.ID, "notify", "send-sms")
	require.NoError(t, err)
	assert.Equal(t, "http://sms.local", sms.URL)

	_, err = store.ResolveCatalogBinding(ctx, tenant.ID, "notify", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	// Upsert replaces the task set.
	reg.Tasks = reg.Tasks[:1]
	_, err = store.UpsertCatalogEntry(ctx, tenant.ID, reg)
	require.NoError(t, err)

	tasks, err := store.ListCatalogTasks(ctx, tenant.ID, "notify")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	entries, err := store.ListCatalogEntries(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAuditLog_AppendOnlyOrdering(t *testing.T) {
	store := newTestStorage(t)
	tenant := createTestTenant(t, store)
	ctx := context.Background()

	instID := "inst-1"
	for _, eventType := range []types.AuditEventType{
		types.AuditInstanceStart,
		types.AuditUserTaskComplete,
		types.AuditInstanceComplete,
	} {
		require.NoError(t, store.AppendAuditEvent(ctx, &types.AuditEvent{
			TenantID:   tenant.ID,
			InstanceID: &instID,
			EventType:  eventType,
		}))
	}

	list, err := store.ListAuditEvents(ctx, tenant.ID, types.AuditFilter{InstanceID: &instID})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, types.AuditInstanceStart, list[0].EventType)
	assert.Equal(t, types.AuditInstanceComplete, list[2].EventType)
	assert.Less(t, list[0].ID, list[1].ID)
	assert.Less(t, list[1].ID, list[2].ID)

	eventType := types.AuditUserTaskComplete
	filtered, err := store.ListAuditEvents(ctx, tenant.ID, types.AuditFilter{EventType: &eventType})
	require.NoError(t, err)
	assert.Len(t, filtered, 1)
}
