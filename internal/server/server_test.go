package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickwind/workflow/internal/config"
	"github.com/quickwind/workflow/internal/engine"
	"github.com/quickwind/workflow/internal/events"
	"github.com/quickwind/workflow/internal/handlers"
	"github.com/quickwind/workflow/internal/services"
	"github.com/quickwind/workflow/internal/storage"
	"github.com/quickwind/workflow/pkg/types"
)

const apiKey = "wf_servertestkey"

const approvalXML = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs1">
  <process id="approval" name="Approval Flow">
    <startEvent id="start"/>
    <userTask id="approve" name="Approve request"/>
    <serviceTask id="send_email" name="Send email" catalogEntryId="notify" serviceTaskId="send-email"/>
    <endEvent id="done"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="approve"/>
    <sequenceFlow id="f2" sourceRef="approve" targetRef="send_email"/>
    <sequenceFlow id="f3" sourceRef="send_email" targetRef="done"/>
  </process>
</definitions>`

type testServer struct {
	srv    *Server
	store  *storage.Storage
	tenant *types.Tenant
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := storage.New(storage.Config{
		Mode:         storage.ModeLocal,
		DatabasePath: filepath.Join(t.TempDir(), "server_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tenant, err := store.CreateTenant(context.Background(), "Tenant A", "tenant-a", apiKey)
	require.NoError(t, err)

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	dispatcher := services.NewHTTPDispatcher(time.Second)
	eng := engine.New(store, dispatcher, bus, engine.Config{LockWait: 2 * time.Second})

	cfg := config.DefaultConfig()
	srv := New(cfg, store, eng)
	return &testServer{srv: srv, store: store, tenant: tenant}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func authed(extra map[string]string) map[string]string {
	headers := map[string]string{handlers.APIKeyHeader: apiKey}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresTenantKey(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/definitions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/definitions", "", map[string]string{handlers.APIKeyHeader: "wrong-key"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Same body for missing and invalid keys.
	assert.Contains(t, rec.Body.String(), "missing or invalid API key")
}

func TestUploadDefinition_OverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/definitions", approvalXML, authed(nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "approval", body["process_key"])
	assert.Equal(t, float64(1), body["version"])

	rec = ts.do(t, http.MethodGet, "/api/v1/definitions", "", authed(nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total"])

	rec = ts.do(t, http.MethodGet, "/api/v1/definitions/approval/versions/1", "", authed(nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "userTask")
}

func TestUploadDefinition_ValidationFailure(t *testing.T) {
	ts := newTestServer(t)

	invalid := `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL"><process name="nameless"/></definitions>`
	rec := ts.do(t, http.MethodPost, "/api/v1/definitions", invalid, authed(nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_process_key")
}

func TestInstanceFlow_OverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/definitions", approvalXML, authed(nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/definitions/approval/versions/latest/instances",
		`{"business_key":"order-42","variables":{"amount":150}}`, authed(nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inst := decode(t, rec)
	instanceID := inst["id"].(string)
	assert.Equal(t, "running", inst["status"])

	rec = ts.do(t, http.MethodGet, "/api/v1/instances/"+instanceID, "", authed(nil))
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode(t, rec)
	userTasks := state["user_tasks"].([]any)
	require.Len(t, userTasks, 1)
	taskID := userTasks[0].(map[string]any)["id"].(string)

	rec = ts.do(t, http.MethodGet, "/api/v1/user-tasks?instance_id="+instanceID+"&status=active", "", authed(nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total"])

	completeBody := `{"actor":"alice","action":"approve","data":{"comment":"ok"}}`
	rec = ts.do(t, http.MethodPost, "/api/v1/user-tasks/"+taskID+"/complete", completeBody,
		authed(map[string]string{handlers.IdempotencyKeyHeader: "key-1"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := rec.Body.String()

	// Replay with the same key returns the recorded response unchanged.
	rec = ts.do(t, http.MethodPost, "/api/v1/user-tasks/"+taskID+"/complete", completeBody,
		authed(map[string]string{handlers.IdempotencyKeyHeader: "key-1"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first, rec.Body.String())

	// Same key, different request: conflict.
	rec = ts.do(t, http.MethodPost, "/api/v1/user-tasks/"+taskID+"/complete",
		`{"actor":"alice","action":"reject"}`,
		authed(map[string]string{handlers.IdempotencyKeyHeader: "key-1"}))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/service-tasks?instance_id="+instanceID, "", authed(nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total"])

	rec = ts.do(t, http.MethodGet, "/api/v1/audit?instance_id="+instanceID, "", authed(nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "user_task_complete")
}

func TestServiceTaskCallback_OverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/api/v1/catalog",
		`{"entries":[{"external_id":"notify","name":"Notifier","service_url":"http://notify.local","tasks":[{"external_id":"send-email","name":"Send email"}]}]}`,
		authed(nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/definitions", approvalXML, authed(nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/definitions/approval/versions/latest/instances", "", authed(nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	instanceID := decode(t, rec)["id"].(string)

	rec = ts.do(t, http.MethodGet, "/api/v1/instances/"+instanceID, "", authed(nil))
	userTaskID := decode(t, rec)["user_tasks"].([]any)[0].(map[string]any)["id"].(string)

	rec = ts.do(t, http.MethodPost, "/api/v1/user-tasks/"+userTaskID+"/complete",
		`{"actor":"alice","action":"approve"}`, authed(nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/instances/"+instanceID, "", authed(nil))
	serviceTaskID := decode(t, rec)["service_tasks"].([]any)[0].(map[string]any)["id"].(string)

	rec = ts.do(t, http.MethodPost, "/api/v1/service-tasks/"+serviceTaskID+"/start",
		`{"execution_mode":"async"}`, authed(nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "waiting")

	callbackBody := `{"status":"completed","data":{"sent":true}}`
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := engine.ComputeCallbackSignature(apiKey, []byte(callbackBody), timestamp)

	// Missing signature headers: rejected before any processing.
	rec = ts.do(t, http.MethodPost, "/api/v1/service-tasks/"+serviceTaskID+"/callback", callbackBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong signature: 401.
	rec = ts.do(t, http.MethodPost, "/api/v1/service-tasks/"+serviceTaskID+"/callback", callbackBody, map[string]string{
		handlers.CallbackTimestampHeader: timestamp,
		handlers.CallbackSignatureHeader: "deadbeef",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid signature: no API key required, instance completes.
	rec = ts.do(t, http.MethodPost, "/api/v1/service-tasks/"+serviceTaskID+"/callback", callbackBody, map[string]string{
		handlers.CallbackTimestampHeader: timestamp,
		handlers.CallbackSignatureHeader: signature,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/instances/"+instanceID, "", authed(nil))
	state := decode(t, rec)
	assert.Equal(t, "completed", state["instance"].(map[string]any)["status"])
}

func TestTerminateInstance_OverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/definitions", approvalXML, authed(nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/definitions/approval/versions/latest/instances", "", authed(nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	instanceID := decode(t, rec)["id"].(string)

	rec = ts.do(t, http.MethodPost, "/api/v1/instances/"+instanceID+"/terminate", `{"actor":"admin"}`, authed(nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "terminated", decode(t, rec)["status"])

	rec = ts.do(t, http.MethodPost, "/api/v1/instances/"+instanceID+"/terminate", `{"actor":"admin"}`, authed(nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetInstance_NotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/instances/no-such-instance", "", authed(nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
