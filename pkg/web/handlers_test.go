package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/dukex/runbook/pkg/circuitbreaker"
	"github.com/dukex/runbook/pkg/completion"
	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence/memory"
	"github.com/dukex/runbook/pkg/schedule"
	"github.com/dukex/runbook/pkg/scheduler"
	"github.com/dukex/runbook/pkg/testutil"
	"github.com/dukex/runbook/pkg/webhook"
	"github.com/dukex/runbook/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	app         *fiber.App
	store       *memory.Persistence
	scheduler   *scheduler.Scheduler
	runner      *workflow.Runner
	breakers    *circuitbreaker.Manager
	queue       *webhook.Queue
	deadLetters *webhook.MemoryDeadLetterStore
	now         time.Time
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()

	now := time.Now().UTC()
	store := memory.NewPersistence()
	calculator := schedule.NewCalculator(slog.Default())
	sched := scheduler.New(slog.Default(), store, calculator)
	sync := completion.New(slog.Default(), store, completion.WithDefaults(50*time.Millisecond, 5*time.Millisecond))
	runner := workflow.NewRunner(slog.Default(), store.EventRepository(), sched, sync,
		workflow.WithNodeWait(20*time.Millisecond, 5*time.Millisecond))
	registry := prometheus.NewRegistry()
	breakers := circuitbreaker.NewManager(slog.Default(), circuitbreaker.WithRegisterer(registry))
	deadLetters := webhook.NewMemoryDeadLetterStore()
	queue := webhook.NewQueue(slog.Default(), webhook.TransportFunc(func(context.Context, *webhook.Item) error {
		return nil
	}), webhook.WithDeadLetterStore(deadLetters))

	handlers := NewAPIHandlers(slog.Default(), Services{
		Persistence:  store,
		Workflows:    workflow.NewService(slog.Default(), store, runner),
		Scheduler:    sched,
		Calculator:   calculator,
		Synchronizer: sync,
		Breakers:     breakers,
		Queue:        queue,
	}, validator.New(validator.WithRequiredStructEnabled()))
	handlers.now = func() time.Time { return now }

	t.Cleanup(runner.Wait)

	return &testAPI{
		app:         NewApp(handlers, registry),
		store:       store,
		scheduler:   sched,
		runner:      runner,
		breakers:    breakers,
		queue:       queue,
		deadLetters: deadLetters,
		now:         now,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := a.app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))

	return v
}

func (a *testAPI) saveEvent(t *testing.T, overrides ...func(*models.Event)) *models.Event {
	t.Helper()

	event := testutil.CreateTestEvent(append([]func(*models.Event){testutil.WithManualTrigger()}, overrides...)...)
	require.NoError(t, a.store.EventRepository().Save(context.Background(), event))

	return event
}

func (a *testAPI) saveWorkflow(t *testing.T, mutate func(*models.Workflow)) *models.Workflow {
	t.Helper()

	wf := testutil.CreateTestWorkflow("a")
	a.saveEvent(t, func(e *models.Event) { e.ID = wf.Nodes[0].EventID })
	wf.TriggerType = models.TriggerTypeWebhook
	wf.WebhookKey = "hook-" + wf.ID

	if mutate != nil {
		mutate(wf)
	}

	require.NoError(t, a.store.WorkflowRepository().Save(context.Background(), wf))

	return wf
}

func TestAPI_RootAndHealth(t *testing.T) {
	api := setupTestAPI(t)

	resp, body := api.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Runbook API", string(body))

	resp, _ = api.do(t, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decode[HealthResponse](t, body).Status)
}

func TestAPI_ValidateGraph(t *testing.T) {
	api := setupTestAPI(t)
	wf := testutil.CreateTestWorkflow("a", "b", "c")

	resp, body := api.do(t, http.MethodPost, "/graph/validate", ValidateGraphRequest{
		Nodes:       wf.Nodes,
		Connections: wf.Connections,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decode[map[string]any](t, body)["is_valid"])

	resp, body = api.do(t, http.MethodPost, "/graph/validate", ValidateGraphRequest{
		Nodes:       wf.Nodes,
		Connections: wf.Connections,
		Pending:     &models.Connection{SourceNodeID: "c", TargetNodeID: "a", ConnectionType: models.ConnectionTypeAlways},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[map[string]any](t, body)
	assert.Equal(t, false, result["is_valid"])
	assert.Equal(t, "cycle", result["violation_kind"])

	resp, _ = api.do(t, http.MethodPost, "/graph/validate", []byte("{nope"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ValidateSchedule(t *testing.T) {
	api := setupTestAPI(t)

	resp, body := api.do(t, http.MethodPost, "/schedules/validate", ValidateScheduleRequest{Expression: "0 10 * * *"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	preview := decode[schedule.CronValidation](t, body)
	assert.True(t, preview.Valid)
	assert.Len(t, preview.NextExecutions, schedule.PreviewCount)

	resp, body = api.do(t, http.MethodPost, "/schedules/validate", ValidateScheduleRequest{Expression: "not cron"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[schedule.CronValidation](t, body).Valid)
}

func TestAPI_EventsCreateAndRun(t *testing.T) {
	api := setupTestAPI(t)

	event := testutil.CreateTestEvent()
	event.ID = ""

	resp, body := api.do(t, http.MethodPost, "/events", event)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	created := decode[models.Event](t, body)
	assert.NotEmpty(t, created.ID)

	resp, body = api.do(t, http.MethodGet, "/events/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored := decode[models.Event](t, body)
	assert.NotNil(t, stored.NextRunAt, "recurring events get their first job on creation")

	resp, body = api.do(t, http.MethodPost, "/events/"+created.ID+"/run", RunRequest{Input: json.RawMessage(`{"x":1}`)})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	accepted := decode[JobAcceptedResponse](t, body)
	job, err := api.store.JobRepository().GetByID(context.Background(), accepted.JobID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(job.Payload.Input))

	resp, _ = api.do(t, http.MethodPost, "/events/unknown/run", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_EventsRejectInvalid(t *testing.T) {
	api := setupTestAPI(t)

	event := testutil.CreateTestEvent()
	event.Name = ""

	resp, _ := api.do(t, http.MethodPost, "/events", event)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	event = testutil.CreateTestEvent()
	event.Webhooks = []models.WebhookTarget{{URL: "ftp://example.com/hook", On: models.NotifyOnAlways}}

	resp, _ = api.do(t, http.MethodPost, "/events", event)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Workflows(t *testing.T) {
	api := setupTestAPI(t)

	wf := testutil.CreateTestWorkflow("a", "b", "c")
	for _, node := range wf.Nodes {
		api.saveEvent(t, func(e *models.Event) { e.ID = node.EventID })
	}

	merged := *wf
	merged.Connections = []*models.Connection{
		{SourceNodeID: "a", TargetNodeID: "c", ConnectionType: models.ConnectionTypeAlways},
		{SourceNodeID: "b", TargetNodeID: "c", ConnectionType: models.ConnectionTypeAlways},
	}

	resp, body := api.do(t, http.MethodPost, "/workflows", merged)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "graph_merge", decode[map[string]any](t, body)["type"])

	resp, body = api.do(t, http.MethodPost, "/workflows", wf)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = api.do(t, http.MethodGet, "/workflows/"+wf.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[models.Workflow](t, body).Nodes, 3)

	resp, body = api.do(t, http.MethodGet, "/workflows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[map[string][]models.Workflow](t, body)["workflows"], 1)

	resp, _ = api.do(t, http.MethodPost, "/workflows/"+wf.ID+"/run", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, "/workflows/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "workflow_not_found", decode[map[string]any](t, body)["type"])
}

func TestAPI_TriggerWebhook(t *testing.T) {
	api := setupTestAPI(t)
	wf := api.saveWorkflow(t, nil)

	resp, body := api.do(t, http.MethodPost, "/hooks/"+wf.WebhookKey, []byte(`{"order":1}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	triggered := decode[workflow.TriggerResult](t, body)
	assert.Equal(t, wf.ID, triggered.WorkflowID)
	assert.NotEmpty(t, triggered.RunID)

	resp, _ = api.do(t, http.MethodPost, "/hooks/unknown", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/hooks/"+wf.WebhookKey, []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_TriggerWebhookInactive(t *testing.T) {
	api := setupTestAPI(t)
	wf := api.saveWorkflow(t, func(w *models.Workflow) { w.Status = models.WorkflowStatusPaused })

	resp, _ := api.do(t, http.MethodPost, "/hooks/"+wf.WebhookKey, []byte(`{}`))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_TriggerWebhookVerification(t *testing.T) {
	api := setupTestAPI(t)
	wf := api.saveWorkflow(t, func(w *models.Workflow) {
		w.Security = &models.WebhookSecurity{Secret: "s3cret", VerifyTimestamp: true}
	})

	body := []byte(`{"order":1}`)
	ts := strconv.FormatInt(api.now.Unix(), 10)
	signature := webhook.GenerateSignature(webhook.SignedContent(ts, body), "s3cret")

	tests := []struct {
		name    string
		headers []string
		status  int
	}{
		{name: "valid", headers: []string{webhook.SignatureHeader, signature, webhook.TimestampHeader, ts}, status: http.StatusAccepted},
		{name: "missing signature", headers: []string{webhook.TimestampHeader, ts}, status: http.StatusUnauthorized},
		{name: "wrong signature", headers: []string{webhook.SignatureHeader, "sha256=00", webhook.TimestampHeader, ts}, status: http.StatusUnauthorized},
		{
			name:    "stale timestamp",
			headers: []string{webhook.SignatureHeader, signature, webhook.TimestampHeader, strconv.FormatInt(api.now.Add(-time.Hour).Unix(), 10)},
			status:  http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := api.do(t, http.MethodPost, "/hooks/"+wf.WebhookKey, body, tt.headers...)
			assert.Equal(t, tt.status, resp.StatusCode, string(data))
		})
	}
}

func TestAPI_TriggerWebhookIPAllowList(t *testing.T) {
	api := setupTestAPI(t)
	wf := api.saveWorkflow(t, func(w *models.Workflow) {
		w.Security = &models.WebhookSecurity{AllowedIPs: []string{"203.0.113.0/24"}}
	})

	resp, body := api.do(t, http.MethodPost, "/hooks/"+wf.WebhookKey, []byte(`{}`))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "webhook_verification_failed", decode[map[string]any](t, body)["type"])
}

func TestAPI_JobCompletionAndResults(t *testing.T) {
	api := setupTestAPI(t)
	event := api.saveEvent(t)

	jobID, err := api.scheduler.RunNow(context.Background(), event, nil)
	require.NoError(t, err)

	resp, body := api.do(t, http.MethodGet, "/jobs/"+jobID+"/result", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "pending", decode[PendingResultResponse](t, body).Status)

	resp, body = api.do(t, http.MethodGet, "/jobs/"+jobID+"/wait?timeout=20ms&interval=5ms", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.JobStatusTimeout, decode[models.JobResult](t, body).Status)

	resp, body = api.do(t, http.MethodPost, "/internal/jobs/"+jobID+"/complete", map[string]any{
		"exit_code": 0,
		"output":    "done",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decode[models.JobResult](t, body).Success)

	resp, _ = api.do(t, http.MethodPost, "/internal/jobs/"+jobID+"/complete", map[string]any{"exit_code": 0})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, "/jobs/"+jobID+"/result", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[models.JobResult](t, body)
	assert.Equal(t, models.JobStatusCompleted, result.Status)
	assert.Equal(t, "done", result.Output)

	resp, body = api.do(t, http.MethodGet, "/jobs/"+jobID+"/wait", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[models.JobResult](t, body).Success)

	resp, _ = api.do(t, http.MethodPost, "/internal/jobs/unknown/complete", map[string]any{"exit_code": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/internal/jobs/"+jobID+"/complete", map[string]any{"status": "exploded"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/jobs/"+jobID+"/wait?timeout=soon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Circuits(t *testing.T) {
	api := setupTestAPI(t)
	key := circuitbreaker.Key("slack", "tool-1")

	for range circuitbreaker.DefaultConfig().FailureThreshold {
		_ = api.breakers.Execute(context.Background(), key, "slack", func(context.Context) error {
			return errors.New("down")
		})
	}

	resp, body := api.do(t, http.MethodGet, "/circuits", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	circuits := decode[map[string][]circuitbreaker.Metrics](t, body)["circuits"]
	require.Len(t, circuits, 1)
	assert.Equal(t, circuitbreaker.StateOpen, circuits[0].State)

	resp, body = api.do(t, http.MethodPost, "/circuits/"+key+"/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, circuitbreaker.StateClosed, decode[circuitbreaker.Metrics](t, body).State)

	resp, body = api.do(t, http.MethodPost, "/circuits/"+key+"/open", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, circuitbreaker.StateOpen, decode[circuitbreaker.Metrics](t, body).State)

	resp, _ = api.do(t, http.MethodPost, "/circuits/"+key+"/close", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/circuits/http:nope/reset", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_WebhookQueue(t *testing.T) {
	api := setupTestAPI(t)
	ctx := context.Background()

	_, err := api.queue.Enqueue(webhook.Item{URL: "https://example.com/hook", EventType: "job.completed"})
	require.NoError(t, err)

	resp, body := api.do(t, http.MethodGet, "/webhooks/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	queue := decode[QueueResponse](t, body)
	assert.Equal(t, 1, queue.Stats.Pending)
	assert.Len(t, queue.Pending, 1)

	require.NoError(t, api.deadLetters.Add(ctx, &webhook.Item{ID: "dead-1", URL: "https://example.com/a", Attempts: 3}))
	require.NoError(t, api.deadLetters.Add(ctx, &webhook.Item{ID: "dead-2", URL: "https://example.com/b", Attempts: 3}))

	resp, body = api.do(t, http.MethodGet, "/webhooks/dead-letters", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[map[string][]webhook.Item](t, body)["dead_letters"], 2)

	resp, _ = api.do(t, http.MethodPost, "/webhooks/dead-letters/dead-1/retry", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body = api.do(t, http.MethodPost, "/webhooks/dead-letters/missing/retry", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "dead_letter_not_found", decode[map[string]any](t, body)["type"])

	resp, body = api.do(t, http.MethodDelete, "/webhooks/dead-letters", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 1, decode[map[string]any](t, body)["cleared"], 0)
}

func TestAPI_Metrics(t *testing.T) {
	api := setupTestAPI(t)

	_ = api.breakers.Execute(context.Background(), "http:t", "http", func(context.Context) error { return nil })

	resp, body := api.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "runbook_circuit_state")
}
