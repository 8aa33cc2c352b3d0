package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/runbook/pkg/events"
	"github.com/dukex/runbook/pkg/mocks"
	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence/memory"
	"github.com/dukex/runbook/pkg/schedule"
	"github.com/dukex/runbook/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

type fakeTools struct {
	mu     sync.Mutex
	calls  []models.ToolActionPayload
	output json.RawMessage
	err    error
}

func (f *fakeTools) Execute(_ context.Context, _ string, action models.ToolActionPayload, _ json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, action)

	return f.output, f.err
}

type fixture struct {
	dispatcher *Dispatcher
	scheduler  *scheduler.Scheduler
	store      *memory.Persistence
	bus        *mocks.MockEventBus
	tools      *fakeTools
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := func() time.Time { return fixedNow }
	store := memory.NewPersistence()
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	calculator := schedule.NewCalculator(slog.Default(), schedule.WithClock(clock))
	sched := scheduler.New(slog.Default(), store, calculator, scheduler.WithPublisher(bus), scheduler.WithClock(clock))
	tools := &fakeTools{output: json.RawMessage(`{"status":200}`)}

	return &fixture{
		dispatcher: New(slog.Default(), store.JobRepository(), sched, tools, bus, WithClock(clock)),
		scheduler:  sched,
		store:      store,
		bus:        bus,
		tools:      tools,
	}
}

func (f *fixture) enqueue(t *testing.T, payload models.JobPayload, at time.Time) string {
	t.Helper()

	id, err := f.scheduler.CreateScheduledJob(context.Background(), scheduler.JobSpec{
		EventID:      "event-1",
		UserID:       "user-1",
		Payload:      payload,
		ScheduledFor: &at,
	})
	require.NoError(t, err)

	return id
}

func (f *fixture) job(t *testing.T, id string) *models.Job {
	t.Helper()

	job, err := f.store.JobRepository().GetByID(context.Background(), id)
	require.NoError(t, err)

	return job
}

func dispatchedJobs(bus *mocks.MockEventBus) []string {
	var ids []string

	for _, call := range bus.Calls {
		if event, ok := call.Arguments.Get(2).(events.JobDispatched); ok {
			ids = append(ids, event.Job.ID)
		}
	}

	return ids
}

func scriptPayload() models.JobPayload {
	return models.JobPayload{Kind: models.JobTypeScript, Script: &models.ScriptPayload{Content: "echo hi"}}
}

func toolPayload() models.JobPayload {
	return models.JobPayload{
		Kind: models.JobTypeToolAction,
		Tool: &models.ToolActionPayload{ToolType: "slack", ToolID: "tool-1", ActionID: "send_message"},
	}
}

func TestPoll_PublishesDueScriptJobs(t *testing.T) {
	f := newFixture(t)

	due := f.enqueue(t, scriptPayload(), fixedNow.Add(-time.Minute))
	later := f.enqueue(t, scriptPayload(), fixedNow.Add(time.Hour))

	assert.Equal(t, 1, f.dispatcher.Poll(context.Background()))
	assert.Equal(t, []string{due}, dispatchedJobs(f.bus))
	assert.Equal(t, models.JobStatusClaimed, f.job(t, due).Status)
	assert.Equal(t, models.JobStatusQueued, f.job(t, later).Status)
}

func TestPoll_DoesNotDispatchTwice(t *testing.T) {
	f := newFixture(t)

	f.enqueue(t, scriptPayload(), fixedNow)

	assert.Equal(t, 1, f.dispatcher.Poll(context.Background()))
	assert.Equal(t, 0, f.dispatcher.Poll(context.Background()))
	assert.Len(t, dispatchedJobs(f.bus), 1)
}

func TestPoll_RunsToolActionsInProcess(t *testing.T) {
	f := newFixture(t)

	id := f.enqueue(t, toolPayload(), fixedNow)

	assert.Equal(t, 1, f.dispatcher.Poll(context.Background()))
	f.dispatcher.Wait()

	assert.Empty(t, dispatchedJobs(f.bus))
	require.Len(t, f.tools.calls, 1)
	assert.Equal(t, "send_message", f.tools.calls[0].ActionID)

	job := f.job(t, id)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	assert.JSONEq(t, `{"status":200}`, string(job.Result.ScriptOutput))
}

func TestPoll_ToolFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.tools.err = errors.New("slack returned status 500")

	id := f.enqueue(t, toolPayload(), fixedNow)

	f.dispatcher.Poll(context.Background())
	f.dispatcher.Wait()

	job := f.job(t, id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Result)
	assert.Contains(t, job.Result.Error, "status 500")
}

func TestPoll_ToolJobsWithoutGatewayArePublished(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.tools = nil

	id := f.enqueue(t, toolPayload(), fixedNow)

	f.dispatcher.Poll(context.Background())

	assert.Equal(t, []string{id}, dispatchedJobs(f.bus))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.interval = 5 * time.Millisecond

	id := f.enqueue(t, toolPayload(), fixedNow)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- f.dispatcher.Run(ctx) }()

	assert.Eventually(t, func() bool {
		job, err := f.store.JobRepository().GetByID(context.Background(), id)

		return err == nil && job.Status == models.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
