package completion

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
	"github.com/dukex/runbook/pkg/persistence/memory"
	"github.com/dukex/runbook/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetResult_PendingJob(t *testing.T) {
	store := memory.NewPersistence()
	job := testutil.CreateTestJob(testutil.WithStatus(models.JobStatusRunning))
	require.NoError(t, store.JobRepository().Create(context.Background(), job))

	result, err := New(slog.Default(), store).GetResult(context.Background(), job.ID)

	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestGetResult_UnknownJob(t *testing.T) {
	_, err := New(slog.Default(), memory.NewPersistence()).GetResult(context.Background(), "missing")

	assert.ErrorIs(t, err, persistence.ErrJobNotFound)
}

func TestGetResult_PrefersExecutionOverLogOverJob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()

	exitCode := 3
	job := testutil.CreateTestJob(testutil.WithStatus(models.JobStatusFailed))
	job.Result = &models.JobOutcome{Output: "job output", Error: "job error", ExitCode: &exitCode, Duration: time.Second}
	require.NoError(t, store.JobRepository().Create(ctx, job))

	require.NoError(t, store.ExecutionRepository().SaveLog(ctx, &models.Log{
		JobID:        job.ID,
		Status:       models.LogStatusFailure,
		Error:        "log error",
		ScriptOutput: json.RawMessage(`{"from":"log"}`),
	}))

	started := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	completed := started.Add(4 * time.Second)
	require.NoError(t, store.ExecutionRepository().SaveExecution(ctx, &models.Execution{
		ID:          "exec-1",
		JobID:       job.ID,
		Status:      models.JobStatusFailed,
		Output:      "execution output",
		StartedAt:   &started,
		CompletedAt: &completed,
	}))

	result, err := New(slog.Default(), store).GetResult(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.False(t, result.Success)
	assert.Equal(t, models.JobStatusFailed, result.Status)
	assert.Equal(t, "execution output", result.Output)
	assert.Equal(t, "log error", result.Error)
	assert.JSONEq(t, `{"from":"log"}`, string(result.ScriptOutput))
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 3, *result.ExitCode)
	assert.Equal(t, 4*time.Second, result.Duration)
	assert.Equal(t, "exec-1", result.ExecutionID)
}

func TestWaitForCompletion_ReturnsWhenJobFinishes(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	job := testutil.CreateTestJob(testutil.WithStatus(models.JobStatusRunning))
	require.NoError(t, store.JobRepository().Create(ctx, job))

	go func() {
		time.Sleep(30 * time.Millisecond)

		finished := *job
		finished.Status = models.JobStatusCompleted
		finished.Result = &models.JobOutcome{Output: "done"}
		_ = store.JobRepository().Update(ctx, &finished)
	}()

	result, err := New(slog.Default(), store).WaitForCompletion(ctx, job.ID, time.Second, 5*time.Millisecond)

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "done", result.Output)
}

func TestWaitForCompletion_DeadlineYieldsTimeoutResult(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	job := testutil.CreateTestJob()
	require.NoError(t, store.JobRepository().Create(ctx, job))

	start := time.Now()
	result, err := New(slog.Default(), store).WaitForCompletion(ctx, job.ID, 100*time.Millisecond, 10*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, models.JobStatusTimeout, result.Status)
	assert.Equal(t, job.ID, result.JobID)
	assert.Contains(t, result.Error, "did not complete within 100ms")
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestWaitForCompletion_Cancelled(t *testing.T) {
	store := memory.NewPersistence()
	job := testutil.CreateTestJob()
	require.NoError(t, store.JobRepository().Create(context.Background(), job))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := New(slog.Default(), store).WaitForCompletion(ctx, job.ID, time.Minute, 5*time.Millisecond)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, result)
}

type flakyJobs struct {
	persistence.JobRepository
	failures atomic.Int32
}

func (f *flakyJobs) GetByID(ctx context.Context, id string) (*models.Job, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}

	return f.JobRepository.GetByID(ctx, id)
}

type flakyStore struct {
	*memory.Persistence
	jobs *flakyJobs
}

func (s *flakyStore) JobRepository() persistence.JobRepository {
	return s.jobs
}

func TestWaitForCompletion_SwallowsReadErrors(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewPersistence()

	job := testutil.CreateTestJob(testutil.WithStatus(models.JobStatusCompleted))
	require.NoError(t, inner.JobRepository().Create(ctx, job))

	jobs := &flakyJobs{JobRepository: inner.JobRepository()}
	jobs.failures.Store(3)

	sync := New(slog.Default(), &flakyStore{Persistence: inner, jobs: jobs}, WithDefaults(time.Second, 5*time.Millisecond))

	result, err := sync.WaitForCompletion(ctx, job.ID, 0, 0)

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, models.JobStatusCompleted, result.Status)
}
