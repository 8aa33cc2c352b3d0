// Package persistencetest holds behaviour tests shared by every persistence implementation.
package persistencetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
	"github.com/dukex/runbook/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises p against the contract declared by persistence.Persistence. newPersistence must
// return an empty store for every call.
func Run(t *testing.T, newPersistence func(t *testing.T) persistence.Persistence) {
	t.Helper()

	t.Run("jobs", func(t *testing.T) { testJobs(t, newPersistence(t)) })
	t.Run("due jobs", func(t *testing.T) { testDueJobs(t, newPersistence(t)) })
	t.Run("claim", func(t *testing.T) { testClaim(t, newPersistence(t)) })
	t.Run("finish", func(t *testing.T) { testFinish(t, newPersistence(t)) })
	t.Run("events", func(t *testing.T) { testEvents(t, newPersistence(t)) })
	t.Run("executions and logs", func(t *testing.T) { testExecutions(t, newPersistence(t)) })
	t.Run("workflows", func(t *testing.T) { testWorkflows(t, newPersistence(t)) })
}

func testJobs(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.JobRepository()

	_, err := repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, persistence.ErrJobNotFound)

	exitCode := 0
	job := testutil.CreateTestJob()
	job.Metadata = models.JobMetadata{IsRecurring: true, ExecutionNumber: 2, PreviousJobID: "prev"}
	require.NoError(t, repo.Create(ctx, job))
	assert.False(t, job.CreatedAt.IsZero())

	job.Status = models.JobStatusCompleted
	job.Result = &models.JobOutcome{ExitCode: &exitCode, Output: "hello"}
	require.NoError(t, repo.Update(ctx, job))

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.Equal(t, "hello", stored.Result.Output)
	assert.Equal(t, 0, *stored.Result.ExitCode)
	assert.True(t, stored.Metadata.IsRecurring)
	assert.Equal(t, "prev", stored.Metadata.PreviousJobID)
	require.NotNil(t, stored.Payload.Script)
	assert.Equal(t, "echo hello", stored.Payload.Script.Content)

	second := testutil.CreateTestJob(func(j *models.Job) { j.EventID = job.EventID })
	require.NoError(t, repo.Create(ctx, second))

	byEvent, err := repo.ListByEvent(ctx, job.EventID)
	require.NoError(t, err)
	assert.Len(t, byEvent, 2)

	missing := testutil.CreateTestJob()
	assert.ErrorIs(t, repo.Update(ctx, missing), persistence.ErrJobNotFound)
}

func testDueJobs(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.JobRepository()
	now := time.Now().UTC().Truncate(time.Millisecond)

	early := testutil.CreateTestJob(testutil.WithScheduledFor(now.Add(-2 * time.Minute)))
	late := testutil.CreateTestJob(testutil.WithScheduledFor(now.Add(-1 * time.Minute)))
	urgent := testutil.CreateTestJob(testutil.WithScheduledFor(now.Add(-30 * time.Second)), func(j *models.Job) { j.Priority = 10 })
	future := testutil.CreateTestJob(testutil.WithScheduledFor(now.Add(time.Hour)))
	done := testutil.CreateTestJob(testutil.WithScheduledFor(now.Add(-time.Hour)), testutil.WithStatus(models.JobStatusCompleted))

	for _, job := range []*models.Job{early, late, urgent, future, done} {
		require.NoError(t, repo.Create(ctx, job))
	}

	due, err := repo.DueJobs(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, urgent.ID, due[0].ID)
	assert.Equal(t, early.ID, due[1].ID)
	assert.Equal(t, late.ID, due[2].ID)

	limited, err := repo.DueJobs(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testClaim(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.JobRepository()

	job := testutil.CreateTestJob()
	require.NoError(t, repo.Create(ctx, job))

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			claimed, err := repo.Claim(ctx, job.ID)
			assert.NoError(t, err)

			if claimed {
				winners.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusClaimed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func testFinish(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.JobRepository()

	job := testutil.CreateTestJob(testutil.WithStatus(models.JobStatusRunning))
	require.NoError(t, repo.Create(ctx, job))

	statuses := []models.JobStatus{
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusTimeout, models.JobStatusCancelled,
	}

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		winner  atomic.Value
	)

	for i := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			done, err := repo.GetByID(ctx, job.ID)
			if !assert.NoError(t, err) {
				return
			}

			done.Status = statuses[i%len(statuses)]

			finished, err := repo.Finish(ctx, done)
			assert.NoError(t, err)

			if finished {
				winners.Add(1)
				winner.Store(done.Status)
			}
		}()
	}

	wg.Wait()
	require.Equal(t, int32(1), winners.Load())

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, winner.Load(), stored.Status)

	late := *stored
	late.Status = models.JobStatusFailed
	finished, err := repo.Finish(ctx, &late)
	require.NoError(t, err)
	assert.False(t, finished)

	missing := testutil.CreateTestJob(testutil.WithStatus(models.JobStatusCompleted))
	_, err = repo.Finish(ctx, missing)
	assert.ErrorIs(t, err, persistence.ErrJobNotFound)
}

func testEvents(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.EventRepository()

	_, err := repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, persistence.ErrEventNotFound)

	event := testutil.CreateTestEvent(testutil.WithMaxExecutions(3, 1))
	event.Webhooks = []models.WebhookTarget{{URL: "https://hooks.example.com/x", On: models.NotifyOnAlways}}
	require.NoError(t, repo.Save(ctx, event))

	updated, err := repo.IncrementExecutionCount(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.ExecutionCount)

	last := time.Now().UTC().Truncate(time.Millisecond)
	next := last.Add(5 * time.Minute)
	require.NoError(t, repo.UpdateRunTimes(ctx, event.ID, &last, &next))

	stored, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ExecutionCount)
	require.NotNil(t, stored.LastRunAt)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, last.Equal(*stored.LastRunAt))
	assert.True(t, next.Equal(*stored.NextRunAt))
	require.Len(t, stored.Webhooks, 1)
	assert.Equal(t, models.NotifyOnAlways, stored.Webhooks[0].On)

	require.NoError(t, repo.UpdateRunTimes(ctx, event.ID, nil, nil))
	stored, err = repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.NextRunAt)
	assert.NotNil(t, stored.LastRunAt)

	_, err = repo.IncrementExecutionCount(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, persistence.ErrEventNotFound)
}

func testExecutions(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.ExecutionRepository()

	job := testutil.CreateTestJob()
	require.NoError(t, p.JobRepository().Create(ctx, job))

	_, err := repo.LatestExecution(ctx, job.ID)
	require.ErrorIs(t, err, persistence.ErrExecutionNotFound)

	_, err = repo.LatestLog(ctx, job.ID)
	require.ErrorIs(t, err, persistence.ErrLogNotFound)

	first := &models.Execution{JobID: job.ID, EventID: job.EventID, Status: models.JobStatusFailed, Output: "first"}
	require.NoError(t, repo.SaveExecution(ctx, first))

	time.Sleep(5 * time.Millisecond)

	exitCode := 0
	second := &models.Execution{JobID: job.ID, EventID: job.EventID, Status: models.JobStatusCompleted, Output: "second", ExitCode: &exitCode}
	require.NoError(t, repo.SaveExecution(ctx, second))

	latest, err := repo.LatestExecution(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, "second", latest.Output)

	log := &models.Log{EventID: job.EventID, JobID: job.ID, Status: models.LogStatusRunning, StartTime: time.Now().UTC()}
	require.NoError(t, repo.SaveLog(ctx, log))

	log.Status = models.LogStatusSuccess
	log.Output = "done"
	require.NoError(t, repo.SaveLog(ctx, log))

	stored, err := repo.GetLog(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LogStatusSuccess, stored.Status)

	latestLog, err := repo.LatestLog(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, log.ID, latestLog.ID)
	assert.Equal(t, "done", latestLog.Output)
}

func testWorkflows(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.WorkflowRepository()

	_, err := repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	workflow := testutil.CreateTestWorkflow("a", "b", "c")
	workflow.WebhookKey = "key-123"
	workflow.Security = &models.WebhookSecurity{Secret: "s3cret", VerifyTimestamp: true}
	require.NoError(t, repo.Save(ctx, workflow))

	stored, err := repo.GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Name, stored.Name)
	assert.Len(t, stored.Nodes, 3)
	assert.Len(t, stored.Connections, 2)
	require.NotNil(t, stored.Security)
	assert.Equal(t, "s3cret", stored.Security.Secret)

	byKey, err := repo.GetByWebhookKey(ctx, "key-123")
	require.NoError(t, err)
	assert.Equal(t, workflow.ID, byKey.ID)

	_, err = repo.GetByWebhookKey(ctx, "unknown")
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	workflow.Name = "Renamed"
	require.NoError(t, repo.Save(ctx, workflow))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Renamed", all[0].Name)

	require.NoError(t, repo.Delete(ctx, workflow.ID))
	_, err = repo.GetByID(ctx, workflow.ID)
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, workflow.ID), persistence.ErrWorkflowNotFound)
}
