package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/runbook/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestEntityErrors(t *testing.T) {
	t.Parallel()

	t.Run("unwraps to the sentinel", func(t *testing.T) {
		err := persistence.NewJobError("GetByID", "job-1", persistence.ErrJobNotFound)

		assert.True(t, errors.Is(err, persistence.ErrJobNotFound))
		assert.False(t, errors.Is(err, persistence.ErrEventNotFound))
		assert.True(t, persistence.IsNotFound(err))
	})

	t.Run("message carries context", func(t *testing.T) {
		err := persistence.NewEventError("IncrementExecutionCount", "event-9", persistence.ErrEventNotFound)

		assert.Contains(t, err.Error(), "IncrementExecutionCount")
		assert.Contains(t, err.Error(), "event event-9")
		assert.Contains(t, err.Error(), "event not found")
	})

	t.Run("wrapped twice is still not found", func(t *testing.T) {
		err := fmt.Errorf("load: %w", persistence.NewWorkflowError("GetByID", "wf", persistence.ErrWorkflowNotFound))

		assert.True(t, persistence.IsNotFound(err))
	})

	t.Run("other errors are not not-found", func(t *testing.T) {
		assert.False(t, persistence.IsNotFound(errors.New("connection refused")))
	})
}
