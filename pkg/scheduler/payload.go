package scheduler

import (
	"encoding/json"

	"github.com/dukex/runbook/pkg/models"
)

// BuildPayload shapes the dispatch payload for event's job type.
func BuildPayload(event *models.Event, input json.RawMessage) models.JobPayload {
	payload := models.JobPayload{
		Kind:        event.JobType(),
		Input:       input,
		Environment: event.Environment,
		Timeout:     event.Timeout,
	}

	switch payload.Kind {
	case models.JobTypeHTTPRequest:
		payload.HTTP = event.HTTPRequest
	case models.JobTypeToolAction:
		payload.Tool = event.ToolAction
	default:
		payload.Script = &models.ScriptPayload{Language: event.Type, Content: event.Content}
	}

	return payload
}
