package reconcile

import (
	"encoding/json"
	"time"
)

// Source identifies the channel an event arrived on
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

// Event is one upstream observation about a job. Payload is the body exactly
// as received; it is only interpreted by the engine.
type Event struct {
	JobID      string          `json:"job_id,omitempty"`
	Source     Source          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// NewEvent builds an event stamped with the current time
func NewEvent(jobID string, source Source, payload []byte) Event {
	return Event{
		JobID:      jobID,
		Source:     source,
		Payload:    json.RawMessage(payload),
		ReceivedAt: time.Now().UTC(),
	}
}
