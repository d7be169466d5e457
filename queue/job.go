package queue

import (
	"errors"
	"time"
)

// Logical topics
const (
	TopicTelemetry = "telemetry"
	TopicStatus    = "status"
)

// ErrUnknownTopic is returned for a topic with no queue
var ErrUnknownTopic = errors.New("unknown queue topic")

// Job is one raw device message waiting to be processed. It is delivered at
// least once and never modified.
type Job struct {
	Topic string                 `json:"topic"`
	Body  map[string]interface{} `json:"body"`
	// When is the transport arrival time in epoch milliseconds
	When            int64                  `json:"when"`
	CarrierMetadata map[string]interface{} `json:"carrierMetadata,omitempty"`
	// ID deduplicates publishes within the stream's duplicate window
	ID string `json:"-"`
}

// Arrival returns When as a time, or the zero time when unset
func (j Job) Arrival() time.Time {
	if j.When <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(j.When).UTC()
}

func validTopic(topic string) bool {
	return topic == TopicTelemetry || topic == TopicStatus
}
