package dispatch

import "github.com/eddielth/telemetry-hub/transformer"

// DiscardReason says why a message produced no record
type DiscardReason string

const (
	DiscardEmptyBody         DiscardReason = "empty_body"
	DiscardMissingHardwareID DiscardReason = "missing_hardware_id"
	DiscardUnknownFamily     DiscardReason = "unknown_family"
	DiscardUnregistered      DiscardReason = "unregistered"
)

// Outcome is the result of processing one job: a record, or the reason the
// message was dropped. Exactly one of the two is set.
type Outcome struct {
	Record  *transformer.Record
	Discard DiscardReason
}

// Discarded reports whether the message was dropped
func (o Outcome) Discarded() bool {
	return o.Discard != ""
}

func discard(reason DiscardReason) Outcome {
	return Outcome{Discard: reason}
}
