package registry

import (
	"context"
	"errors"

	"github.com/eddielth/telemetry-hub/transformer"
)

// ErrNotFound is returned when no device is registered for a hardware id
var ErrNotFound = errors.New("device not registered")

// Identity is the registered identity of a device. It is read-only to the
// pipeline.
type Identity struct {
	HardwareID      string
	LogicalID       string
	Family          transformer.Family
	SupportedFields map[string]struct{}
	Collaborators   []string
	// Snapshot holds display metadata such as status, battery and nickname
	Snapshot map[string]interface{}
}

// Lookup resolves hardware ids to identities
type Lookup interface {
	FindByHardwareID(ctx context.Context, hardwareID string) (Identity, error)
}

// FieldSet builds a supported-field set from a list of names
func FieldSet(fields []string) map[string]struct{} {
	if len(fields) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
