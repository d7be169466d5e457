package transformer

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownFamily is returned for a family without a handler
var ErrUnknownFamily = errors.New("unknown device family")

// Input is the raw material of one normalization
type Input struct {
	HardwareID    string
	Body          map[string]interface{}
	TransportTime time.Time
	Carrier       map[string]interface{}
	// Now is the processing time used as the last timestamp fallback
	Now time.Time
}

// Normalize turns a raw body into a canonical record. It never fails on a
// degenerate payload: missing or malformed fields take their defaults.
func Normalize(family Family, in Input) (Record, error) {
	var reading Reading
	switch family {
	case FamilyClimate:
		reading = normalizeClimate(in.Body)
	case FamilyAquatic:
		reading = normalizeAquatic(in.Body)
	case FamilyGas:
		reading = normalizeGas(in.Body)
	default:
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	deviceTime, resolved := ResolveTime(in.Body, in.TransportTime, now)

	voltage := field(in.Body, "voltage", "bv", "v", "battery_voltage")

	return Record{
		HardwareID:    in.HardwareID,
		Family:        family,
		TransportTime: in.TransportTime,
		DeviceTime:    deviceTime,
		Timestamp:     resolved,
		Reading:       reading,
		Voltage:       voltage,
		Battery:       Battery(voltage),
		Error:         errorCode(in.Body),
		Carrier:       in.Carrier,
	}, nil
}

// Normalizer runs the family handlers followed by any enrichment script
type Normalizer struct {
	scripts *Manager
	now     func() time.Time
}

// NewNormalizer creates a normalizer. scripts may be nil.
func NewNormalizer(scripts *Manager) *Normalizer {
	return &Normalizer{scripts: scripts, now: time.Now}
}

// Normalize normalizes one message and applies the family's script, if any
func (n *Normalizer) Normalize(family Family, in Input) (Record, error) {
	if in.Now.IsZero() {
		in.Now = n.now()
	}
	record, err := Normalize(family, in)
	if err != nil {
		return Record{}, err
	}
	if n.scripts != nil {
		record.Extra = n.scripts.Enrich(family, record.Values())
	}
	return record, nil
}
