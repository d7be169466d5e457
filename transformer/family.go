package transformer

import (
	"fmt"
	"strconv"
	"strings"
)

// Family is a device product line
type Family string

const (
	FamilyClimate Family = "climate"
	FamilyAquatic Family = "aquatic"
	FamilyGas     Family = "gas"
)

// Families lists every supported family
var Families = []Family{FamilyClimate, FamilyAquatic, FamilyGas}

var familyAliases = map[string]Family{
	"climate":  FamilyClimate,
	"env":      FamilyClimate,
	"weather":  FamilyClimate,
	"aquatic":  FamilyAquatic,
	"aqua":     FamilyAquatic,
	"water":    FamilyAquatic,
	"gas":      FamilyGas,
	"gas-solo": FamilyGas,
	"gassolo":  FamilyGas,
}

// ParseFamily resolves a model name or family alias, case-insensitively
func ParseFamily(model string) (Family, bool) {
	family, ok := familyAliases[strings.ToLower(strings.TrimSpace(model))]
	return family, ok
}

// Hardware identifier keys in the order firmware generations introduced them
var hardwareIDKeys = []string{"devid", "i", "id", "device_id"}

// Keys carrying the family hint
var modelKeys = []string{"model", "m"}

// HardwareID extracts the hardware identifier from a raw body, or "" when absent
func HardwareID(body map[string]interface{}) string {
	for _, key := range hardwareIDKeys {
		if id := stringValue(body[key]); id != "" {
			return id
		}
	}
	return ""
}

// Classifier maps a raw body to a device family
type Classifier struct {
	legacyClimate map[string]struct{}
}

// NewClassifier creates a classifier. Hardware ids in legacyClimateIDs are
// treated as climate devices when the body carries no model field.
func NewClassifier(legacyClimateIDs []string) *Classifier {
	legacy := make(map[string]struct{}, len(legacyClimateIDs))
	for _, id := range legacyClimateIDs {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" {
			legacy[id] = struct{}{}
		}
	}
	return &Classifier{legacyClimate: legacy}
}

// Classify returns the family named by the body's model field, falling back
// to the legacy allowlist.
func (c *Classifier) Classify(body map[string]interface{}, hardwareID string) (Family, bool) {
	for _, key := range modelKeys {
		model := stringValue(body[key])
		if model == "" {
			continue
		}
		if family, ok := ParseFamily(model); ok {
			return family, true
		}
	}
	if _, ok := c.legacyClimate[strings.ToLower(hardwareID)]; ok {
		return FamilyClimate, true
	}
	return "", false
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}
