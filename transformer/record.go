package transformer

import (
	"encoding/json"
	"strconv"
	"time"
)

// Reading is the family-specific part of a canonical record
type Reading interface {
	Family() Family
	// Values returns every canonical numeric field by datapoint name
	Values() map[string]float64
}

// ClimateReading is the canonical field set of climate stations
type ClimateReading struct {
	Temperature float64
	Humidity    float64
	Pressure    float64
	PM1         float64
	PM2_5       float64
	PM10        float64
	UV          float64
	Lux         float64
	Sound       float64
	AQI         float64
}

func (ClimateReading) Family() Family { return FamilyClimate }

func (r ClimateReading) Values() map[string]float64 {
	return map[string]float64{
		"temperature": r.Temperature,
		"humidity":    r.Humidity,
		"pressure":    r.Pressure,
		"pm1":         r.PM1,
		"pm2_5":       r.PM2_5,
		"pm10":        r.PM10,
		"uv":          r.UV,
		"lux":         r.Lux,
		"sound":       r.Sound,
		"aqi":         r.AQI,
	}
}

// AquaticReading is the canonical field set of water-quality probes
type AquaticReading struct {
	Temperature     float64
	PH              float64
	EC              float64
	TDS             float64
	DissolvedOxygen float64
	Turbidity       float64
	Salinity        float64
	ORP             float64
}

func (AquaticReading) Family() Family { return FamilyAquatic }

func (r AquaticReading) Values() map[string]float64 {
	return map[string]float64{
		"temperature":      r.Temperature,
		"ph":               r.PH,
		"ec":               r.EC,
		"tds":              r.TDS,
		"dissolved_oxygen": r.DissolvedOxygen,
		"turbidity":        r.Turbidity,
		"salinity":         r.Salinity,
		"orp":              r.ORP,
	}
}

// GasReading is the canonical field set of gas sensors
type GasReading struct {
	CO2         float64
	CO          float64
	NO2         float64
	SO2         float64
	O3          float64
	CH4         float64
	VOC         float64
	H2S         float64
	NH3         float64
	Temperature float64
	Humidity    float64
	Pressure    float64
}

func (GasReading) Family() Family { return FamilyGas }

func (r GasReading) Values() map[string]float64 {
	return map[string]float64{
		"co2":         r.CO2,
		"co":          r.CO,
		"no2":         r.NO2,
		"so2":         r.SO2,
		"o3":          r.O3,
		"ch4":         r.CH4,
		"voc":         r.VOC,
		"h2s":         r.H2S,
		"nh3":         r.NH3,
		"temperature": r.Temperature,
		"humidity":    r.Humidity,
		"pressure":    r.Pressure,
	}
}

// Record is the canonical telemetry record produced once per message
type Record struct {
	LogicalID     string
	HardwareID    string
	Family        Family
	TransportTime time.Time
	// DeviceTime is zero when the device clock was missing or implausible
	DeviceTime time.Time
	// Timestamp is the resolved reading time, always plausible
	Timestamp time.Time
	Reading   Reading
	Voltage   float64
	Battery   float64
	Error     string
	// Extra holds metrics computed by enrichment scripts
	Extra   map[string]float64
	Carrier map[string]interface{}
	// Supported restricts the reading fields exposed by Values; nil exposes all
	Supported map[string]struct{}
}

// derivedFrom names the reading field each derived datapoint is computed
// from. A derived datapoint is exposed whenever its source is.
var derivedFrom = map[string]string{
	"aqi": "pm2_5",
}

// Supports reports whether the device reports the named reading field. A
// nil Supported set means every field is supported.
func (r Record) Supports(name string) bool {
	if r.Supported == nil {
		return true
	}
	if _, ok := r.Supported[name]; ok {
		return true
	}
	source, derived := derivedFrom[name]
	if !derived {
		return false
	}
	_, ok := r.Supported[source]
	return ok
}

// Values returns the datapoints of the record: the reading fields the device
// supports with their derived values, the battery percentage and script
// extras.
func (r Record) Values() map[string]float64 {
	values := make(map[string]float64)
	if r.Reading != nil {
		for name, v := range r.Reading.Values() {
			if r.Supports(name) {
				values[name] = v
			}
		}
	}
	values["battery"] = r.Battery
	for name, v := range r.Extra {
		values[name] = v
	}
	return values
}

// Value returns a single datapoint
func (r Record) Value(name string) (float64, bool) {
	v, ok := r.Values()[name]
	return v, ok
}

// TimestampKey is the cache slot key of the record: resolved epoch milliseconds
func (r Record) TimestampKey() string {
	return strconv.FormatInt(r.Timestamp.UnixMilli(), 10)
}

// MarshalJSON flattens the record into the shape pushed to clients and cached
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 24)
	for name, v := range r.Values() {
		out[name] = v
	}
	out["auid"] = r.LogicalID
	out["hardware_id"] = r.HardwareID
	out["family"] = r.Family
	out["timestamp"] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	if !r.TransportTime.IsZero() {
		out["transport_time"] = r.TransportTime.UTC().Format(time.RFC3339Nano)
	}
	if !r.DeviceTime.IsZero() {
		out["device_time"] = r.DeviceTime.UTC().Format(time.RFC3339Nano)
	}
	out["voltage"] = r.Voltage
	out["error"] = r.Error
	if len(r.Carrier) > 0 {
		out["carrier"] = r.Carrier
	}
	return json.Marshal(out)
}
