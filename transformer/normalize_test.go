package transformer

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var arrival = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func TestNormalizeClimateExample(t *testing.T) {
	body := map[string]interface{}{
		"devid":    "2af0",
		"temp":     "24.5",
		"humidity": "61",
		"pm2_5":    "12",
	}

	rec, err := Normalize(FamilyClimate, Input{HardwareID: "2af0", Body: body, TransportTime: arrival})
	require.NoError(t, err)

	climate, ok := rec.Reading.(ClimateReading)
	require.True(t, ok)
	assert.Equal(t, 24.5, climate.Temperature)
	assert.Equal(t, 61.0, climate.Humidity)
	assert.Equal(t, 12.0, climate.PM2_5)
	assert.Equal(t, AQI(12), climate.AQI)
	assert.Equal(t, 50.0, climate.AQI)
	assert.Equal(t, 0.0, rec.Battery)
	assert.Equal(t, "0000", rec.Error)
	assert.Equal(t, arrival, rec.Timestamp)
	assert.True(t, rec.DeviceTime.IsZero())
}

func TestNormalizeNeverProducesNaN(t *testing.T) {
	body := map[string]interface{}{
		"temp":     "NaN",
		"humidity": "+Inf",
		"pm2_5":    "twelve",
		"pm10":     []interface{}{1, 2},
		"ph":       map[string]interface{}{"v": 7},
		"co2":      nil,
		"voltage":  "abc",
	}
	for _, family := range Families {
		rec, err := Normalize(family, Input{Body: body, TransportTime: arrival})
		require.NoError(t, err)
		for name, v := range rec.Values() {
			assert.False(t, math.IsNaN(v), "%s/%s is NaN", family, name)
			assert.False(t, math.IsInf(v, 0), "%s/%s is Inf", family, name)
			assert.Equal(t, 0.0, v, "%s/%s should default to 0", family, name)
		}
	}
}

func TestNormalizeAbsentFieldsDefault(t *testing.T) {
	rec, err := Normalize(FamilyAquatic, Input{Body: map[string]interface{}{"devid": "aq-1"}, TransportTime: arrival})
	require.NoError(t, err)

	aquatic := rec.Reading.(AquaticReading)
	assert.Equal(t, AquaticReading{}, aquatic)
	assert.Equal(t, DefaultErrorCode, rec.Error)
}

func TestNormalizeAquaticAndGas(t *testing.T) {
	aq, err := Normalize(FamilyAquatic, Input{Body: map[string]interface{}{
		"ph": 7.2, "do": "8.1", "ec": 450, "wt": 18.5, "voltage": 3.6, "error": 12,
	}, TransportTime: arrival})
	require.NoError(t, err)
	values := aq.Values()
	assert.Equal(t, 7.2, values["ph"])
	assert.Equal(t, 8.1, values["dissolved_oxygen"])
	assert.Equal(t, 450.0, values["ec"])
	assert.Equal(t, 18.5, values["temperature"])
	assert.Equal(t, 50.0, values["battery"])
	assert.Equal(t, "0012", aq.Error)

	gas, err := Normalize(FamilyGas, Input{Body: map[string]interface{}{
		"co2": "812", "tvoc": 0.4, "t": 21,
	}, TransportTime: arrival})
	require.NoError(t, err)
	values = gas.Values()
	assert.Equal(t, 812.0, values["co2"])
	assert.Equal(t, 0.4, values["voc"])
	assert.Equal(t, 21.0, values["temperature"])
}

func TestNormalizeUnknownFamily(t *testing.T) {
	_, err := Normalize(Family("sonar"), Input{Body: map[string]interface{}{"devid": "x"}})
	assert.ErrorIs(t, err, ErrUnknownFamily)
}

func TestNormalizeDeviceTime(t *testing.T) {
	deviceAt := time.Date(2025, 3, 14, 9, 29, 0, 0, time.UTC)
	rec, err := Normalize(FamilyClimate, Input{
		Body:          map[string]interface{}{"ts": deviceAt.Unix()},
		TransportTime: arrival,
	})
	require.NoError(t, err)
	assert.Equal(t, deviceAt, rec.Timestamp)
	assert.Equal(t, deviceAt, rec.DeviceTime)
	assert.Equal(t, "1741944540000", rec.TimestampKey())
}

func TestRecordSupportedFilter(t *testing.T) {
	rec, err := Normalize(FamilyClimate, Input{Body: map[string]interface{}{"temp": 20, "pm2_5": 40}, TransportTime: arrival})
	require.NoError(t, err)
	rec.Supported = map[string]struct{}{"temperature": {}}

	values := rec.Values()
	assert.Contains(t, values, "temperature")
	assert.Contains(t, values, "battery")
	assert.NotContains(t, values, "pm2_5")

	_, ok := rec.Value("pm2_5")
	assert.False(t, ok)
	assert.NotContains(t, values, "aqi")
}

func TestRecordSupportsDerivedFields(t *testing.T) {
	rec := Record{Supported: map[string]struct{}{"pm2_5": {}}}
	assert.True(t, rec.Supports("pm2_5"))
	assert.True(t, rec.Supports("aqi"))
	assert.False(t, rec.Supports("temperature"))

	rec.Supported = map[string]struct{}{"aqi": {}}
	assert.True(t, rec.Supports("aqi"))
	assert.False(t, rec.Supports("pm2_5"))

	assert.True(t, Record{}.Supports("pressure"))
}

func TestRecordMarshalJSON(t *testing.T) {
	rec, err := Normalize(FamilyClimate, Input{
		HardwareID:    "2af0",
		Body:          map[string]interface{}{"temp": "24.5"},
		TransportTime: arrival,
		Carrier:       map[string]interface{}{"rssi": -71},
	})
	require.NoError(t, err)
	rec.LogicalID = "AUID-1"

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "AUID-1", out["auid"])
	assert.Equal(t, "climate", out["family"])
	assert.Equal(t, 24.5, out["temperature"])
	assert.Equal(t, "0000", out["error"])
	assert.Equal(t, "2025-03-14T09:30:00Z", out["timestamp"])
	assert.NotContains(t, out, "device_time")
	assert.Contains(t, out, "carrier")
}

func TestNormalizerAppliesScript(t *testing.T) {
	scripts := &Manager{scripts: map[Family]*script{}}
	s, err := newScript(`function enrich(f) { return { heat_index: f.temperature + 1, temperature: 99 }; }`, "")
	require.NoError(t, err)
	scripts.scripts[FamilyClimate] = s

	n := NewNormalizer(scripts)
	rec, err := n.Normalize(FamilyClimate, Input{Body: map[string]interface{}{"temp": 30}, TransportTime: arrival})
	require.NoError(t, err)

	assert.Equal(t, 31.0, rec.Extra["heat_index"])
	assert.NotContains(t, rec.Extra, "temperature")
	assert.Equal(t, 30.0, rec.Values()["temperature"])
}
