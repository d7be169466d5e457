package transformer

import "math"

type aqiBreakpoint struct {
	cLow, cHigh float64
	iLow, iHigh float64
}

// US EPA PM2.5 (24h) breakpoints, µg/m³
var pm25Breakpoints = []aqiBreakpoint{
	{0.0, 12.0, 0, 50},
	{12.1, 35.4, 51, 100},
	{35.5, 55.4, 101, 150},
	{55.5, 150.4, 151, 200},
	{150.5, 250.4, 201, 300},
	{250.5, 350.4, 301, 400},
	{350.5, 500.4, 401, 500},
}

// AQI converts a PM2.5 concentration to the US air quality index
func AQI(pm25 float64) float64 {
	if pm25 <= 0 || math.IsNaN(pm25) {
		return 0
	}
	c := math.Floor(pm25*10) / 10
	for _, bp := range pm25Breakpoints {
		if c <= bp.cHigh {
			if c < bp.cLow {
				c = bp.cLow
			}
			index := (bp.iHigh-bp.iLow)/(bp.cHigh-bp.cLow)*(c-bp.cLow) + bp.iLow
			return math.Round(index)
		}
	}
	return 500
}

const (
	batteryEmptyVolts = 3.0
	batteryFullVolts  = 4.2
)

// Battery estimates the charge percentage of a single Li-ion cell.
// Values above 100 are taken as millivolts.
func Battery(voltage float64) float64 {
	if voltage <= 0 || math.IsNaN(voltage) {
		return 0
	}
	if voltage > 100 {
		voltage /= 1000
	}
	pct := (voltage - batteryEmptyVolts) / (batteryFullVolts - batteryEmptyVolts) * 100
	return math.Round(math.Max(0, math.Min(100, pct)))
}
