package transformer

// normalizeClimate maps climate station wire fields. Older firmware sends
// single-letter keys (t, h, p).
func normalizeClimate(body map[string]interface{}) ClimateReading {
	r := ClimateReading{
		Temperature: field(body, "temperature", "temp", "t"),
		Humidity:    field(body, "humidity", "hum", "h"),
		Pressure:    field(body, "pressure", "pres", "p"),
		PM1:         field(body, "pm1", "pm1_0"),
		PM2_5:       field(body, "pm2_5", "pm25"),
		PM10:        field(body, "pm10"),
		UV:          field(body, "uv", "uvi"),
		Lux:         field(body, "lux", "light"),
		Sound:       field(body, "sound", "noise", "db"),
	}
	r.AQI = AQI(r.PM2_5)
	return r
}
