package transformer

func normalizeAquatic(body map[string]interface{}) AquaticReading {
	return AquaticReading{
		Temperature:     field(body, "temperature", "temp", "water_temp", "wt"),
		PH:              field(body, "ph"),
		EC:              field(body, "ec", "conductivity"),
		TDS:             field(body, "tds"),
		DissolvedOxygen: field(body, "dissolved_oxygen", "do"),
		Turbidity:       field(body, "turbidity", "turb", "ntu"),
		Salinity:        field(body, "salinity", "sal"),
		ORP:             field(body, "orp"),
	}
}
