package transformer

func normalizeGas(body map[string]interface{}) GasReading {
	return GasReading{
		CO2:         field(body, "co2"),
		CO:          field(body, "co"),
		NO2:         field(body, "no2"),
		SO2:         field(body, "so2"),
		O3:          field(body, "o3"),
		CH4:         field(body, "ch4"),
		VOC:         field(body, "voc", "tvoc"),
		H2S:         field(body, "h2s"),
		NH3:         field(body, "nh3"),
		Temperature: field(body, "temperature", "temp", "t"),
		Humidity:    field(body, "humidity", "hum", "h"),
		Pressure:    field(body, "pressure", "pres", "p"),
	}
}
