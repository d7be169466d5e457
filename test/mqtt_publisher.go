package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"
)

// DeviceConfig describes one simulated device
type DeviceConfig struct {
	HardwareID string
	Family     string
	Interval   time.Duration
}

func main() {
	broker := pflag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := pflag.String("username", "user", "MQTT username")
	password := pflag.String("password", "password", "MQTT password")
	mode := pflag.String("mode", "continuous", "run mode: single, batch, continuous")
	family := pflag.String("family", "climate", "device family for batch mode: climate, aquatic, gas")
	count := pflag.Int("count", 10, "number of devices in batch mode")
	pflag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("telemetry-sim-%d", time.Now().Unix()))
	opts.SetUsername(*username)
	opts.SetPassword(*password)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to MQTT broker: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to MQTT broker: %s\n", *broker)

	switch *mode {
	case "single":
		publishSingle(client)
	case "batch":
		publishBatch(client, *family, *count)
	case "continuous":
		publishContinuous(client)
	default:
		fmt.Println("unknown mode, use single, batch or continuous")
		os.Exit(1)
	}
}

// publishSingle sends one reading per family, including a legacy climate
// body without a model field
func publishSingle(client paho.Client) {
	for _, dev := range []DeviceConfig{
		{HardwareID: "2af0", Family: "climate"},
		{HardwareID: "aq-0001", Family: "aquatic"},
		{HardwareID: "gs-0001", Family: "gas"},
	} {
		publishTelemetry(client, dev)
		publishStatus(client, dev, "online")
	}
	client.Disconnect(250)
}

func publishBatch(client paho.Client, family string, count int) {
	prefix := map[string]string{"climate": "cl", "aquatic": "aq", "gas": "gs"}[family]
	if prefix == "" {
		fmt.Printf("unknown family %q\n", family)
		return
	}
	for i := 1; i <= count; i++ {
		publishTelemetry(client, DeviceConfig{HardwareID: fmt.Sprintf("%s-%04d", prefix, i), Family: family})
		// spread the burst
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Println("batch published")
	client.Disconnect(250)
}

func publishContinuous(client paho.Client) {
	devices := []DeviceConfig{
		{HardwareID: "2af0", Family: "climate", Interval: 5 * time.Second},
		{HardwareID: "cl-0002", Family: "climate", Interval: 8 * time.Second},
		{HardwareID: "aq-0001", Family: "aquatic", Interval: 6 * time.Second},
		{HardwareID: "gs-0001", Family: "gas", Interval: 10 * time.Second},
	}

	for _, device := range devices {
		go func(dev DeviceConfig) {
			statusTicker := time.NewTicker(time.Minute)
			defer statusTicker.Stop()
			publishStatus(client, dev, "online")
			for {
				publishTelemetry(client, dev)
				select {
				case <-statusTicker.C:
					publishStatus(client, dev, "online")
				case <-time.After(dev.Interval):
				}
			}
		}(device)
		fmt.Printf("device %s (%s) reports every %v\n", device.HardwareID, device.Family, device.Interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("disconnecting...")
	client.Disconnect(250)
}

// body builds a raw payload in the shape each firmware line emits
func body(dev DeviceConfig) map[string]interface{} {
	voltage := round(3.4+rand.Float64()*0.8, 2)
	now := time.Now().Unix()
	switch dev.Family {
	case "aquatic":
		return map[string]interface{}{
			"devid":   dev.HardwareID,
			"model":   "aquatic",
			"ph":      round(6.5+rand.Float64()*1.5, 2),
			"do":      round(6+rand.Float64()*3, 2),
			"ec":      round(300+rand.Float64()*300, 0),
			"wt":      round(15+rand.Float64()*8, 1),
			"voltage": voltage,
			"ts":      now,
		}
	case "gas":
		return map[string]interface{}{
			"i":    dev.HardwareID,
			"m":    "gas-solo",
			"co2":  round(400+rand.Float64()*800, 0),
			"tvoc": round(rand.Float64()*2, 2),
			"t":    round(18+rand.Float64()*8, 1),
			"bv":   voltage,
		}
	default:
		// legacy climate firmware sends strings and no model field
		b := map[string]interface{}{
			"devid":    dev.HardwareID,
			"temp":     fmt.Sprintf("%.1f", 20+rand.Float64()*10),
			"humidity": fmt.Sprintf("%.0f", 40+rand.Float64()*40),
			"pm2_5":    fmt.Sprintf("%.1f", rand.Float64()*60),
			"voltage":  voltage,
		}
		if dev.HardwareID != "2af0" {
			b["model"] = "env"
			b["ts"] = now
		}
		return b
	}
}

func publishTelemetry(client paho.Client, dev DeviceConfig) {
	publish(client, fmt.Sprintf("devices/%s/telemetry", dev.HardwareID), body(dev))
}

func publishStatus(client paho.Client, dev DeviceConfig, status string) {
	publish(client, fmt.Sprintf("devices/%s/status", dev.HardwareID), map[string]interface{}{
		"devid":  dev.HardwareID,
		"status": status,
	})
}

func publish(client paho.Client, topic string, payload map[string]interface{}) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		fmt.Printf("failed to encode payload: %v\n", err)
		return
	}

	token := client.Publish(topic, 1, false, jsonData)
	token.Wait()
	if token.Error() != nil {
		fmt.Printf("failed to publish to %s: %v\n", topic, token.Error())
		return
	}
	fmt.Printf("[%s] %s %s\n", time.Now().Format("15:04:05"), topic, string(jsonData))
}

func round(v float64, places int) float64 {
	p := 1.0
	for i := 0; i < places; i++ {
		p *= 10
	}
	return float64(int64(v*p+0.5)) / p
}
