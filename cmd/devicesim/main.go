// devicesim is a development stand-in for the lens station firmware. It
// connects to the broker with device credentials, streams synthetic
// telemetry, and acknowledges commands pushed to its command topic.
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Coder-HNP/LensClear/internal/httpapi"
)

type commandEnvelope struct {
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters"`
	Timestamp  time.Time       `json:"timestamp"`
}

func main() {
	broker := getEnv("MQTT_BROKER", "tcp://localhost:1883")
	deviceID := getEnv("DEVICE_ID", "")
	authToken := getEnv("DEVICE_TOKEN", "")
	interval := getEnv("TELEMETRY_INTERVAL", "5s")

	logger := httpapi.NewLogger(getEnv("LOG_LEVEL", "info")).With().Str("device_id", deviceID).Logger()

	if deviceID == "" || authToken == "" {
		logger.Fatal().Msg("DEVICE_ID and DEVICE_TOKEN are required")
	}
	every, err := time.ParseDuration(interval)
	if err != nil || every <= 0 {
		logger.Fatal().Str("interval", interval).Msg("TELEMETRY_INTERVAL must be a positive duration")
	}

	// The broker authenticates on client id + password; username mirrors the
	// id for operator-readable broker logs.
	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(deviceID).
		SetUsername(deviceID).
		SetPassword(authToken).
		SetAutoReconnect(true)

	client := pahomqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal().Err(token.Error()).Msg("mqtt connect failed")
	}
	defer client.Disconnect(250)

	running := false

	commandTopic := fmt.Sprintf("devices/%s/commands/#", deviceID)
	responseTopic := fmt.Sprintf("devices/%s/response", deviceID)
	dataTopic := fmt.Sprintf("devices/%s/sensors/data", deviceID)

	onCommand := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		start := time.Now()
		var env commandEnvelope
		if err := json.Unmarshal(msg.Payload(), &env); err != nil {
			logger.Warn().Err(err).Msg("ignoring malformed command")
			return
		}
		logger.Info().Str("command", env.Command).Msg("command received")

		switch env.Command {
		case "start_motor", "run_cycle":
			running = true
		case "stop_motor":
			running = false
		}

		elapsed := time.Since(start).Milliseconds()
		ack, _ := json.Marshal(map[string]any{
			"success":      true,
			"responseTime": elapsed,
		})
		client.Publish(responseTopic, 1, false, ack)
	}
	if token := client.Subscribe(commandTopic, 1, onCommand); token.Wait() && token.Error() != nil {
		logger.Fatal().Err(token.Error()).Msg("subscribe failed")
	}

	logger.Info().Str("broker", broker).Dur("interval", every).Msg("simulator running")

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sig:
			logger.Info().Msg("shutting down")
			return
		case <-ticker.C:
			state := "idle"
			rpm := 0.0
			if running {
				state = "running"
				rpm = 1200 + rand.Float64()*300
			}
			payload, _ := json.Marshal(map[string]any{
				"temperature":      18 + rand.Float64()*6,
				"rpm":              rpm,
				"powerConsumption": 40 + rand.Float64()*20,
				"vibration":        rand.Float64() * 2,
				"status":           state,
			})
			client.Publish(dataTopic, 0, false, payload)
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
