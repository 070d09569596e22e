package mqtt

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/agronos/device-agent/internal/config"
	"github.com/agronos/device-agent/internal/store"
	"github.com/agronos/device-agent/internal/telemetry"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "state.db"), slog.Default())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled:           true,
		Port:              1883,
		KeepAliveSec:      60,
		ReconnectDelaySec: 5,
		CleanSession:      true,
	}
}

func TestTopics(t *testing.T) {
	tr := NewTransport(newTestStore(t), "dev-42", testMQTTConfig(), slog.Default())

	if got, want := tr.dataTopic(), "devices/dev-42/sensors"; got != want {
		t.Errorf("dataTopic() = %q, want %q", got, want)
	}
	if got, want := tr.statusTopic(), "devices/dev-42/status"; got != want {
		t.Errorf("statusTopic() = %q, want %q", got, want)
	}
	if got, want := tr.CommandTopic(), "devices/dev-42/commands"; got != want {
		t.Errorf("CommandTopic() = %q, want %q", got, want)
	}
}

func TestClientID(t *testing.T) {
	tr := NewTransport(newTestStore(t), "abc-123", testMQTTConfig(), slog.Default())
	if got, want := tr.ClientID(), "agronos-abc-123"; got != want {
		t.Errorf("ClientID() = %q, want %q", got, want)
	}
}

func TestBrokerAddr(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{"broker.example.com", "broker.example.com:1883"},
		{"broker.example.com:8883", "broker.example.com:8883"},
		{"mqtt://broker.example.com", "broker.example.com:1883"},
		{"mqtts://broker.example.com:8883", "broker.example.com:8883"},
		{"tcp://broker.example.com/", "broker.example.com:1883"},
	}
	for _, tt := range tests {
		tr := NewTransport(newTestStore(t), "d1", testMQTTConfig(), slog.Default())
		tr.creds = store.Credentials{Server: tt.server, Username: "u", Password: "p", Valid: true}
		if got := tr.brokerAddr(); got != tt.want {
			t.Errorf("brokerAddr(%q) = %q, want %q", tt.server, got, tt.want)
		}
	}
}

func TestConnect_NoCredentials(t *testing.T) {
	tr := NewTransport(newTestStore(t), "d1", testMQTTConfig(), slog.Default())

	err := tr.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() error = nil, want credentials error")
	}
	if !strings.Contains(err.Error(), "credentials") {
		t.Errorf("Connect() error = %v, want credentials error", err)
	}
	if tr.Connected() {
		t.Error("Connected() = true after failed Connect")
	}
}

func TestConnect_ReconnectThrottle(t *testing.T) {
	st := newTestStore(t)
	if err := st.SetMQTTCredentials("127.0.0.1:1", "u", "p"); err != nil {
		t.Fatalf("SetMQTTCredentials() error = %v", err)
	}

	tr := NewTransport(st, "d1", testMQTTConfig(), slog.Default())
	tr.lastAttempt = time.Now()

	err := tr.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() error = nil, want throttle error")
	}
	if !strings.Contains(err.Error(), "throttled") {
		t.Errorf("Connect() error = %v, want throttle error", err)
	}
}

func TestConnect_DialFailureLeavesCleanState(t *testing.T) {
	st := newTestStore(t)
	// Port 1 on loopback refuses connections.
	if err := st.SetMQTTCredentials("127.0.0.1:1", "u", "p"); err != nil {
		t.Fatalf("SetMQTTCredentials() error = %v", err)
	}

	tr := NewTransport(st, "d1", testMQTTConfig(), slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err == nil {
		t.Fatal("Connect() error = nil, want dial error")
	}
	if tr.Connected() {
		t.Error("Connected() = true after failed dial")
	}
	if tr.conn != nil || tr.client != nil {
		t.Error("transport holds connection state after failed dial")
	}
}

func TestPublishSensors_NotConnected(t *testing.T) {
	tr := NewTransport(newTestStore(t), "d1", testMQTTConfig(), slog.Default())

	err := tr.PublishSensors(context.Background(), []telemetry.Reading{{UUID: "s1", Value: 1}})
	if err == nil {
		t.Fatal("PublishSensors() error = nil, want not-connected error")
	}
	if !strings.Contains(err.Error(), "not connected") {
		t.Errorf("PublishSensors() error = %v, want not-connected error", err)
	}
}

func TestBuildSensorPayload(t *testing.T) {
	tr := NewTransport(newTestStore(t), "dev-7", testMQTTConfig(), slog.Default())

	now := time.Unix(1756600000, 0)
	payload, err := tr.buildSensorPayload([]telemetry.Reading{
		{UUID: "s1", Value: 22.567},
		{UUID: "s2", Value: 41},
	}, now)
	if err != nil {
		t.Fatalf("buildSensorPayload() error = %v", err)
	}

	var got sensorPayload
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.DeviceID != "dev-7" {
		t.Errorf("DeviceID = %q, want %q", got.DeviceID, "dev-7")
	}
	if got.Timestamp != 1756600000 {
		t.Errorf("Timestamp = %d, want %d", got.Timestamp, 1756600000)
	}
	if len(got.Sensors) != 2 {
		t.Fatalf("len(Sensors) = %d, want 2", len(got.Sensors))
	}
	if got.Sensors[0].Value != 22.57 {
		t.Errorf("Sensors[0].Value = %v, want 22.57", got.Sensors[0].Value)
	}
	if !strings.Contains(string(payload), `"value":22.57`) {
		t.Errorf("payload = %s, want rounded value 22.57", payload)
	}
}

func TestBuildSensorPayload_EmptyBatch(t *testing.T) {
	tr := NewTransport(newTestStore(t), "d1", testMQTTConfig(), slog.Default())
	if _, err := tr.buildSensorPayload(nil, time.Now()); err == nil {
		t.Error("buildSensorPayload(nil) error = nil, want error")
	}
}
