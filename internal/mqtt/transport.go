// Package mqtt maintains the device's connection to the broker account
// provisioned by the backend and publishes telemetry and status
// payloads to the device's topic tree.
//
// The transport uses Eclipse Paho v2's [paho] client directly over an
// owned network connection rather than the autopaho connection manager:
// the delivery pipeline makes at most one connect and one publish
// attempt per cycle and tears the connection down before sleeping, so
// background reconnection would fight the power model. Every failure
// leaves the transport cleanly disconnected.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/agronos/device-agent/internal/config"
	"github.com/agronos/device-agent/internal/store"
	"github.com/agronos/device-agent/internal/telemetry"
)

// Topic templates, formatted with the device UUID. The broker ACL
// allows devices/<username>/#, so the device identifier doubles as the
// topic key.
const (
	topicDataTemplate    = "devices/%s/sensors"
	topicStatusTemplate  = "devices/%s/status"
	topicCommandTemplate = "devices/%s/commands"
)

// QoS per message class: sensor data must arrive at least once, status
// is fire-and-forget.
const (
	qosData   = 1
	qosStatus = 0
)

// Transport is the broker connection. Not safe for concurrent use; the
// orchestration loop is its only caller.
type Transport struct {
	store      *store.Store
	deviceUUID string
	cfg        config.MQTTConfig
	logger     *slog.Logger

	creds       store.Credentials
	credsLoaded bool

	conn      net.Conn
	client    *paho.Client
	connected atomic.Bool

	lastAttempt time.Time
}

// NewTransport creates a disconnected transport. Credentials are read
// from the store on the first Connect and cached for the transport's
// lifetime while they remain valid.
func NewTransport(st *store.Store, deviceUUID string, cfg config.MQTTConfig, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		store:      st,
		deviceUUID: deviceUUID,
		cfg:        cfg,
		logger:     logger,
	}
}

func (t *Transport) loadCredentials() error {
	if t.credsLoaded && t.creds.Valid {
		return nil
	}

	creds, err := t.store.MQTTCredentials()
	if err != nil {
		return fmt.Errorf("load mqtt credentials: %w", err)
	}
	if !creds.Valid {
		return fmt.Errorf("no mqtt credentials available")
	}

	t.creds = creds
	t.credsLoaded = true
	return nil
}

// brokerAddr normalizes the stored broker URL (which may carry a
// scheme and an explicit port) into a host:port dial target.
func (t *Transport) brokerAddr() string {
	server := t.creds.Server
	for _, scheme := range []string{"mqtts://", "mqtt://", "ssl://", "tcp://"} {
		if strings.HasPrefix(server, scheme) {
			server = strings.TrimPrefix(server, scheme)
			break
		}
	}
	server = strings.TrimSuffix(server, "/")

	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, fmt.Sprintf("%d", t.cfg.Port))
}

// ClientID returns the broker client identifier derived from the
// device identity.
func (t *Transport) ClientID() string {
	return "agronos-" + t.deviceUUID
}

// Connect performs the broker handshake. Trivially succeeds when
// already connected; fails fast when no valid credentials are stored or
// when called again before the reconnect delay has elapsed since the
// last failed attempt. Any handshake failure is reported as an error,
// never a panic, and leaves the transport disconnected.
func (t *Transport) Connect(ctx context.Context) error {
	if t.connected.Load() {
		return nil
	}

	if err := t.loadCredentials(); err != nil {
		return err
	}

	delay := time.Duration(t.cfg.ReconnectDelaySec) * time.Second
	if !t.lastAttempt.IsZero() && time.Since(t.lastAttempt) < delay {
		return fmt.Errorf("reconnect throttled (last attempt %s ago)",
			time.Since(t.lastAttempt).Truncate(time.Millisecond))
	}
	t.lastAttempt = time.Now()

	addr := t.brokerAddr()
	t.logger.Info("connecting to mqtt broker", "addr", addr, "client_id", t.ClientID())

	conn, err := t.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", addr, err)
	}

	client := paho.NewClient(paho.ClientConfig{
		Conn: conn,
		OnClientError: func(err error) {
			t.logger.Warn("mqtt client error", "error", err)
			t.connected.Store(false)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			t.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
			t.connected.Store(false)
		},
	})

	connack, err := client.Connect(ctx, &paho.Connect{
		ClientID:     t.ClientID(),
		KeepAlive:    uint16(t.cfg.KeepAliveSec),
		CleanStart:   t.cfg.CleanSession,
		Username:     t.creds.Username,
		UsernameFlag: true,
		Password:     []byte(t.creds.Password),
		PasswordFlag: true,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker handshake: %w", err)
	}
	if connack.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("broker rejected connection (reason code %d)", connack.ReasonCode)
	}

	t.conn = conn
	t.client = client
	t.connected.Store(true)
	t.logger.Info("mqtt connected")
	return nil
}

func (t *Transport) dial(ctx context.Context, addr string) (net.Conn, error) {
	if t.cfg.UseTLS {
		d := tls.Dialer{Config: &tls.Config{MinVersion: tls.VersionTLS12}}
		return d.DialContext(ctx, "tcp", addr)
	}
	d := net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// Connected reports live transport state.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// Disconnect gracefully closes an active connection. No-op when
// already disconnected.
func (t *Transport) Disconnect(ctx context.Context) {
	if !t.connected.Load() {
		return
	}

	if err := t.client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		t.logger.Debug("mqtt disconnect", "error", err)
	}
	t.teardown()
	t.logger.Info("mqtt disconnected")
}

// teardown resets to a clean Disconnected state so a subsequent
// Connect starts fresh.
func (t *Transport) teardown() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.client = nil
	t.connected.Store(false)
}

func (t *Transport) dataTopic() string {
	return fmt.Sprintf(topicDataTemplate, t.deviceUUID)
}

func (t *Transport) statusTopic() string {
	return fmt.Sprintf(topicStatusTemplate, t.deviceUUID)
}

// CommandTopic is the inbound command subscription target for variants
// that support remote commands; this device is publish-only.
func (t *Transport) CommandTopic() string {
	return fmt.Sprintf(topicCommandTemplate, t.deviceUUID)
}

type sensorEntry struct {
	UUID  string  `json:"uuid"`
	Value float64 `json:"value"`
}

type sensorPayload struct {
	DeviceID  string        `json:"device_id"`
	Timestamp int64         `json:"timestamp"`
	Sensors   []sensorEntry `json:"sensors"`
}

// PublishSensors publishes one reading batch as a single at-least-once
// message on the device's data topic. Only valid while connected.
func (t *Transport) PublishSensors(ctx context.Context, readings []telemetry.Reading) error {
	payload, err := t.buildSensorPayload(readings, time.Now())
	if err != nil {
		return err
	}
	return t.publish(ctx, t.dataTopic(), qosData, payload)
}

func (t *Transport) buildSensorPayload(readings []telemetry.Reading, now time.Time) ([]byte, error) {
	if len(readings) == 0 {
		return nil, fmt.Errorf("empty reading batch")
	}

	p := sensorPayload{
		DeviceID:  t.deviceUUID,
		Timestamp: now.Unix(),
		Sensors:   make([]sensorEntry, len(readings)),
	}
	for i, r := range readings {
		p.Sensors[i] = sensorEntry{UUID: r.UUID, Value: telemetry.Round2(r.Value)}
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal sensor payload: %w", err)
	}
	return payload, nil
}

// PublishStatus publishes a fire-and-forget status message on the
// device's status topic.
func (t *Transport) PublishStatus(ctx context.Context, status string) error {
	return t.publish(ctx, t.statusTopic(), qosStatus, []byte(status))
}

func (t *Transport) publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected, cannot publish to %s", topic)
	}

	t.logger.Debug("publishing", "topic", topic, "bytes", len(payload), "qos", qos)

	if _, err := t.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Payload: payload,
	}); err != nil {
		// A failed publish usually means the connection is gone; reset
		// so the next Connect starts clean.
		t.teardown()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
