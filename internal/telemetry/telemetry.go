// Package telemetry delivers sensor reading batches to the backend.
// MQTT is the preferred path when enabled and credentialed; HTTP is the
// fallback. One Deliver call makes at most one MQTT attempt; backoff
// across repeated failures belongs to the orchestration loop.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/agronos/device-agent/internal/httpkit"
	"github.com/agronos/device-agent/internal/store"
)

// Reading is one sensor sample, produced once per read cycle and
// consumed immediately.
type Reading struct {
	UUID  string  `json:"uuid"`
	Value float64 `json:"value"`
}

// Round2 rounds a sensor value to 2 decimal places, the precision the
// backend ingests.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Transport is the MQTT delivery path. The concrete implementation
// lives in the mqtt package; the indirection keeps telemetry testable
// without a broker.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	PublishSensors(ctx context.Context, readings []Reading) error
}

// Sender serializes reading batches and delivers them with fallback.
type Sender struct {
	store  *store.Store
	mqtt   Transport
	client *http.Client
	logger *slog.Logger
}

// NewSender creates a delivery manager without an MQTT transport;
// attach one with AttachTransport when MQTT is in play.
func NewSender(st *store.Store, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		store: st,
		client: httpkit.NewClient(
			httpkit.WithTimeout(20*time.Second),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// AttachTransport wires the MQTT delivery path.
func (s *Sender) AttachTransport(t Transport) {
	s.mqtt = t
}

// Deliver sends a batch of readings: MQTT first when enabled and
// credentialed, HTTP otherwise or on any MQTT failure. An empty batch
// is rejected before any network activity.
func (s *Sender) Deliver(ctx context.Context, readings []Reading) error {
	if len(readings) == 0 {
		return fmt.Errorf("empty reading batch")
	}

	if s.store.MQTTEnabled() && s.mqtt != nil && s.store.HasMQTTCredentials() {
		err := s.deliverMQTT(ctx, readings)
		if err == nil {
			return nil
		}
		s.logger.Warn("mqtt delivery failed, falling back to http", "error", err)
	}

	return s.deliverHTTP(ctx, readings)
}

// DeliverValues pairs explicit UUIDs with values and delivers them.
// Mismatched lengths are rejected outright.
func (s *Sender) DeliverValues(ctx context.Context, uuids []string, values []float64) error {
	if len(uuids) != len(values) {
		return fmt.Errorf("uuid/value length mismatch: %d vs %d", len(uuids), len(values))
	}

	readings := make([]Reading, len(uuids))
	for i := range uuids {
		readings[i] = Reading{UUID: uuids[i], Value: values[i]}
	}
	return s.Deliver(ctx, readings)
}

func (s *Sender) deliverMQTT(ctx context.Context, readings []Reading) error {
	if !s.mqtt.Connected() {
		if err := s.mqtt.Connect(ctx); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	}
	if err := s.mqtt.PublishSensors(ctx, readings); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	s.logger.Debug("batch delivered via mqtt", "readings", len(readings))
	return nil
}

type httpPayload struct {
	Sensors []Reading `json:"sensors"`
}

func (s *Sender) deliverHTTP(ctx context.Context, readings []Reading) error {
	token, err := s.store.Token()
	if err != nil {
		return fmt.Errorf("read saved token: %w", err)
	}
	if token == "" {
		return fmt.Errorf("no auth token available, cannot send data")
	}

	payload := httpPayload{Sensors: make([]Reading, len(readings))}
	for i, r := range readings {
		payload.Sensors[i] = Reading{UUID: r.UUID, Value: Round2(r.Value)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal data payload: %w", err)
	}

	url := s.store.BaseURL() + "/api/v1/device/data"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build data request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("data request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("data rejected (status %d): %s", resp.StatusCode, errBody)
	}

	s.logger.Debug("batch delivered via http", "readings", len(readings))
	return nil
}
