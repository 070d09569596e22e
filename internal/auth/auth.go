// Package auth performs device authentication against the backend:
// login with the burned-in device identity to obtain a bearer token,
// and a second provisioning call to obtain MQTT broker credentials once
// a token exists. Both steps are independently retryable; the backend
// models them as separate stages and a device may hold a valid token
// across reboots without re-fetching broker credentials.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agronos/device-agent/internal/httpkit"
	"github.com/agronos/device-agent/internal/store"
)

// Connectivity reports whether the device currently has a usable
// network uplink. The platform layer provides the implementation.
type Connectivity interface {
	Connected() bool
}

// Manager drives the two-stage backend provisioning sequence.
type Manager struct {
	store         *store.Store
	uuid          string
	secret        string
	retryInterval time.Duration
	net           Connectivity
	client        *http.Client
	logger        *slog.Logger

	lastAttempt time.Time
}

// NewManager creates an authentication manager. retryInterval is the
// minimum delay between periodic login attempts, measured from the last
// attempt rather than the last success.
func NewManager(st *store.Store, uuid, secret string, retryInterval time.Duration, net Connectivity, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:         st,
		uuid:          uuid,
		secret:        secret,
		retryInterval: retryInterval,
		net:           net,
		client: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type loginRequest struct {
	UUID   string `json:"uuid"`
	Secret string `json:"secret"`
}

type loginResponse struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

// AuthenticateOnce performs one blocking login attempt. On success the
// token is persisted in the auth namespace. Any other outcome (no
// network, non-2xx status, malformed body, missing token field) is an
// error; a server-supplied message field is surfaced for diagnostics.
func (m *Manager) AuthenticateOnce(ctx context.Context) error {
	m.lastAttempt = time.Now()

	if !m.net.Connected() {
		return fmt.Errorf("not connected, skipping authentication")
	}

	body, err := json.Marshal(loginRequest{UUID: m.uuid, Secret: m.secret})
	if err != nil {
		return fmt.Errorf("marshal login request: %w", err)
	}

	url := m.store.BaseURL() + "/api/v1/device/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	m.logger.Debug("authenticating", "url", url, "device", m.uuid)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var parsed loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode login response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || parsed.Token == "" {
		if parsed.Message != "" {
			return fmt.Errorf("login rejected (status %d): %s", resp.StatusCode, parsed.Message)
		}
		return fmt.Errorf("login failed (status %d): no token in response", resp.StatusCode)
	}

	if err := m.store.SetToken(parsed.Token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}

	m.logger.Info("device authenticated")
	return nil
}

// Tick runs one periodic authentication check. It does nothing unless
// the device is connected, no token is saved, and the retry interval
// has elapsed since the last attempt. Repeated failures therefore never
// tighten the retry loop.
func (m *Manager) Tick(ctx context.Context) {
	if !m.net.Connected() {
		return
	}

	token, err := m.store.Token()
	if err != nil {
		m.logger.Warn("read saved token", "error", err)
		return
	}
	if token != "" {
		return
	}

	if time.Since(m.lastAttempt) < m.retryInterval {
		return
	}

	if err := m.AuthenticateOnce(ctx); err != nil {
		m.logger.Warn("periodic authentication failed", "error", err)
	}
}

// HasMQTTCredentials reports whether a complete broker account is
// already persisted.
func (m *Manager) HasMQTTCredentials() bool {
	return m.store.HasMQTTCredentials()
}

type mqttCredentialsResponse struct {
	BrokerURL string `json:"mqtt_broker_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Message   string `json:"message"`
}

// FetchMQTTCredentials requests broker credentials from the backend
// using the saved bearer token. All three fields must be present and
// non-empty; nothing is persisted on a partial response.
func (m *Manager) FetchMQTTCredentials(ctx context.Context) error {
	token, err := m.store.Token()
	if err != nil {
		return fmt.Errorf("read saved token: %w", err)
	}
	if token == "" {
		return fmt.Errorf("no auth token available, cannot fetch mqtt credentials")
	}

	url := m.store.BaseURL() + "/api/v1/device/mqtt-credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build credentials request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("credentials request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("credentials request failed (status %d): %s", resp.StatusCode, body)
	}

	var parsed mqttCredentialsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode credentials response: %w", err)
	}

	if parsed.BrokerURL == "" || parsed.Username == "" || parsed.Password == "" {
		return fmt.Errorf("incomplete credentials response (broker=%t user=%t pass=%t)",
			parsed.BrokerURL != "", parsed.Username != "", parsed.Password != "")
	}

	if err := m.store.SetMQTTCredentials(parsed.BrokerURL, parsed.Username, parsed.Password); err != nil {
		return fmt.Errorf("persist mqtt credentials: %w", err)
	}

	m.logger.Info("mqtt credentials provisioned", "broker", parsed.BrokerURL)
	return nil
}
