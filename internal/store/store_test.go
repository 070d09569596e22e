package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "device_test.db")
	s, err := NewStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWifiCreds_Missing(t *testing.T) {
	s := testStore(t)

	ssid, pass, ok, err := s.WifiCreds()
	if err != nil {
		t.Fatalf("WifiCreds() error: %v", err)
	}
	if ok {
		t.Error("WifiCreds() ok = true on fresh store, want false")
	}
	if ssid != "" || pass != "" {
		t.Errorf("WifiCreds() = (%q, %q), want empty", ssid, pass)
	}
}

func TestWifiCreds_RoundTrip(t *testing.T) {
	s := testStore(t)

	if err := s.SetWifiCreds("greenhouse", "hunter2"); err != nil {
		t.Fatalf("SetWifiCreds() error: %v", err)
	}

	ssid, pass, ok, err := s.WifiCreds()
	if err != nil {
		t.Fatalf("WifiCreds() error: %v", err)
	}
	if !ok {
		t.Fatal("WifiCreds() ok = false after save")
	}
	if ssid != "greenhouse" || pass != "hunter2" {
		t.Errorf("WifiCreds() = (%q, %q), want (greenhouse, hunter2)", ssid, pass)
	}
}

func TestSetWifiCreds_IdempotentWrite(t *testing.T) {
	s := testStore(t)

	if err := s.SetWifiCreds("greenhouse", "hunter2"); err != nil {
		t.Fatalf("first SetWifiCreds() error: %v", err)
	}
	before := s.writes

	if err := s.SetWifiCreds("greenhouse", "hunter2"); err != nil {
		t.Fatalf("second SetWifiCreds() error: %v", err)
	}
	if s.writes != before {
		t.Errorf("unchanged SetWifiCreds performed %d extra write(s), want 0", s.writes-before)
	}
}

func TestToken_RoundTrip(t *testing.T) {
	s := testStore(t)

	tok, err := s.Token()
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if tok != "" {
		t.Errorf("Token() = %q on fresh store, want empty", tok)
	}

	if err := s.SetToken("abc123"); err != nil {
		t.Fatalf("SetToken() error: %v", err)
	}
	tok, err = s.Token()
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if tok != "abc123" {
		t.Errorf("Token() = %q, want abc123", tok)
	}
}

func TestSetToken_IdempotentWrite(t *testing.T) {
	s := testStore(t)

	if err := s.SetToken("abc123"); err != nil {
		t.Fatalf("SetToken() error: %v", err)
	}
	before := s.writes
	if err := s.SetToken("abc123"); err != nil {
		t.Fatalf("second SetToken() error: %v", err)
	}
	if s.writes != before {
		t.Error("unchanged SetToken performed a write, want no-op")
	}
}

func TestMQTTCredentials_ValidityRequiresAllFields(t *testing.T) {
	s := testStore(t)

	c, err := s.MQTTCredentials()
	if err != nil {
		t.Fatalf("MQTTCredentials() error: %v", err)
	}
	if c.Valid {
		t.Error("fresh store credentials Valid = true, want false")
	}

	// A partial record must not be considered valid.
	if err := s.SetMQTTCredentials("broker.example.com", "dev-1", ""); err != nil {
		t.Fatalf("SetMQTTCredentials() error: %v", err)
	}
	c, err = s.MQTTCredentials()
	if err != nil {
		t.Fatalf("MQTTCredentials() error: %v", err)
	}
	if c.Valid {
		t.Error("credentials with empty password Valid = true, want false")
	}
	if s.HasMQTTCredentials() {
		t.Error("HasMQTTCredentials() = true for partial record, want false")
	}

	if err := s.SetMQTTCredentials("broker.example.com", "dev-1", "pw"); err != nil {
		t.Fatalf("SetMQTTCredentials() error: %v", err)
	}
	if !s.HasMQTTCredentials() {
		t.Error("HasMQTTCredentials() = false for complete record, want true")
	}
}

func TestClearMQTTCredentials(t *testing.T) {
	s := testStore(t)

	if err := s.SetMQTTCredentials("broker.example.com", "dev-1", "pw"); err != nil {
		t.Fatalf("SetMQTTCredentials() error: %v", err)
	}
	if err := s.ClearMQTTCredentials(); err != nil {
		t.Fatalf("ClearMQTTCredentials() error: %v", err)
	}
	if s.HasMQTTCredentials() {
		t.Error("HasMQTTCredentials() = true after clear, want false")
	}
}

func TestDeviceConfig_DefaultsWhenUnpersisted(t *testing.T) {
	s := testStore(t)
	s.LoadDefaults(DeviceConfig{
		BaseURL:      "https://default.example",
		ReadInterval: 3 * time.Minute,
		MQTTEnabled:  true,
	})

	if got := s.BaseURL(); got != "https://default.example" {
		t.Errorf("BaseURL() = %q, want default", got)
	}
	if got := s.ReadInterval(); got != 3*time.Minute {
		t.Errorf("ReadInterval() = %v, want 3m", got)
	}
	if !s.MQTTEnabled() {
		t.Error("MQTTEnabled() = false, want default true")
	}
}

func TestSaveConfig_WritesOnlyChangedFields(t *testing.T) {
	s := testStore(t)
	s.LoadDefaults(DeviceConfig{
		BaseURL:      "https://default.example",
		ReadInterval: 3 * time.Minute,
		MQTTEnabled:  true,
	})

	cfg := DeviceConfig{
		BaseURL:      "https://default.example", // unchanged
		ReadInterval: 5 * time.Minute,           // changed
		MQTTEnabled:  true,                      // unchanged
	}
	if err := s.SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}

	// Only interval_ms should be persisted; base_url still falls back to
	// whatever defaults are loaded next time.
	v, err := s.get(nsConfig, "base_url")
	if err != nil {
		t.Fatalf("get base_url: %v", err)
	}
	if v != "" {
		t.Errorf("base_url persisted as %q, want unpersisted", v)
	}
	v, err = s.get(nsConfig, "interval_ms")
	if err != nil {
		t.Fatalf("get interval_ms: %v", err)
	}
	if v != "300000" {
		t.Errorf("interval_ms = %q, want 300000", v)
	}

	if got := s.ReadInterval(); got != 5*time.Minute {
		t.Errorf("ReadInterval() = %v after save, want 5m", got)
	}
}

func TestSaveConfig_NoChangesNoWrite(t *testing.T) {
	s := testStore(t)
	s.LoadDefaults(DeviceConfig{BaseURL: "https://d", ReadInterval: time.Minute, MQTTEnabled: false})

	cfg := s.snapshotConfig()
	before := s.writes
	if err := s.SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}
	if s.writes != before {
		t.Error("SaveConfig with identical config performed a write, want no-op")
	}
}

func TestReload_RederivesFromPersistedState(t *testing.T) {
	s := testStore(t)
	s.LoadDefaults(DeviceConfig{BaseURL: "https://d", ReadInterval: time.Minute, MQTTEnabled: true})

	if err := s.SetReadInterval(2 * time.Minute); err != nil {
		t.Fatalf("SetReadInterval() error: %v", err)
	}

	// Simulate the wake path: drop the cache, then read again.
	s.Reload()
	if got := s.ReadInterval(); got != 2*time.Minute {
		t.Errorf("ReadInterval() after Reload = %v, want 2m", got)
	}
}

func TestClearAll_FactoryReset(t *testing.T) {
	s := testStore(t)
	s.LoadDefaults(DeviceConfig{BaseURL: "https://d", ReadInterval: time.Minute, MQTTEnabled: true})

	s.SetWifiCreds("greenhouse", "hunter2")
	s.SetToken("abc123")
	s.SetMQTTCredentials("broker", "user", "pw")
	s.SetMQTTEnabled(false)

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll() error: %v", err)
	}

	if _, _, ok, _ := s.WifiCreds(); ok {
		t.Error("WiFi creds survived factory reset")
	}
	if tok, _ := s.Token(); tok != "" {
		t.Errorf("token %q survived factory reset", tok)
	}
	if s.HasMQTTCredentials() {
		t.Error("MQTT credentials survived factory reset")
	}
	// Config cache was invalidated; values fall back to defaults.
	if !s.MQTTEnabled() {
		t.Error("MQTTEnabled() = false after reset, want default true")
	}
}

func TestTokenAndMQTTCredsAreIndependent(t *testing.T) {
	s := testStore(t)

	if err := s.SetToken("abc123"); err != nil {
		t.Fatalf("SetToken() error: %v", err)
	}
	if s.HasMQTTCredentials() {
		t.Error("token presence must not imply MQTT credentials")
	}

	if err := s.ClearMQTTCredentials(); err != nil {
		t.Fatalf("ClearMQTTCredentials() error: %v", err)
	}
	tok, _ := s.Token()
	if tok != "abc123" {
		t.Error("clearing MQTT credentials must not touch the token")
	}
}
