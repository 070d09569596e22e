// Package store provides the device's persistent state: WiFi credentials,
// the backend auth token, fetched MQTT credentials, and the operating
// configuration, each in its own namespace of a SQLite-backed key-value
// table. Namespaces are independently clearable; a factory reset clears
// all of them and invalidates the in-memory config cache.
//
// Every logical write happens in one transaction so a mid-write power
// loss leaves either the old record or the new one, never a partial
// multi-field commit.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Namespaces for the persisted state table.
const (
	nsWifi   = "wifi"
	nsAuth   = "auth"
	nsMQTT   = "mqtt"
	nsConfig = "config"
)

// Credentials holds the MQTT broker account fetched from the backend.
// Valid is true only when all three fields are non-empty.
type Credentials struct {
	Server   string
	Username string
	Password string
	Valid    bool
}

// DeviceConfig is the operating configuration: a compiled-in default
// that the persisted namespace may override field by field.
type DeviceConfig struct {
	BaseURL      string
	ReadInterval time.Duration
	MQTTEnabled  bool
}

// Store is the namespaced persistent state store. Methods are safe for
// concurrent use; the provisioning portal writes from HTTP handler
// goroutines while the main loop reads.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu        sync.Mutex
	defaults  DeviceConfig
	cache     DeviceConfig
	cfgLoaded bool

	// writes counts committed write transactions. White-box tests use it
	// to assert that unchanged setters are no-ops.
	writes int64
}

// NewStore opens (or creates) the device state database at dbPath.
// The schema is created automatically on first use.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- KV layer ---

func (s *Store) get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM device_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// setAll upserts a batch of keys in one namespace as a single
// transaction. Passing an empty map commits nothing.
func (s *Store) setAll(namespace string, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin %s: %w", namespace, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for key, value := range kv {
		if _, err := tx.Exec(
			`INSERT INTO device_state (namespace, key, value, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (namespace, key) DO UPDATE
			 SET value = excluded.value, updated_at = excluded.updated_at`,
			namespace, key, value, now,
		); err != nil {
			return fmt.Errorf("set %s/%s: %w", namespace, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", namespace, err)
	}

	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return nil
}

// --- WiFi credentials ---

// WifiCreds returns the saved network credentials. ok is false when no
// SSID has been saved yet.
func (s *Store) WifiCreds() (ssid, pass string, ok bool, err error) {
	ssid, err = s.get(nsWifi, "ssid")
	if err != nil {
		return "", "", false, err
	}
	pass, err = s.get(nsWifi, "pass")
	if err != nil {
		return "", "", false, err
	}
	return ssid, pass, ssid != "", nil
}

// SetWifiCreds saves network credentials. A call with values identical
// to what is already stored performs no write.
func (s *Store) SetWifiCreds(ssid, pass string) error {
	oldSsid, oldPass, _, err := s.WifiCreds()
	if err != nil {
		return err
	}
	if ssid == oldSsid && pass == oldPass {
		return nil
	}
	return s.setAll(nsWifi, map[string]string{"ssid": ssid, "pass": pass})
}

// --- Auth token ---

// Token returns the saved bearer token, or "" when none exists.
func (s *Store) Token() (string, error) {
	return s.get(nsAuth, "token")
}

// SetToken persists the bearer token. Unchanged values are a no-op.
func (s *Store) SetToken(token string) error {
	old, err := s.Token()
	if err != nil {
		return err
	}
	if token == old {
		return nil
	}
	return s.setAll(nsAuth, map[string]string{"token": token})
}

// --- MQTT credentials ---

// MQTTCredentials returns the saved broker account. Valid is true only
// when server, username, and password are all non-empty.
func (s *Store) MQTTCredentials() (Credentials, error) {
	var c Credentials
	var err error
	if c.Server, err = s.get(nsMQTT, "server"); err != nil {
		return c, err
	}
	if c.Username, err = s.get(nsMQTT, "username"); err != nil {
		return c, err
	}
	if c.Password, err = s.get(nsMQTT, "password"); err != nil {
		return c, err
	}
	c.Valid = c.Server != "" && c.Username != "" && c.Password != ""
	return c, nil
}

// SetMQTTCredentials persists a complete broker account in one
// transaction.
func (s *Store) SetMQTTCredentials(server, username, password string) error {
	return s.setAll(nsMQTT, map[string]string{
		"server":   server,
		"username": username,
		"password": password,
	})
}

// ClearMQTTCredentials removes the saved broker account.
func (s *Store) ClearMQTTCredentials() error {
	if _, err := s.db.Exec(`DELETE FROM device_state WHERE namespace = ?`, nsMQTT); err != nil {
		return fmt.Errorf("clear mqtt credentials: %w", err)
	}
	return nil
}

// HasMQTTCredentials reports whether a complete broker account is saved.
func (s *Store) HasMQTTCredentials() bool {
	c, err := s.MQTTCredentials()
	if err != nil {
		s.logger.Warn("read mqtt credentials", "error", err)
		return false
	}
	return c.Valid
}

// --- Device operating configuration ---

// LoadDefaults seeds the fallback values used for config fields that
// have no persisted override. Returns the store for chaining at startup.
func (s *Store) LoadDefaults(defaults DeviceConfig) *Store {
	s.mu.Lock()
	s.defaults = defaults
	s.mu.Unlock()
	return s
}

// ensureConfigLoaded populates the cache on first use. Callers must
// hold s.mu.
func (s *Store) ensureConfigLoaded() {
	if s.cfgLoaded {
		return
	}

	cfg := s.defaults

	if v, err := s.get(nsConfig, "base_url"); err == nil && v != "" {
		cfg.BaseURL = v
	}
	if v, err := s.get(nsConfig, "interval_ms"); err == nil && v != "" {
		if ms, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			cfg.ReadInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v, err := s.get(nsConfig, "mqtt_enabled"); err == nil && v != "" {
		cfg.MQTTEnabled = v == "true"
	}

	s.cache = cfg
	s.cfgLoaded = true
}

// BaseURL returns the effective backend base URL.
func (s *Store) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureConfigLoaded()
	return s.cache.BaseURL
}

// ReadInterval returns the effective read-send cycle interval.
func (s *Store) ReadInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureConfigLoaded()
	return s.cache.ReadInterval
}

// MQTTEnabled reports whether MQTT delivery is enabled.
func (s *Store) MQTTEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureConfigLoaded()
	return s.cache.MQTTEnabled
}

// SaveConfig persists an operating configuration, writing only the
// fields that differ from the cached values, and updates the cache to
// match. The changed fields go out in a single transaction.
func (s *Store) SaveConfig(cfg DeviceConfig) error {
	s.mu.Lock()
	s.ensureConfigLoaded()
	old := s.cache
	s.mu.Unlock()

	changed := make(map[string]string)
	if cfg.BaseURL != old.BaseURL {
		changed["base_url"] = cfg.BaseURL
	}
	if cfg.ReadInterval != old.ReadInterval {
		changed["interval_ms"] = strconv.FormatInt(cfg.ReadInterval.Milliseconds(), 10)
	}
	if cfg.MQTTEnabled != old.MQTTEnabled {
		changed["mqtt_enabled"] = strconv.FormatBool(cfg.MQTTEnabled)
	}

	if err := s.setAll(nsConfig, changed); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache = cfg
	s.mu.Unlock()
	return nil
}

// SetBaseURL persists a new backend base URL.
func (s *Store) SetBaseURL(url string) error {
	cfg := s.snapshotConfig()
	cfg.BaseURL = url
	return s.SaveConfig(cfg)
}

// SetReadInterval persists a new read-send cycle interval.
func (s *Store) SetReadInterval(d time.Duration) error {
	cfg := s.snapshotConfig()
	cfg.ReadInterval = d
	return s.SaveConfig(cfg)
}

// SetMQTTEnabled persists the MQTT enabled flag.
func (s *Store) SetMQTTEnabled(enabled bool) error {
	cfg := s.snapshotConfig()
	cfg.MQTTEnabled = enabled
	return s.SaveConfig(cfg)
}

func (s *Store) snapshotConfig() DeviceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureConfigLoaded()
	return s.cache
}

// Reload drops the in-memory config cache so the next read re-derives
// it from persisted state. Called after a sleep/wake boundary, where
// process memory must be assumed stale.
func (s *Store) Reload() {
	s.mu.Lock()
	s.cfgLoaded = false
	s.mu.Unlock()
}

// ClearAll is the factory reset: every namespace is removed in one
// transaction and the config cache is invalidated.
func (s *Store) ClearAll() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin factory reset: %w", err)
	}
	defer tx.Rollback()

	for _, ns := range []string{nsWifi, nsAuth, nsMQTT, nsConfig} {
		if _, err := tx.Exec(`DELETE FROM device_state WHERE namespace = ?`, ns); err != nil {
			return fmt.Errorf("clear namespace %s: %w", ns, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit factory reset: %w", err)
	}

	s.mu.Lock()
	s.cfgLoaded = false
	s.mu.Unlock()

	s.logger.Info("factory reset complete, all namespaces cleared")
	return nil
}
