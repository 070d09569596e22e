// Package config handles agronos-agent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/agronos/config.yaml, /etc/agronos/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agronos", "config.yaml"))
	}

	paths = append(paths, "/etc/agronos/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all agronos-agent configuration. These are the compiled-in
// defaults of the device: the persistent store may override the operating
// fields (base URL, read interval, MQTT enabled) after provisioning.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Backend  BackendConfig  `yaml:"backend"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Portal   PortalConfig   `yaml:"portal"`
	Network  NetworkConfig  `yaml:"network"`
	Sensors  []SensorConfig `yaml:"sensors"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// DeviceConfig is the immutable per-device identity, provisioned
// out-of-band. It is only ever used as the login request payload.
type DeviceConfig struct {
	UUID   string `yaml:"uuid"`
	Secret string `yaml:"secret"`
}

// BackendConfig defines the HTTP backend and the telemetry cadence.
type BackendConfig struct {
	// BaseURL has no trailing slash, e.g. "https://agronos.example.com".
	BaseURL string `yaml:"base_url"`
	// ReadIntervalSec is the sleep duration between read-send cycles.
	ReadIntervalSec int `yaml:"read_interval_sec"`
	// AuthRetrySec is the minimum delay between failed login attempts.
	AuthRetrySec int `yaml:"auth_retry_sec"`
}

// MQTTConfig defines broker connection behavior. Broker address and
// account credentials are not configured here — they are fetched from
// the backend after authentication and persisted by the store.
type MQTTConfig struct {
	Enabled           bool `yaml:"enabled"`
	Port              int  `yaml:"port"` // 8883 for TLS, 1883 for plain
	UseTLS            bool `yaml:"use_tls"`
	KeepAliveSec      int  `yaml:"keepalive_sec"`
	ReconnectDelaySec int  `yaml:"reconnect_delay_sec"`
	CleanSession      bool `yaml:"clean_session"`
}

// PortalConfig defines the local provisioning portal.
type PortalConfig struct {
	// Listen is the bind address for the provisioning API,
	// e.g. ":8080" or "192.168.4.1:80" when the device runs its own AP.
	Listen string `yaml:"listen"`
	// SetupURL is the address printed on the setup QR code. Defaults to
	// "http://<Listen>" when empty.
	SetupURL string `yaml:"setup_url"`
}

// NetworkConfig defines the network join step.
type NetworkConfig struct {
	// JoinTimeoutSec bounds the join attempt against saved credentials
	// before falling back to the provisioning portal.
	JoinTimeoutSec int `yaml:"join_timeout_sec"`
	// ProbeAddr is a host:port the uplink check dials to decide whether
	// the network is actually usable (defaults to the backend host).
	ProbeAddr string `yaml:"probe_addr"`
}

// SensorConfig describes one logical sensor: the contract between the
// static configuration list and the sensor factory.
type SensorConfig struct {
	Type string `yaml:"type"`
	Pin  int    `yaml:"pin"`
	UUID string `yaml:"uuid"`
	Name string `yaml:"name"`
}

// ReadInterval returns the read-send cycle interval as a duration.
func (b BackendConfig) ReadInterval() time.Duration {
	return time.Duration(b.ReadIntervalSec) * time.Second
}

// AuthRetry returns the minimum inter-attempt login delay as a duration.
func (b BackendConfig) AuthRetry() time.Duration {
	return time.Duration(b.AuthRetrySec) * time.Second
}

// JoinTimeout returns the bounded join duration.
func (n NetworkConfig) JoinTimeout() time.Duration {
	return time.Duration(n.JoinTimeoutSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration. The sensor list matches the
// reference field unit: DHT11 temperature/humidity on one pin, a soil
// moisture probe, and the board's battery monitor.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:         "https://agronos.kalogeitonas.xyz",
			ReadIntervalSec: 180,
			AuthRetrySec:    30,
		},
		MQTT: MQTTConfig{
			Enabled:           true,
			Port:              1883,
			KeepAliveSec:      60,
			ReconnectDelaySec: 5,
			CleanSession:      true,
		},
		Portal: PortalConfig{
			Listen: ":8080",
		},
		Network: NetworkConfig{
			JoinTimeoutSec: 10,
		},
		Sensors: []SensorConfig{
			{Type: "DHT11_TEMP", Pin: 21, UUID: "temp-0", Name: "Air Temperature"},
			{Type: "DHT11_HUM", Pin: 21, UUID: "hum-0", Name: "Air Humidity"},
			{Type: "SoilMoistureSensor", Pin: 32, UUID: "soil-0", Name: "Soil Moisture"},
			{Type: "BatteryLevelSensor", Pin: 0, UUID: "batt-0", Name: "Battery Level"},
		},
		DataDir:  "data",
		LogLevel: "info",
	}
}
