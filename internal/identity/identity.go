// Package identity manages the device's backend identity: the UUID
// and secret the backend issued at registration. Config normally
// carries both; the file fallback lets `init` stamp an identity onto a
// device before its config is written.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateDeviceUUID reads the device UUID from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file does not
// exist. The UUID is the stable device identifier the backend and the
// broker ACLs key on, so it must survive reconfiguration.
func LoadOrCreateDeviceUUID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "device_uuid")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate device UUID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist device UUID to %s: %w", path, err)
	}

	return idStr, nil
}

// NewSecret generates a fresh device secret for `init`. Random UUIDv4
// text is enough entropy for the backend's credential check.
func NewSecret() string {
	return uuid.NewString()
}
