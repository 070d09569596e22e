package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/agronos/device-agent/internal/defaults"
	"github.com/agronos/device-agent/internal/identity"
)

// runInit initializes an agronos-agent working directory: the data
// directory, a config.yaml stamped with a device identity, and nothing
// else. Existing files are never overwritten, so re-running init on a
// configured device is harmless.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing agronos-agent workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(w, "  - %s already exists, leaving it alone\n", configPath)
		return nil
	}

	deviceUUID, err := identity.LoadOrCreateDeviceUUID(dataDir)
	if err != nil {
		return err
	}
	secret := identity.NewSecret()

	content := bytes.ReplaceAll(defaults.ConfigYAML, []byte("__DEVICE_UUID__"), []byte(deviceUUID))
	content = bytes.ReplaceAll(content, []byte("__DEVICE_SECRET__"), []byte(secret))

	if err := os.WriteFile(configPath, content, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}

	fmt.Fprintf(w, "  ✓ %s\n", configPath)
	fmt.Fprintf(w, "  ✓ device uuid %s\n", deviceUUID)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Register the device uuid and secret with the backend, then run:")
	fmt.Fprintln(w, "  agronos-agent run")
	return nil
}
