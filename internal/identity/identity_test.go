package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestLoadOrCreateDeviceUUID_CreatesAndPersists(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateDeviceUUID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateDeviceUUID() error = %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("generated id %q is not a valid UUID: %v", id, err)
	}

	again, err := LoadOrCreateDeviceUUID(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreateDeviceUUID() error = %v", err)
	}
	if again != id {
		t.Errorf("second call = %q, want %q (stable identity)", again, id)
	}
}

func TestLoadOrCreateDeviceUUID_ReadsExisting(t *testing.T) {
	dir := t.TempDir()
	want := "0198f9a2-0000-7000-8000-000000000001"
	if err := os.WriteFile(filepath.Join(dir, "device_uuid"), []byte(want+"\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	got, err := LoadOrCreateDeviceUUID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateDeviceUUID() error = %v", err)
	}
	if got != want {
		t.Errorf("LoadOrCreateDeviceUUID() = %q, want %q", got, want)
	}
}

func TestLoadOrCreateDeviceUUID_EmptyFileRegenerates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "device_uuid"), []byte("\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	id, err := LoadOrCreateDeviceUUID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateDeviceUUID() error = %v", err)
	}
	if strings.TrimSpace(id) == "" {
		t.Error("LoadOrCreateDeviceUUID() returned empty id for empty file")
	}
}

func TestNewSecret(t *testing.T) {
	a, b := NewSecret(), NewSecret()
	if a == b {
		t.Error("NewSecret() returned the same value twice")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("NewSecret() = %q, not a UUID: %v", a, err)
	}
}
