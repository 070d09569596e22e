// Package platform defines the host collaborators the agent depends
// on: network join and liveness, sleep between read cycles, and
// wireless network scanning for the provisioning portal. Each has a
// host implementation suitable for Linux boards where the OS owns the
// radio; tests and embedded ports substitute their own.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"time"
)

// Network joins and reports on the device's uplink.
type Network interface {
	// Join applies credentials and blocks until the uplink is usable or
	// ctx expires.
	Join(ctx context.Context, ssid, pass string) error
	Connected() bool
}

// Sleeper parks the device between read cycles.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Scanner lists nearby wireless networks for the provisioning portal.
type Scanner interface {
	Scan(ctx context.Context) ([]string, error)
}

// ProbeNetwork is the host Network. The OS network manager owns the
// actual association, so Join means "credentials are in the supplicant's
// hands; wait until the probe address answers". Connected performs a
// single short-lived probe dial.
type ProbeNetwork struct {
	// Addr is the TCP probe target, host:port. The backend's HTTPS port
	// is the usual choice so "connected" means "backend reachable".
	Addr string

	// ProbeTimeout bounds one probe dial. Defaults to 3s.
	ProbeTimeout time.Duration

	Logger *slog.Logger
}

func (n *ProbeNetwork) probeTimeout() time.Duration {
	if n.ProbeTimeout > 0 {
		return n.ProbeTimeout
	}
	return 3 * time.Second
}

func (n *ProbeNetwork) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// Join polls the probe address until it answers or ctx expires. The
// ssid and pass are accepted for interface compatibility; handing them
// to the OS supplicant is the installer's job on hosts.
func (n *ProbeNetwork) Join(ctx context.Context, ssid, pass string) error {
	_ = pass
	n.logger().Info("waiting for network", "ssid", ssid, "probe", n.Addr)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if n.Connected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("network join: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Connected dials the probe address once.
func (n *ProbeNetwork) Connected() bool {
	conn, err := net.DialTimeout("tcp", n.Addr, n.probeTimeout())
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// TimerSleeper is the host Sleeper: a plain timer wait that cancels
// with ctx. Hardware deep sleep is a port concern; callers must not
// assume any in-memory state survives the wake boundary regardless.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CommandScanner shells out to a scan command ("nmcli" by default) and
// returns the SSID list, deduplicated and with hidden networks dropped.
type CommandScanner struct {
	// Command and Args override the default
	// "nmcli -t -f SSID device wifi list".
	Command string
	Args    []string
}

func (s *CommandScanner) command() (string, []string) {
	if s.Command != "" {
		return s.Command, s.Args
	}
	return "nmcli", []string{"-t", "-f", "SSID", "device", "wifi", "list"}
}

func (s *CommandScanner) Scan(ctx context.Context) ([]string, error) {
	name, args := s.command()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("scan networks: %w", err)
	}
	return parseSSIDs(string(out)), nil
}

func parseSSIDs(out string) []string {
	seen := make(map[string]bool)
	var ssids []string
	for _, line := range strings.Split(out, "\n") {
		ssid := strings.TrimSpace(line)
		if ssid == "" || seen[ssid] {
			continue
		}
		seen[ssid] = true
		ssids = append(ssids, ssid)
	}
	return ssids
}
