// Agronos-agent is a battery-conscious field telemetry agent.
//
// It provisions itself through a local setup portal, authenticates
// against the Agronos backend, reads its configured sensors, and
// delivers each batch over MQTT with an HTTP fallback before sleeping
// until the next cycle. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	agronos-agent run           Run the device lifecycle until signalled
//	agronos-agent init [dir]    Initialize a working directory with defaults
//	agronos-agent reset         Factory-reset the persistent device state
//	agronos-agent version       Print version and build information
//	agronos-agent -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/agronos/device-agent/internal/auth"
	"github.com/agronos/device-agent/internal/buildinfo"
	"github.com/agronos/device-agent/internal/config"
	"github.com/agronos/device-agent/internal/identity"
	"github.com/agronos/device-agent/internal/mqtt"
	"github.com/agronos/device-agent/internal/orchestrator"
	"github.com/agronos/device-agent/internal/platform"
	"github.com/agronos/device-agent/internal/portal"
	"github.com/agronos/device-agent/internal/sensor"
	"github.com/agronos/device-agent/internal/store"
	"github.com/agronos/device-agent/internal/telemetry"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the agronos-agent command. All
// OS-level dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the lifecycle loop and the portal.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the
//     program name. We parse these manually rather than using the flag
//     package to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runAgent(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "reset":
		return runReset(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// agronos-agent is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "agronos-agent - Agronos field telemetry agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: agronos-agent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Run the device lifecycle until signalled")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  reset        Factory-reset the persistent device state")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/agronos/config.yaml, /etc/agronos/config.yaml")
	return nil
}

// runReset handles "agronos-agent reset": clear every persisted
// namespace (credentials, token, MQTT account, config overrides) so
// the device boots factory-fresh. The config file itself is untouched.
func runReset(stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := store.NewStore(filepath.Join(cfg.DataDir, "state.db"), logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	if err := st.ClearAll(); err != nil {
		return fmt.Errorf("factory reset: %w", err)
	}

	fmt.Fprintln(stdout, "Device state cleared. The agent will re-provision on next run.")
	return nil
}

// runAgent handles "agronos-agent run", the primary operating mode:
// load config, open the state store, assemble the collaborators, and
// drive the lifecycle state machine until SIGINT or SIGTERM.
func runAgent(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting agronos-agent",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger only covers the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "backend", cfg.Backend.BaseURL)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	st, err := store.NewStore(filepath.Join(cfg.DataDir, "state.db"), logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()
	st.LoadDefaults(store.DeviceConfig{
		BaseURL:      cfg.Backend.BaseURL,
		ReadInterval: cfg.Backend.ReadInterval(),
		MQTTEnabled:  cfg.MQTT.Enabled,
	})

	deviceUUID := cfg.Device.UUID
	if deviceUUID == "" {
		deviceUUID, err = identity.LoadOrCreateDeviceUUID(cfg.DataDir)
		if err != nil {
			return err
		}
		logger.Warn("device uuid missing from config, using local identity", "uuid", deviceUUID)
	}
	if cfg.Device.Secret == "" {
		logger.Warn("device secret not configured, authentication will fail")
	}

	network := &platform.ProbeNetwork{
		Addr:   probeAddr(cfg),
		Logger: logger,
	}

	authMgr := auth.NewManager(st, deviceUUID, cfg.Device.Secret, cfg.Backend.AuthRetry(), network, logger)

	sender := telemetry.NewSender(st, logger)
	var transport *mqtt.Transport
	if cfg.MQTT.Enabled {
		transport = mqtt.NewTransport(st, deviceUUID, cfg.MQTT, logger)
		sender.AttachTransport(transport)
	}

	setupURL := cfg.Portal.SetupURL
	if setupURL == "" {
		setupURL = "http://" + hostedAddr(cfg.Portal.Listen)
	}
	portalSrv := portal.NewServer(st, &platform.CommandScanner{}, setupURL, logger)

	// No analog reader or probe bus is attached here, so every hardware
	// sensor type is built as a simulated ramp. BuildAll logs the
	// substitution per sensor; attach real hardware via sensor.Hardware
	// when porting to a board.
	registry := sensor.NewRegistry(sensor.Hardware{}, logger)
	descs := make([]sensor.Descriptor, len(cfg.Sensors))
	for i, sc := range cfg.Sensors {
		descs[i] = sensor.Descriptor{Type: sc.Type, Pin: sc.Pin, UUID: sc.UUID, Name: sc.Name}
	}
	sensors := registry.BuildAll(descs)

	opts := orchestrator.Options{
		Store:       st,
		Portal:      portalSrv,
		PortalAddr:  cfg.Portal.Listen,
		Network:     network,
		Sleeper:     platform.TimerSleeper{},
		Auth:        authMgr,
		Sender:      sender,
		Sensors:     sensors,
		JoinTimeout: cfg.Network.JoinTimeout(),
		Logger:      logger,
	}
	if transport != nil {
		opts.Transport = transport
	}
	agent := orchestrator.New(opts)

	// SIGINT/SIGTERM cancellation flows through the same ctx the state
	// machine runs under.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("agent failed: %w", err)
	}

	logger.Info("agronos-agent stopped", "uptime", buildinfo.Uptime().Round(time.Second))
	return nil
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// probeAddr resolves the uplink probe target: the configured address
// when set, otherwise the backend host on its serving port.
func probeAddr(cfg *config.Config) string {
	if cfg.Network.ProbeAddr != "" {
		return cfg.Network.ProbeAddr
	}

	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil || u.Host == "" {
		return "1.1.1.1:443"
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "http" {
		return u.Host + ":80"
	}
	return u.Host + ":443"
}

// hostedAddr turns a bind address into something a browser can reach:
// a bare ":port" gets a localhost host part.
func hostedAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}
