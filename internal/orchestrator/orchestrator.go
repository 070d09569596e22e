// Package orchestrator runs the device lifecycle: provision when there
// are no uplink credentials, join the network, deliver sensor batches,
// then sleep until the next read cycle. Every wake rebuilds its view
// of the world from the persistent store; nothing held in memory is
// assumed to survive a sleep boundary.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/agronos/device-agent/internal/platform"
	"github.com/agronos/device-agent/internal/sensor"
	"github.com/agronos/device-agent/internal/store"
	"github.com/agronos/device-agent/internal/telemetry"
)

// State is the device lifecycle state.
type State int

const (
	StateUnprovisioned State = iota
	StateProvisioning
	StateJoining
	StateOperational
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateUnprovisioned:
		return "unprovisioned"
	case StateProvisioning:
		return "provisioning"
	case StateJoining:
		return "joining"
	case StateOperational:
		return "operational"
	case StateSleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

// Portal is the provisioning surface the loop services.
type Portal interface {
	Start(addr string) error
	Stop(ctx context.Context) error
	Running() bool
	CredentialsSaved() bool
}

// Authenticator is the backend credential manager.
type Authenticator interface {
	AuthenticateOnce(ctx context.Context) error
	Tick(ctx context.Context)
	HasMQTTCredentials() bool
	FetchMQTTCredentials(ctx context.Context) error
}

// Transport is the broker connection lifecycle the loop manages
// around each delivery.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	Disconnect(ctx context.Context)
	PublishStatus(ctx context.Context, status string) error
}

// Deliverer sends one reading batch.
type Deliverer interface {
	Deliver(ctx context.Context, readings []telemetry.Reading) error
}

// Options wires the loop's collaborators.
type Options struct {
	Store      *store.Store
	Portal     Portal
	PortalAddr string
	Network    platform.Network
	Sleeper    platform.Sleeper
	Auth       Authenticator
	Sender     Deliverer
	Transport  Transport // nil when MQTT is disabled
	Sensors    []sensor.Sensor

	JoinTimeout  time.Duration // bound on one join attempt
	RetryBackoff time.Duration // delay before retrying a failed delivery
	PollInterval time.Duration // pacing between idle loop iterations

	Logger *slog.Logger
}

// Agent is the lifecycle state machine. Single-goroutine; Run owns all
// state transitions.
type Agent struct {
	opts   Options
	logger *slog.Logger

	state       State
	nextAttempt time.Time
}

// New creates an agent in the Unprovisioned state.
func New(opts Options) *Agent {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &Agent{
		opts:   opts,
		logger: opts.Logger,
		state:  StateUnprovisioned,
	}
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return a.state
}

// Run drives the state machine until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting")
	for ctx.Err() == nil {
		a.step(ctx)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.opts.Portal != nil && a.opts.Portal.Running() {
		a.opts.Portal.Stop(stopCtx)
	}
	if a.opts.Transport != nil && a.opts.Transport.Connected() {
		a.opts.Transport.Disconnect(stopCtx)
	}
	a.logger.Info("agent stopped")
	return ctx.Err()
}

// step runs one state handler. Exposed to tests via the package
// boundary; Run is a step loop and nothing more.
func (a *Agent) step(ctx context.Context) {
	switch a.state {
	case StateUnprovisioned:
		a.boot(ctx)
	case StateProvisioning:
		a.provision(ctx)
	case StateJoining:
		a.join(ctx)
	case StateOperational:
		a.tick(ctx)
	case StateSleeping:
		a.sleep(ctx)
	}
}

func (a *Agent) setState(s State) {
	if s == a.state {
		return
	}
	a.logger.Info("state change", "from", a.state.String(), "to", s.String())
	a.state = s
}

// boot decides the wake path from persisted state: saved credentials
// mean a join attempt, none means the portal.
func (a *Agent) boot(ctx context.Context) {
	_, _, ok, err := a.opts.Store.WifiCreds()
	if err != nil {
		a.logger.Error("cannot read saved credentials", "error", err)
		a.pause(ctx)
		return
	}

	if !ok {
		a.startPortal()
		a.setState(StateProvisioning)
		return
	}
	a.setState(StateJoining)
}

func (a *Agent) startPortal() {
	if a.opts.Portal == nil || a.opts.Portal.Running() {
		return
	}
	if err := a.opts.Portal.Start(a.opts.PortalAddr); err != nil {
		a.logger.Error("portal start failed", "error", err)
	}
}

// provision waits for the portal to report saved credentials.
func (a *Agent) provision(ctx context.Context) {
	if a.opts.Portal != nil && a.opts.Portal.CredentialsSaved() {
		a.logger.Info("credentials saved, attempting join")
		a.setState(StateJoining)
		return
	}
	a.pause(ctx)
}

// join makes one bounded attempt to bring the uplink up. A timeout
// falls back to Provisioning so a mistyped password never strands the
// device in a retry loop.
func (a *Agent) join(ctx context.Context) {
	ssid, pass, ok, err := a.opts.Store.WifiCreds()
	if err != nil || !ok {
		a.startPortal()
		a.setState(StateProvisioning)
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, a.opts.JoinTimeout)
	defer cancel()

	if err := a.opts.Network.Join(joinCtx, ssid, pass); err != nil {
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("network join failed", "ssid", ssid, "error", err)
		a.startPortal()
		a.setState(StateProvisioning)
		return
	}

	a.logger.Info("network joined", "ssid", ssid)
	if a.opts.Portal != nil && a.opts.Portal.Running() {
		if err := a.opts.Portal.Stop(ctx); err != nil {
			a.logger.Debug("portal stop", "error", err)
		}
	}
	a.enterOperational(ctx)
	a.setState(StateOperational)
}

// enterOperational performs the one-time provisioning for this wake:
// authenticate when no token is stored, fetch MQTT credentials when
// enabled and absent, and make one opportunistic transport connect.
// Failures here are logged, never fatal; the steady loop retries.
func (a *Agent) enterOperational(ctx context.Context) {
	token, err := a.opts.Store.Token()
	if err != nil {
		a.logger.Error("cannot read token", "error", err)
	}
	if token == "" {
		if err := a.opts.Auth.AuthenticateOnce(ctx); err != nil {
			a.logger.Warn("authentication failed", "error", err)
		}
	}

	if a.opts.Store.MQTTEnabled() && !a.opts.Auth.HasMQTTCredentials() {
		if err := a.opts.Auth.FetchMQTTCredentials(ctx); err != nil {
			a.logger.Warn("mqtt credential fetch failed", "error", err)
		}
	}

	if a.opts.Transport != nil && a.opts.Store.MQTTEnabled() && a.opts.Auth.HasMQTTCredentials() {
		if err := a.opts.Transport.Connect(ctx); err != nil {
			a.logger.Warn("opportunistic mqtt connect failed", "error", err)
		}
	}
}

// tick is one steady-state iteration: service the portal, give auth a
// chance to recover a missing token, then read and deliver once the
// backoff gate opens.
func (a *Agent) tick(ctx context.Context) {
	if a.opts.Portal != nil && a.opts.Portal.Running() && a.opts.Portal.CredentialsSaved() {
		a.setState(StateJoining)
		return
	}

	a.opts.Auth.Tick(ctx)

	if time.Now().Before(a.nextAttempt) {
		a.pause(ctx)
		return
	}

	readings := a.readSensors()
	if len(readings) == 0 {
		// Nothing to send; check again next interval.
		a.nextAttempt = time.Now().Add(a.opts.Store.ReadInterval())
		a.pause(ctx)
		return
	}

	if err := a.opts.Sender.Deliver(ctx, readings); err != nil {
		a.logger.Warn("delivery failed", "readings", len(readings), "error", err)
		a.nextAttempt = time.Now().Add(a.opts.RetryBackoff)
		return
	}

	a.logger.Info("batch delivered", "readings", len(readings))
	a.nextAttempt = time.Time{}

	if a.opts.Transport != nil && a.opts.Transport.Connected() {
		if err := a.opts.Transport.PublishStatus(ctx, "online"); err != nil {
			a.logger.Debug("status publish failed", "error", err)
		}
		a.opts.Transport.Disconnect(ctx)
	}
	a.setState(StateSleeping)
}

// readSensors collects one value from every sensor. A failing sensor
// is skipped; the batch carries whatever did read.
func (a *Agent) readSensors() []telemetry.Reading {
	var readings []telemetry.Reading
	for _, s := range a.opts.Sensors {
		v, err := s.Read()
		if err != nil {
			a.logger.Warn("sensor read failed", "uuid", s.UUID(), "error", err)
			continue
		}
		readings = append(readings, telemetry.Reading{UUID: s.UUID(), Value: v})
	}
	return readings
}

// sleep parks for the configured read interval, then rebuilds from
// persisted state as if freshly woken.
func (a *Agent) sleep(ctx context.Context) {
	interval := a.opts.Store.ReadInterval()
	a.logger.Info("sleeping", "interval", interval)

	if err := a.opts.Sleeper.Sleep(ctx, interval); err != nil {
		return
	}

	a.opts.Store.Reload()
	a.setState(StateUnprovisioned)
}

// pause is the idle wait between loop iterations.
func (a *Agent) pause(ctx context.Context) {
	t := time.NewTimer(a.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
