package sensor

import (
	"fmt"
	"log/slog"
)

// FallbackType is the synthetic sensor type substituted for unknown or
// failed descriptor types.
const FallbackType = "SIMULATED"

// Creator constructs a sensor instance from a descriptor.
type Creator func(desc Descriptor) (Sensor, error)

// Registry maps sensor type tags to constructors. Registration happens
// explicitly at startup (see NewRegistry) rather than through package
// init side effects, so the available set is visible in one place.
type Registry struct {
	creators map[string]Creator
	logger   *slog.Logger
}

// NewRegistry creates a registry with all built-in sensor types
// registered against the given hardware access points.
func NewRegistry(hw Hardware, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		creators: make(map[string]Creator),
		logger:   logger,
	}
	registerBuiltins(r, hw)
	return r
}

// Register records a named constructor. Re-registering a name replaces
// the previous constructor (last writer wins).
func (r *Registry) Register(typeName string, create Creator) {
	if _, exists := r.creators[typeName]; exists {
		r.logger.Warn("sensor type re-registered", "type", typeName)
	}
	r.creators[typeName] = create
}

// Create constructs a sensor of the named type. Returns an error for
// unregistered types or failed construction; no fallback is applied
// at this level.
func (r *Registry) Create(typeName string, desc Descriptor) (Sensor, error) {
	create, ok := r.creators[typeName]
	if !ok {
		return nil, fmt.Errorf("unknown sensor type %q", typeName)
	}
	s, err := create(desc)
	if err != nil {
		return nil, fmt.Errorf("construct %s sensor %q: %w", typeName, desc.UUID, err)
	}
	return s, nil
}

// BuildAll constructs sensors for every descriptor. Unknown or failing
// types are substituted with the simulated fallback; when the fallback
// itself is unavailable the descriptor is skipped entirely, so the
// result may be shorter than the input and callers must not assume a
// 1:1 index correspondence.
func (r *Registry) BuildAll(descs []Descriptor) []Sensor {
	sensors := make([]Sensor, 0, len(descs))

	for _, d := range descs {
		s, err := r.Create(d.Type, d)
		if err != nil {
			r.logger.Warn("sensor construction failed, trying fallback",
				"type", d.Type, "uuid", d.UUID, "error", err)

			s, err = r.Create(FallbackType, d)
			if err != nil {
				r.logger.Error("fallback construction failed, skipping sensor",
					"type", d.Type, "uuid", d.UUID, "error", err)
				continue
			}
		}
		sensors = append(sensors, s)
	}

	r.logger.Info("sensor collection built",
		"configured", len(descs), "active", len(sensors))
	return sensors
}
