// Package sensor turns the device's static sensor configuration list
// into polymorphic readable instances. A name-keyed registry maps type
// tags to constructors; unknown or failed types degrade to a simulated
// fallback so a misconfigured descriptor never takes the device down.
package sensor

// Sensor is one logical readable value source. Implementations bound to
// a shared hardware bus hold a reference to a shared per-pin handle,
// never exclusive ownership of the bus.
type Sensor interface {
	// UUID identifies the logical sensor to the backend.
	UUID() string
	// Read samples the sensor once and returns a single value.
	Read() (float64, error)
}

// Descriptor is the contract between the configuration list and the
// factory: a type tag, a pin (ignored by pinless types), the backend
// UUID, and a display name for diagnostics.
type Descriptor struct {
	Type string
	Pin  int
	UUID string
	Name string
}
