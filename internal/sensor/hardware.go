package sensor

import (
	"fmt"
	"sync"
)

// AnalogReader reads a raw ADC value from a pin. The concrete
// implementation belongs to the platform layer; a nil reader simply
// makes every analog sensor fail construction and fall back.
type AnalogReader interface {
	ReadAnalog(pin int) (int, error)
}

// TempHumidProbe is a DHT-class combined temperature/humidity device.
// One probe instance serves every logical sensor on the same pin.
type TempHumidProbe interface {
	Sample() (temperature, humidity float64, err error)
}

// ProbeOpener initializes the probe hardware on a pin. Called at most
// once per pin; the BusManager memoizes the result.
type ProbeOpener func(pin int) (TempHumidProbe, error)

// BusManager owns the pin-to-probe mapping so constructors sharing a
// physical bus reuse one handle instead of re-initializing hardware per
// logical sensor.
type BusManager struct {
	mu     sync.Mutex
	open   ProbeOpener
	probes map[int]TempHumidProbe
}

// NewBusManager creates a bus manager around a probe opener. A nil
// opener yields a manager whose Probe always fails, which is the
// correct behavior on hosts without the hardware.
func NewBusManager(open ProbeOpener) *BusManager {
	return &BusManager{
		open:   open,
		probes: make(map[int]TempHumidProbe),
	}
}

// Probe returns the shared probe for a pin, opening it on first use.
func (b *BusManager) Probe(pin int) (TempHumidProbe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.probes[pin]; ok {
		return p, nil
	}
	if b.open == nil {
		return nil, fmt.Errorf("no probe hardware attached (pin %d)", pin)
	}

	p, err := b.open(pin)
	if err != nil {
		return nil, fmt.Errorf("open probe on pin %d: %w", pin, err)
	}
	b.probes[pin] = p
	return p, nil
}

// Hardware bundles the platform access points the built-in sensor
// constructors need. Either field may be nil on hosts lacking the
// peripheral; affected sensors then fall back to simulated instances.
type Hardware struct {
	Analog AnalogReader
	Probes *BusManager
}
