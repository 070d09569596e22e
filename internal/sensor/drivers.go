package sensor

import "fmt"

// Soil moisture calibration for the SEN0193 capacitive probe, raw
// 12-bit ADC values determined empirically: air (dry) reads high, water
// (wet) reads low.
const (
	soilAirValue   = 2941
	soilWaterValue = 1324
)

// Battery voltage conversion for a single-cell LiPo behind the board's
// 2:1 divider on ADC channel 0.
const (
	batteryADCPin      = 0
	adcMaxValue        = 4095
	adcReferenceMillis = 3300.0
	batteryDividerGain = 2.0
)

// analogSamples is how many raw reads get averaged per measurement to
// tame ADC noise.
const analogSamples = 10

func registerBuiltins(r *Registry, hw Hardware) {
	r.Register("SIMULATED", func(d Descriptor) (Sensor, error) {
		return NewSimulated(d.UUID), nil
	})

	for _, tag := range []string{"DHT11_TEMP", "DHT20_TEMP"} {
		r.Register(tag, func(d Descriptor) (Sensor, error) {
			if hw.Probes == nil {
				return nil, fmt.Errorf("no bus manager available")
			}
			p, err := hw.Probes.Probe(d.Pin)
			if err != nil {
				return nil, err
			}
			return &probeReader{uuid: d.UUID, probe: p, humidity: false}, nil
		})
	}

	for _, tag := range []string{"DHT11_HUM", "DHT20_HUM"} {
		r.Register(tag, func(d Descriptor) (Sensor, error) {
			if hw.Probes == nil {
				return nil, fmt.Errorf("no bus manager available")
			}
			p, err := hw.Probes.Probe(d.Pin)
			if err != nil {
				return nil, err
			}
			return &probeReader{uuid: d.UUID, probe: p, humidity: true}, nil
		})
	}

	r.Register("SoilMoistureSensor", func(d Descriptor) (Sensor, error) {
		if hw.Analog == nil {
			return nil, fmt.Errorf("no analog reader available")
		}
		return &soilMoisture{uuid: d.UUID, pin: d.Pin, adc: hw.Analog}, nil
	})

	r.Register("BatteryLevelSensor", func(d Descriptor) (Sensor, error) {
		if hw.Analog == nil {
			return nil, fmt.Errorf("no analog reader available")
		}
		// Battery voltage is always on ADC channel 0 for this board;
		// the descriptor pin is ignored.
		return &batteryLevel{uuid: d.UUID, adc: hw.Analog}, nil
	})
}

// Simulated is the synthetic fallback sensor: a slow ramp that makes
// missing hardware obvious in dashboards without breaking delivery.
type Simulated struct {
	uuid  string
	value float64
}

// NewSimulated creates a simulated sensor for the given UUID.
func NewSimulated(uuid string) *Simulated {
	return &Simulated{uuid: uuid, value: 20.0}
}

func (s *Simulated) UUID() string { return s.uuid }

func (s *Simulated) Read() (float64, error) {
	s.value += 0.13
	return s.value, nil
}

// probeReader reads one channel (temperature or humidity) of a shared
// DHT-class probe.
type probeReader struct {
	uuid     string
	probe    TempHumidProbe
	humidity bool
}

func (p *probeReader) UUID() string { return p.uuid }

func (p *probeReader) Read() (float64, error) {
	temp, humid, err := p.probe.Sample()
	if err != nil {
		return 0, fmt.Errorf("probe sample: %w", err)
	}
	if p.humidity {
		return humid, nil
	}
	return temp, nil
}

// soilMoisture converts averaged raw ADC readings to a moisture
// percentage using the air/water calibration pair: 0% at the dry air
// value, 100% at the submerged water value, clamped in between.
type soilMoisture struct {
	uuid string
	pin  int
	adc  AnalogReader
}

func (s *soilMoisture) UUID() string { return s.uuid }

func (s *soilMoisture) Read() (float64, error) {
	raw, err := averageAnalog(s.adc, s.pin)
	if err != nil {
		return 0, err
	}

	if raw > soilAirValue {
		raw = soilAirValue
	}
	if raw < soilWaterValue {
		raw = soilWaterValue
	}

	percent := 100.0 * float64(soilAirValue-raw) / float64(soilAirValue-soilWaterValue)
	return percent, nil
}

// batteryLevel converts averaged raw ADC readings to a charge
// percentage via the board's voltage divider and a piecewise linear
// approximation of the LiPo discharge curve.
type batteryLevel struct {
	uuid string
	adc  AnalogReader
}

func (b *batteryLevel) UUID() string { return b.uuid }

func (b *batteryLevel) Read() (float64, error) {
	raw, err := averageAnalog(b.adc, batteryADCPin)
	if err != nil {
		return 0, err
	}

	adcMillis := float64(raw) * adcReferenceMillis / adcMaxValue
	batteryMillis := adcMillis * batteryDividerGain
	return voltageToBatteryPercent(batteryMillis), nil
}

// voltageToBatteryPercent maps battery millivolts to a charge
// percentage. Breakpoints follow the typical single-cell LiPo curve:
// rapid drop above 4.0V and below 3.4V, gradual decline between.
func voltageToBatteryPercent(millivolts float64) float64 {
	voltage := millivolts / 1000.0

	const (
		voltageMax = 4.2 // fully charged
		voltageMin = 3.0 // cutoff
	)

	switch {
	case voltage >= voltageMax:
		return 100.0
	case voltage <= voltageMin:
		return 0.0
	case voltage >= 4.0:
		return 90.0 + ((voltage - 4.0) / 0.2 * 10.0)
	case voltage >= 3.7:
		return 50.0 + ((voltage - 3.7) / 0.3 * 40.0)
	case voltage >= 3.4:
		return 20.0 + ((voltage - 3.4) / 0.3 * 30.0)
	default:
		return (voltage - 3.0) / 0.4 * 20.0
	}
}

func averageAnalog(adc AnalogReader, pin int) (int, error) {
	sum := 0
	for i := 0; i < analogSamples; i++ {
		v, err := adc.ReadAnalog(pin)
		if err != nil {
			return 0, fmt.Errorf("read analog pin %d: %w", pin, err)
		}
		sum += v
	}
	return sum / analogSamples, nil
}
