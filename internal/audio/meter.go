package audio

import "math"

// MeterConfig tunes how raw microphone audio becomes a [0,1] input level
type MeterConfig struct {
	Encoding     string  // EncodingLinear16 or EncodingMulaw
	FloorDBFS    float64 // Level 0 at or below this loudness
	CeilingDBFS  float64 // Level 1 at or above this loudness
	NoiseGateRMS float64 // Chunks quieter than this count as silence
	HangFrames   int     // Silent chunks tolerated before the gate closes again
}

// DefaultMeterConfig returns a meter tuned for 16-bit speech
func DefaultMeterConfig() MeterConfig {
	return MeterConfig{
		Encoding:     EncodingLinear16,
		FloorDBFS:    -60,
		CeilingDBFS:  -10,
		NoiseGateRMS: 100,
		HangFrames:   5,
	}
}

// Meter turns audio chunks into a normalized volume level for the mic
// indicator. A noise gate with hangover keeps background hiss at zero while
// letting short pauses inside speech through.
type Meter struct {
	config  MeterConfig
	silence int
	open    bool
}

// NewMeter creates a new level meter
func NewMeter(config MeterConfig) *Meter {
	if config.CeilingDBFS <= config.FloorDBFS {
		def := DefaultMeterConfig()
		config.FloorDBFS, config.CeilingDBFS = def.FloorDBFS, def.CeilingDBFS
	}
	return &Meter{config: config}
}

// Measure returns the level of one chunk in [0,1]. Chunks that cannot be
// decoded measure as silence.
func (m *Meter) Measure(chunk []byte) float64 {
	samples, err := Decode(m.config.Encoding, chunk)
	if err != nil {
		return 0
	}

	rms := CalculateRMS(samples)
	if !m.gate(rms) {
		return 0
	}
	return Normalize(RMSToDBFS(rms), m.config.FloorDBFS, m.config.CeilingDBFS)
}

// Speaking reports whether the gate is currently open
func (m *Meter) Speaking() bool {
	return m.open
}

// Reset closes the gate
func (m *Meter) Reset() {
	m.silence = 0
	m.open = false
}

func (m *Meter) gate(rms float64) bool {
	if rms > m.config.NoiseGateRMS {
		m.silence = 0
		m.open = true
		return true
	}

	m.silence++
	if m.open && m.silence > m.config.HangFrames {
		m.open = false
		m.silence = 0
	}
	return m.open
}

// Normalize linearly maps v from [lo,hi] to [0,1], clamping outside values
func Normalize(v, lo, hi float64) float64 {
	if math.IsNaN(v) || hi <= lo {
		return 0
	}
	return Clamp01((v - lo) / (hi - lo))
}

// Clamp01 bounds v to [0,1]
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 1:
		return 1
	default:
		return v
	}
}
