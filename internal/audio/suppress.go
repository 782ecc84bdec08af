package audio

import "math"

// Suppressor removes background noise from one channel. Process works in
// place on exactly ChunkSize samples scaled to the int16 range.
type Suppressor interface {
	Process(frame []float32)
	Close()
}

// Noise gate tuning.
const (
	gateMinThreshold = 60.0 // rms, int16 scale
	gateOpenRatio    = 2.0  // ~6 dB above the tracked noise floor
	gateFloorGain    = 0.1  // -20 dB while closed
	gateRelease      = 0.8
	gateFloorFall    = 0.9
	gateFloorRise    = 0.999
)

// NoiseGate is a single-channel downward expander that tracks the noise
// floor and attenuates frames that do not rise above it.
type NoiseGate struct {
	floor float64
	gain  float64
}

func NewNoiseGate() *NoiseGate {
	return &NoiseGate{gain: 1}
}

func (g *NoiseGate) Process(frame []float32) {
	if len(frame) == 0 {
		return
	}
	var sum float64
	for _, v := range frame {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(frame)))

	switch {
	case g.floor == 0:
		g.floor = rms
	case rms < g.floor:
		g.floor = gateFloorFall*g.floor + (1-gateFloorFall)*rms
	default:
		g.floor = gateFloorRise*g.floor + (1-gateFloorRise)*rms
	}

	threshold := math.Max(g.floor*gateOpenRatio, gateMinThreshold)
	target := gateFloorGain
	if rms > threshold {
		target = 1
	}

	next := target
	if target < g.gain {
		next = gateRelease*g.gain + (1-gateRelease)*target
	}

	// Ramp across the frame so gain changes do not click.
	step := (next - g.gain) / float64(len(frame))
	gain := g.gain
	for i, v := range frame {
		gain += step
		frame[i] = float32(float64(v) * gain)
	}
	g.gain = next
}

func (g *NoiseGate) Close() {}
