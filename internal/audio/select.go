package audio

import "fmt"

// RatePolicy decides how a device's default sample rate is matched against
// the requested rate.
type RatePolicy string

const (
	RateExact     RatePolicy = "exact"
	RateThreshold RatePolicy = "threshold"
)

// ParseRatePolicy validates a policy name from configuration.
func ParseRatePolicy(s string) (RatePolicy, error) {
	switch p := RatePolicy(s); p {
	case RateExact, RateThreshold:
		return p, nil
	case "":
		return RateExact, nil
	default:
		return "", fmt.Errorf("unknown sample rate policy %q", s)
	}
}

// Filter describes which device to record from. An Index >= 0 selects that
// device directly and skips rate matching.
type Filter struct {
	Index      int
	SampleRate float64
	Policy     RatePolicy
	Channels   int
}

func (f Filter) matchesRate(rate float64) bool {
	if f.Policy == RateThreshold {
		return rate >= f.SampleRate
	}
	return rate == f.SampleRate
}

// Select returns the first device in enumeration order that satisfies f.
func Select(devices []Device, f Filter) (Device, error) {
	channels := max(f.Channels, 1)

	if f.Index >= 0 {
		for _, d := range devices {
			if d.Index != f.Index {
				continue
			}
			if d.MaxInputChannels < channels {
				return Device{}, fmt.Errorf("%w: device %d (%s) has %d input channels, need %d",
					ErrNoMicrophoneFound, d.Index, d.Name, d.MaxInputChannels, channels)
			}
			return d, nil
		}
		return Device{}, fmt.Errorf("%w: no device with index %d", ErrNoMicrophoneFound, f.Index)
	}

	for _, d := range devices {
		if d.MaxInputChannels >= channels && f.matchesRate(d.DefaultSampleRate) {
			return d, nil
		}
	}

	return Device{}, fmt.Errorf("%w: none of %d devices has a %s sample rate of %.0f Hz",
		ErrNoMicrophoneFound, len(devices), f.Policy, f.SampleRate)
}
