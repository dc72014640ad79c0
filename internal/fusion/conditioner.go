package fusion

import (
	"math"
	"slices"
)

// madToSigma scales a median absolute deviation to a normal standard deviation.
const madToSigma = 1.4826

// MinWindowSize is the sample count below which raw values pass straight through.
const MinWindowSize = 3

// ConditionerConfig tunes one SignalConditioner.
type ConditionerConfig struct {
	WindowSize       int
	OutlierThreshold float64
	// Alpha is the EMA weight of the newest value. Zero disables smoothing.
	Alpha float64
}

// DefaultConditionerConfig returns the window and threshold used for every metric
// with the given EMA weight.
func DefaultConditionerConfig(alpha float64) ConditionerConfig {
	return ConditionerConfig{
		WindowSize:       5,
		OutlierThreshold: 2.5,
		Alpha:            alpha,
	}
}

// SignalConditioner rejects outliers over a sliding window and optionally
// smooths the result with an exponential moving average.
// It is not safe for concurrent use; the fusion loop owns one per metric.
type SignalConditioner struct {
	cfg    ConditionerConfig
	window []float64
	ema    float64
	hasEMA bool
	last   float64
}

func NewSignalConditioner(cfg ConditionerConfig) *SignalConditioner {
	if cfg.WindowSize < MinWindowSize {
		cfg.WindowSize = MinWindowSize
	}
	if cfg.OutlierThreshold <= 0 {
		cfg.OutlierThreshold = 2.5
	}
	if cfg.Alpha < 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0
	}
	return &SignalConditioner{
		cfg:    cfg,
		window: make([]float64, 0, cfg.WindowSize),
	}
}

// Filter adds sample to the window and returns the conditioned value.
func (c *SignalConditioner) Filter(sample float64) float64 {
	if math.IsNaN(sample) || math.IsInf(sample, 0) {
		return c.last
	}

	c.window = append(c.window, sample)
	if len(c.window) > c.cfg.WindowSize {
		c.window = c.window[1:]
	}

	if len(c.window) < MinWindowSize {
		c.last = sample
		return sample
	}

	value := FilterWindow(c.window, c.cfg.OutlierThreshold)
	if c.cfg.Alpha > 0 {
		if c.hasEMA {
			value = c.cfg.Alpha*value + (1-c.cfg.Alpha)*c.ema
		}
		c.ema = value
		c.hasEMA = true
	}
	c.last = value
	return value
}

// Last returns the most recent output, 0 before the first sample.
func (c *SignalConditioner) Last() float64 {
	return c.last
}

func (c *SignalConditioner) Reset() {
	c.window = c.window[:0]
	c.ema = 0
	c.hasEMA = false
	c.last = 0
}

// FilterWindow returns the mean of the samples within threshold robust standard
// deviations of the median. When fewer than two samples survive the whole
// window is averaged.
func FilterWindow(buffer []float64, threshold float64) float64 {
	if len(buffer) == 0 {
		return 0
	}

	med := median(buffer)
	deviations := make([]float64, len(buffer))
	for i, v := range buffer {
		deviations[i] = math.Abs(v - med)
	}
	sigma := madToSigma * median(deviations)
	limit := threshold * sigma

	var sum float64
	var kept int
	for i, v := range buffer {
		if deviations[i] <= limit {
			sum += v
			kept++
		}
	}
	if kept < 2 {
		return mean(buffer)
	}
	return sum / float64(kept)
}

func median(values []float64) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
