package fusion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalConditioner_RawBelowThreeSamples(t *testing.T) {
	c := NewSignalConditioner(DefaultConditionerConfig(0.25))

	assert.Equal(t, 10.0, c.Filter(10))
	assert.Equal(t, 500.0, c.Filter(500))
}

func TestSignalConditioner_RejectsOutlier(t *testing.T) {
	c := NewSignalConditioner(DefaultConditionerConfig(0))

	for _, v := range []float64{100, 101, 99, 100} {
		c.Filter(v)
	}
	assert.InDelta(t, 100.0, c.Filter(1000), 1e-9)
}

func TestSignalConditioner_WindowEvictsOldest(t *testing.T) {
	c := NewSignalConditioner(ConditionerConfig{WindowSize: 3, OutlierThreshold: 2.5})

	c.Filter(1)
	c.Filter(2)
	c.Filter(3)
	// window is now [2, 3, 4]
	assert.InDelta(t, 3.0, c.Filter(4), 1e-9)
}

func TestSignalConditioner_EMA(t *testing.T) {
	c := NewSignalConditioner(ConditionerConfig{WindowSize: 5, OutlierThreshold: 2.5, Alpha: 0.5})

	c.Filter(10)
	c.Filter(20)
	// first smoothed value passes through unchanged
	assert.InDelta(t, 20.0, c.Filter(30), 1e-9)
	// window mean 25, 0.5*25 + 0.5*20
	assert.InDelta(t, 22.5, c.Filter(40), 1e-9)
}

func TestSignalConditioner_DropsNonFinite(t *testing.T) {
	c := NewSignalConditioner(DefaultConditionerConfig(0.35))

	assert.Equal(t, 0.0, c.Filter(math.NaN()))
	assert.Equal(t, 5.0, c.Filter(5))
	assert.Equal(t, 5.0, c.Filter(math.Inf(1)))
	// the dropped values never entered the window: two samples, raw output
	assert.Equal(t, 7.0, c.Filter(7))
}

func TestSignalConditioner_Reset(t *testing.T) {
	c := NewSignalConditioner(DefaultConditionerConfig(0.35))
	for _, v := range []float64{1, 2, 3, 4} {
		c.Filter(v)
	}

	c.Reset()
	assert.Equal(t, 0.0, c.Last())
	assert.Equal(t, 42.0, c.Filter(42))
}

func TestFilterWindow(t *testing.T) {
	tests := []struct {
		name      string
		buffer    []float64
		threshold float64
		want      float64
	}{
		{"empty", nil, 2.5, 0},
		{"constant", []float64{5, 5, 5}, 2.5, 5},
		{"zero MAD keeps median values", []float64{5, 5, 5, 5, 9}, 2.5, 5},
		{"spike removed", []float64{100, 101, 99, 100, 1000}, 2.5, 100},
		{"even window", []float64{10, 20, 30, 40}, 2.5, 25},
		{"too few survivors averages all", []float64{0, 10, 30}, 0.1, 40.0 / 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, FilterWindow(tt.buffer, tt.threshold), 1e-9)
		})
	}
}

func TestSpeedFromPowerMph(t *testing.T) {
	assert.Equal(t, 0.0, SpeedFromPowerMph(0))
	assert.Equal(t, 0.0, SpeedFromPowerMph(-50))
	assert.Equal(t, 0.0, SpeedFromPowerMph(math.NaN()))
	assert.InDelta(t, 16.215, SpeedFromPowerMph(100), 1e-9)

	prev := 0.0
	for _, watts := range []float64{30, 60, 120, 250, 400} {
		mph := SpeedFromPowerMph(watts)
		assert.Greater(t, mph, prev, "speed at %v W", watts)
		prev = mph
	}
}
