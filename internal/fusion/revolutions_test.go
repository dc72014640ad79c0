package fusion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestRevolutionAccumulator_OneSecondInTenTicks(t *testing.T) {
	acc := NewRevolutionAccumulator(2.127)

	for i := 0; i < 10; i++ {
		acc.Update(ptr(20), 80, 100)
	}

	wheelRevs := (20 / 3.6) / 2.127
	crankRevs := 80.0 / 60

	snap := acc.Snapshot()
	assert.Equal(t, uint32(math.Floor(wheelRevs)), snap.CumulativeWheelRevolutions)
	assert.Equal(t, uint16(math.Floor(crankRevs)), snap.CumulativeCrankRevolutions)
	assert.Equal(t, uint32(2), snap.CumulativeWheelRevolutions)
	assert.Equal(t, uint16(1), snap.CumulativeCrankRevolutions)
	assert.NotZero(t, snap.LastWheelEventTime)
	assert.NotZero(t, snap.LastCrankEventTime)
}

func TestRevolutionAccumulator_CrankEventTime(t *testing.T) {
	acc := NewRevolutionAccumulator(DefaultWheelCircumferenceMeters)

	// 60 rpm: one revolution per second, 1024 ticks apart
	acc.Update(nil, 60, 1000)
	acc.Update(nil, 60, 1000)

	snap := acc.Snapshot()
	assert.Equal(t, uint16(2), snap.CumulativeCrankRevolutions)
	assert.Equal(t, uint16(2048), snap.LastCrankEventTime)
	assert.Zero(t, snap.CumulativeWheelRevolutions)
}

func TestRevolutionAccumulator_NoMotionKeepsResidual(t *testing.T) {
	acc := NewRevolutionAccumulator(DefaultWheelCircumferenceMeters)

	acc.Update(nil, 60, 600)
	acc.Update(ptr(0), 0, 5000)
	acc.Update(ptr(math.NaN()), -10, 5000)
	assert.Zero(t, acc.Snapshot().CumulativeCrankRevolutions)

	// 0.6 carried over + 0.4 completes the revolution
	acc.Update(nil, 60, 400)
	assert.Equal(t, uint16(1), acc.Snapshot().CumulativeCrankRevolutions)
}

func TestRevolutionAccumulator_Monotonic(t *testing.T) {
	acc := NewRevolutionAccumulator(DefaultWheelCircumferenceMeters)

	speeds := []float64{0, 5, 12.5, 33, 45, 0, 28, 60}
	cadences := []float64{0, 40, 75, 90, 110, 0, 85, 120}
	deltas := []uint64{100, 250, 300, 300, 1000, 300, 50, 2000}

	prev := acc.Snapshot()
	for round := 0; round < 20; round++ {
		for i := range speeds {
			acc.Update(ptr(speeds[i]), cadences[i], deltas[i])
			snap := acc.Snapshot()
			require.GreaterOrEqual(t, snap.CumulativeWheelRevolutions, prev.CumulativeWheelRevolutions)
			require.GreaterOrEqual(t, snap.CumulativeCrankRevolutions, prev.CumulativeCrankRevolutions)
			prev = snap
		}
	}
	assert.NotZero(t, prev.CumulativeWheelRevolutions)
}

func TestRevolutionAccumulator_WrapsAtFieldWidth(t *testing.T) {
	acc := NewRevolutionAccumulator(DefaultWheelCircumferenceMeters)
	acc.state.CumulativeCrankRevolutions = math.MaxUint16
	acc.state.CumulativeWheelRevolutions = math.MaxUint32

	acc.Update(ptr(30), 60, 1000)

	snap := acc.Snapshot()
	assert.Equal(t, uint16(0), snap.CumulativeCrankRevolutions)
	assert.Less(t, snap.CumulativeWheelRevolutions, uint32(10))
}

func TestRevolutionAccumulator_Reset(t *testing.T) {
	acc := NewRevolutionAccumulator(0)
	acc.Update(ptr(30), 90, 5000)
	require.NotZero(t, acc.Snapshot().CumulativeCrankRevolutions)

	acc.Reset()
	assert.Equal(t, RevolutionSnapshot{}, acc.Snapshot())
	assert.Zero(t, acc.wheelResidual)
	assert.Zero(t, acc.crankResidual)
}
