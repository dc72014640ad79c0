package fusion

import "math"

// DefaultWheelCircumferenceMeters matches a 700x25c road tire.
const DefaultWheelCircumferenceMeters = 2.127

// eventTimeTicksPerSecond is the CPS/CSC event time resolution (1/1024 s).
const eventTimeTicksPerSecond = 1024

// RevolutionSnapshot is a read-only copy of the synthetic revolution counters.
type RevolutionSnapshot struct {
	CumulativeWheelRevolutions uint32
	LastWheelEventTime         uint16
	CumulativeCrankRevolutions uint16
	LastCrankEventTime         uint16
}

// RevolutionAccumulator turns speed and cadence into the cumulative wheel and
// crank counters CPS and CSC clients expect. Fractional revolutions carry over
// between updates so none are lost. Single writer: only the fusion loop updates it.
type RevolutionAccumulator struct {
	circumference float64
	state         RevolutionSnapshot
	wheelResidual float64
	crankResidual float64
}

func NewRevolutionAccumulator(wheelCircumferenceMeters float64) *RevolutionAccumulator {
	if wheelCircumferenceMeters <= 0 || math.IsNaN(wheelCircumferenceMeters) {
		wheelCircumferenceMeters = DefaultWheelCircumferenceMeters
	}
	return &RevolutionAccumulator{circumference: wheelCircumferenceMeters}
}

// Update advances both counters by deltaMillis of motion. A nil, zero or
// invalid speed (or cadence) leaves that counter and its residual untouched.
func (a *RevolutionAccumulator) Update(speedKmh *float64, cadenceRpm float64, deltaMillis uint64) {
	if deltaMillis == 0 {
		return
	}

	if speedKmh != nil && positive(*speedKmh) {
		wheelRpm := (*speedKmh / 3.6) / a.circumference * 60
		n, eventDelta := advance(&a.wheelResidual, wheelRpm, deltaMillis)
		if n > 0 {
			a.state.CumulativeWheelRevolutions += uint32(n)
			a.state.LastWheelEventTime += eventDelta
		}
	}

	if positive(cadenceRpm) {
		n, eventDelta := advance(&a.crankResidual, cadenceRpm, deltaMillis)
		if n > 0 {
			a.state.CumulativeCrankRevolutions += uint16(n)
			a.state.LastCrankEventTime += eventDelta
		}
	}
}

// advance adds the revolutions covered in deltaMillis at rpm to residual and
// returns the whole revolutions to emit with the matching event time increment.
func advance(residual *float64, rpm float64, deltaMillis uint64) (uint64, uint16) {
	*residual += rpm * float64(deltaMillis) / 60000
	whole := math.Floor(*residual)
	if whole < 1 {
		return 0, 0
	}
	*residual -= whole

	ticks := int64(60 * eventTimeTicksPerSecond / rpm * whole)
	if ticks < 1 {
		ticks = 1
	}
	return uint64(whole), uint16(ticks & 0xFFFF)
}

func positive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (a *RevolutionAccumulator) Snapshot() RevolutionSnapshot {
	return a.state
}

// Reset zeroes the counters and residuals.
func (a *RevolutionAccumulator) Reset() {
	a.state = RevolutionSnapshot{}
	a.wheelResidual = 0
	a.crankResidual = 0
}
