package fusion

import "math"

// lowPowerCutoffWatts splits the two cubic fits of the bike's power to speed curve.
const lowPowerCutoffWatts = 26

// SpeedFromPowerMph estimates road speed in mph from power in watts using the
// bike's published cubic fit on sqrt(power). Never returns a negative speed.
func SpeedFromPowerMph(powerWatts float64) float64 {
	if !positive(powerWatts) {
		return 0
	}
	r := math.Sqrt(powerWatts)
	var mph float64
	if powerWatts < lowPowerCutoffWatts {
		mph = 0.057 - 0.172*r + 0.759*r*r - 0.079*r*r*r
	} else {
		mph = -1.635 + 2.325*r - 0.064*r*r + 0.001*r*r*r
	}
	return math.Max(0, mph)
}
