package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPayload is returned when a write carries no bytes at all.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrShortPayload is returned when a payload ends before a field its flags announce.
	ErrShortPayload = errors.New("payload too short")
)

// IndoorBikeData holds the FTMS Indoor Bike Data fields in human units.
// A field is only put on the wire when its Has flag is set.
type IndoorBikeData struct {
	HasInstantaneousSpeed   bool
	HasAverageSpeed         bool
	HasInstantaneousCadence bool
	HasAverageCadence       bool
	HasTotalDistance        bool
	HasResistanceLevel      bool
	HasInstantaneousPower   bool
	HasAveragePower         bool
	HasExpendedEnergy       bool
	HasHeartRate            bool
	HasMetabolicEquivalent  bool
	HasElapsedTime          bool
	HasRemainingTime        bool

	InstantaneousSpeedKmh   float64 // km/h, 0.01 resolution
	AverageSpeedKmh         float64 // km/h, 0.01 resolution
	InstantaneousCadenceRpm float64 // rpm, 0.5 resolution
	AverageCadenceRpm       float64 // rpm, 0.5 resolution
	TotalDistanceMeters     float64 // m, u24
	ResistanceLevel         float64 // unitless, s16
	InstantaneousPowerWatts float64 // W, s16
	AveragePowerWatts       float64 // W, s16
	TotalEnergyKJ           float64 // kJ, u16
	EnergyPerHourKJ         float64 // kJ/h, u16
	EnergyPerMinuteKJ       float64 // kJ/min, u8
	HeartRateBpm            float64 // bpm, u8
	MetabolicEquivalent     float64 // MET, 0.1 resolution
	ElapsedTimeSeconds      float64 // s, u16
	RemainingTimeSeconds    float64 // s, u16
}

// Indoor Bike Data flag bit positions (FTMS 1.0)
const (
	ibdFlagMoreData             = 1 << 0 // 0 = Instantaneous Speed present
	ibdFlagAverageSpeed         = 1 << 1
	ibdFlagInstantaneousCadence = 1 << 2
	ibdFlagAverageCadence       = 1 << 3
	ibdFlagTotalDistance        = 1 << 4
	ibdFlagResistanceLevel      = 1 << 5
	ibdFlagInstantaneousPower   = 1 << 6
	ibdFlagAveragePower         = 1 << 7
	ibdFlagExpendedEnergy       = 1 << 8
	ibdFlagHeartRate            = 1 << 9
	ibdFlagMetabolicEquivalent  = 1 << 10
	ibdFlagElapsedTime          = 1 << 11
	ibdFlagRemainingTime        = 1 << 12
)

// maxIndoorBikeDataLen is the encoded size with every field present.
const maxIndoorBikeDataLen = 2 + 2 + 2 + 2 + 2 + 3 + 2 + 2 + 2 + 5 + 1 + 1 + 2 + 2

// Flags returns the flag word matching the fields that are set.
func (d IndoorBikeData) Flags() uint16 {
	var flags uint16
	if !d.HasInstantaneousSpeed {
		flags |= ibdFlagMoreData
	}
	set := func(present bool, bit uint16) {
		if present {
			flags |= bit
		}
	}
	set(d.HasAverageSpeed, ibdFlagAverageSpeed)
	set(d.HasInstantaneousCadence, ibdFlagInstantaneousCadence)
	set(d.HasAverageCadence, ibdFlagAverageCadence)
	set(d.HasTotalDistance, ibdFlagTotalDistance)
	set(d.HasResistanceLevel, ibdFlagResistanceLevel)
	set(d.HasInstantaneousPower, ibdFlagInstantaneousPower)
	set(d.HasAveragePower, ibdFlagAveragePower)
	set(d.HasExpendedEnergy, ibdFlagExpendedEnergy)
	set(d.HasHeartRate, ibdFlagHeartRate)
	set(d.HasMetabolicEquivalent, ibdFlagMetabolicEquivalent)
	set(d.HasElapsedTime, ibdFlagElapsedTime)
	set(d.HasRemainingTime, ibdFlagRemainingTime)
	return flags
}

// EncodeIndoorBikeData serializes d in FTMS field order.
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
func EncodeIndoorBikeData(d IndoorBikeData) []byte {
	buf := make([]byte, 0, maxIndoorBikeDataLen)
	buf = putUint16(buf, d.Flags())

	if d.HasInstantaneousSpeed {
		buf = putUint16(buf, ClampUint16(d.InstantaneousSpeedKmh*100))
	}
	if d.HasAverageSpeed {
		buf = putUint16(buf, ClampUint16(d.AverageSpeedKmh*100))
	}
	if d.HasInstantaneousCadence {
		buf = putUint16(buf, ClampUint16(d.InstantaneousCadenceRpm*2))
	}
	if d.HasAverageCadence {
		buf = putUint16(buf, ClampUint16(d.AverageCadenceRpm*2))
	}
	if d.HasTotalDistance {
		buf = putUint24(buf, ClampUint24(d.TotalDistanceMeters))
	}
	if d.HasResistanceLevel {
		buf = putUint16(buf, uint16(ClampInt16(d.ResistanceLevel)))
	}
	if d.HasInstantaneousPower {
		buf = putUint16(buf, uint16(ClampInt16(d.InstantaneousPowerWatts)))
	}
	if d.HasAveragePower {
		buf = putUint16(buf, uint16(ClampInt16(d.AveragePowerWatts)))
	}
	if d.HasExpendedEnergy {
		buf = putUint16(buf, ClampUint16(d.TotalEnergyKJ))
		buf = putUint16(buf, ClampUint16(d.EnergyPerHourKJ))
		buf = append(buf, ClampUint8(d.EnergyPerMinuteKJ))
	}
	if d.HasHeartRate {
		buf = append(buf, ClampUint8(d.HeartRateBpm))
	}
	if d.HasMetabolicEquivalent {
		buf = append(buf, ClampUint8(d.MetabolicEquivalent*10))
	}
	if d.HasElapsedTime {
		buf = putUint16(buf, ClampUint16(d.ElapsedTimeSeconds))
	}
	if d.HasRemainingTime {
		buf = putUint16(buf, ClampUint16(d.RemainingTimeSeconds))
	}
	return buf
}

// DecodeIndoorBikeData parses all fields from an Indoor Bike Data notification.
func DecodeIndoorBikeData(buf []byte) (*IndoorBikeData, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("indoor bike data: %d bytes: %w", len(buf), ErrShortPayload)
	}

	flags := readUint16(buf, 0)
	offset := 2
	data := &IndoorBikeData{
		HasInstantaneousSpeed:   flags&ibdFlagMoreData == 0,
		HasAverageSpeed:         flags&ibdFlagAverageSpeed != 0,
		HasInstantaneousCadence: flags&ibdFlagInstantaneousCadence != 0,
		HasAverageCadence:       flags&ibdFlagAverageCadence != 0,
		HasTotalDistance:        flags&ibdFlagTotalDistance != 0,
		HasResistanceLevel:      flags&ibdFlagResistanceLevel != 0,
		HasInstantaneousPower:   flags&ibdFlagInstantaneousPower != 0,
		HasAveragePower:         flags&ibdFlagAveragePower != 0,
		HasExpendedEnergy:       flags&ibdFlagExpendedEnergy != 0,
		HasHeartRate:            flags&ibdFlagHeartRate != 0,
		HasMetabolicEquivalent:  flags&ibdFlagMetabolicEquivalent != 0,
		HasElapsedTime:          flags&ibdFlagElapsedTime != 0,
		HasRemainingTime:        flags&ibdFlagRemainingTime != 0,
	}

	need := func(n int, field string) error {
		if offset+n > len(buf) {
			return fmt.Errorf("indoor bike data: %s at offset %d: %w", field, offset, ErrShortPayload)
		}
		return nil
	}
	u16 := func() float64 {
		v := readUint16(buf, offset)
		offset += 2
		return float64(v)
	}
	s16 := func() float64 {
		v := int16(readUint16(buf, offset))
		offset += 2
		return float64(v)
	}
	u8 := func() float64 {
		v := buf[offset]
		offset++
		return float64(v)
	}

	if data.HasInstantaneousSpeed {
		if err := need(2, "instantaneous speed"); err != nil {
			return nil, err
		}
		data.InstantaneousSpeedKmh = u16() * 0.01
	}
	if data.HasAverageSpeed {
		if err := need(2, "average speed"); err != nil {
			return nil, err
		}
		data.AverageSpeedKmh = u16() * 0.01
	}
	if data.HasInstantaneousCadence {
		if err := need(2, "instantaneous cadence"); err != nil {
			return nil, err
		}
		data.InstantaneousCadenceRpm = u16() * 0.5
	}
	if data.HasAverageCadence {
		if err := need(2, "average cadence"); err != nil {
			return nil, err
		}
		data.AverageCadenceRpm = u16() * 0.5
	}
	if data.HasTotalDistance {
		if err := need(3, "total distance"); err != nil {
			return nil, err
		}
		data.TotalDistanceMeters = float64(readUint24(buf, offset))
		offset += 3
	}
	if data.HasResistanceLevel {
		if err := need(2, "resistance level"); err != nil {
			return nil, err
		}
		data.ResistanceLevel = s16()
	}
	if data.HasInstantaneousPower {
		if err := need(2, "instantaneous power"); err != nil {
			return nil, err
		}
		data.InstantaneousPowerWatts = s16()
	}
	if data.HasAveragePower {
		if err := need(2, "average power"); err != nil {
			return nil, err
		}
		data.AveragePowerWatts = s16()
	}
	if data.HasExpendedEnergy {
		if err := need(5, "expended energy"); err != nil {
			return nil, err
		}
		data.TotalEnergyKJ = u16()
		data.EnergyPerHourKJ = u16()
		data.EnergyPerMinuteKJ = u8()
	}
	if data.HasHeartRate {
		if err := need(1, "heart rate"); err != nil {
			return nil, err
		}
		data.HeartRateBpm = u8()
	}
	if data.HasMetabolicEquivalent {
		if err := need(1, "metabolic equivalent"); err != nil {
			return nil, err
		}
		data.MetabolicEquivalent = u8() * 0.1
	}
	if data.HasElapsedTime {
		if err := need(2, "elapsed time"); err != nil {
			return nil, err
		}
		data.ElapsedTimeSeconds = u16()
	}
	if data.HasRemainingTime {
		if err := need(2, "remaining time"); err != nil {
			return nil, err
		}
		data.RemainingTimeSeconds = u16()
	}

	return data, nil
}
