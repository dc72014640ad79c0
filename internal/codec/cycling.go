package codec

import "fmt"

// RevolutionData is a cumulative revolution count paired with the time of the
// last revolution event in 1/1024 s ticks.
type RevolutionData struct {
	Present       bool
	Revolutions   uint32
	LastEventTime uint16
}

// CyclingPowerMeasurement is the CPS Measurement characteristic (0x2A63).
// Crank revolutions travel as u16 on the wire; higher bits are dropped.
type CyclingPowerMeasurement struct {
	PowerWatts float64
	Wheel      RevolutionData
	Crank      RevolutionData
}

const (
	cpsFlagWheelRevolutionData uint16 = 0x10
	cpsFlagCrankRevolutionData uint16 = 0x20
)

// EncodeCyclingPowerMeasurement lays out flags, s16 power, then the optional
// wheel (u32 + u16) and crank (u16 + u16) pairs.
func EncodeCyclingPowerMeasurement(m CyclingPowerMeasurement) []byte {
	var flags uint16
	if m.Wheel.Present {
		flags |= cpsFlagWheelRevolutionData
	}
	if m.Crank.Present {
		flags |= cpsFlagCrankRevolutionData
	}

	buf := make([]byte, 0, 14)
	buf = putUint16(buf, flags)
	buf = putUint16(buf, uint16(ClampInt16(m.PowerWatts)))
	if m.Wheel.Present {
		buf = putUint32(buf, m.Wheel.Revolutions)
		buf = putUint16(buf, m.Wheel.LastEventTime)
	}
	if m.Crank.Present {
		buf = putUint16(buf, uint16(m.Crank.Revolutions))
		buf = putUint16(buf, m.Crank.LastEventTime)
	}
	return buf
}

// DecodeCyclingPowerMeasurement parses the fields EncodeCyclingPowerMeasurement writes.
// See: https://www.bluetooth.com/specifications/specs/cycling-power-service-1-1/
func DecodeCyclingPowerMeasurement(buf []byte) (CyclingPowerMeasurement, error) {
	var m CyclingPowerMeasurement
	if len(buf) < 4 {
		return m, fmt.Errorf("cycling power measurement: %d bytes: %w", len(buf), ErrShortPayload)
	}
	flags := readUint16(buf, 0)
	m.PowerWatts = float64(int16(readUint16(buf, 2)))
	offset := 4

	if flags&cpsFlagWheelRevolutionData != 0 {
		if offset+6 > len(buf) {
			return m, fmt.Errorf("cycling power measurement: wheel data at offset %d: %w", offset, ErrShortPayload)
		}
		m.Wheel = RevolutionData{
			Present:       true,
			Revolutions:   readUint32(buf, offset),
			LastEventTime: readUint16(buf, offset+4),
		}
		offset += 6
	}
	if flags&cpsFlagCrankRevolutionData != 0 {
		if offset+4 > len(buf) {
			return m, fmt.Errorf("cycling power measurement: crank data at offset %d: %w", offset, ErrShortPayload)
		}
		m.Crank = RevolutionData{
			Present:       true,
			Revolutions:   uint32(readUint16(buf, offset)),
			LastEventTime: readUint16(buf, offset+2),
		}
	}
	return m, nil
}

// CSCMeasurement is the CSC Measurement characteristic (0x2A5B).
type CSCMeasurement struct {
	Wheel RevolutionData
	Crank RevolutionData
}

const (
	cscFlagWheelRevolutionData byte = 0x01
	cscFlagCrankRevolutionData byte = 0x02
)

func EncodeCSCMeasurement(m CSCMeasurement) []byte {
	var flags byte
	if m.Wheel.Present {
		flags |= cscFlagWheelRevolutionData
	}
	if m.Crank.Present {
		flags |= cscFlagCrankRevolutionData
	}

	buf := make([]byte, 0, 11)
	buf = append(buf, flags)
	if m.Wheel.Present {
		buf = putUint32(buf, m.Wheel.Revolutions)
		buf = putUint16(buf, m.Wheel.LastEventTime)
	}
	if m.Crank.Present {
		buf = putUint16(buf, uint16(m.Crank.Revolutions))
		buf = putUint16(buf, m.Crank.LastEventTime)
	}
	return buf
}

func DecodeCSCMeasurement(buf []byte) (CSCMeasurement, error) {
	var m CSCMeasurement
	if len(buf) < 1 {
		return m, fmt.Errorf("csc measurement: %w", ErrEmptyPayload)
	}
	flags := buf[0]
	offset := 1

	if flags&cscFlagWheelRevolutionData != 0 {
		if offset+6 > len(buf) {
			return m, fmt.Errorf("csc measurement: wheel data at offset %d: %w", offset, ErrShortPayload)
		}
		m.Wheel = RevolutionData{
			Present:       true,
			Revolutions:   readUint32(buf, offset),
			LastEventTime: readUint16(buf, offset+4),
		}
		offset += 6
	}
	if flags&cscFlagCrankRevolutionData != 0 {
		if offset+4 > len(buf) {
			return m, fmt.Errorf("csc measurement: crank data at offset %d: %w", offset, ErrShortPayload)
		}
		m.Crank = RevolutionData{
			Present:       true,
			Revolutions:   uint32(readUint16(buf, offset)),
			LastEventTime: readUint16(buf, offset+2),
		}
	}
	return m, nil
}
