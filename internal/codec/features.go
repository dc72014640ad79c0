package codec

import "unicode/utf8"

// EncodeFitnessMachineFeature packs the feature word and the target setting word.
func EncodeFitnessMachineFeature(features, targets uint32) []byte {
	buf := make([]byte, 0, 8)
	buf = putUint32(buf, features)
	return putUint32(buf, targets)
}

func EncodeCyclingPowerFeature(features uint32) []byte {
	return putUint32(make([]byte, 0, 4), features)
}

func EncodeCSCFeature(features uint16) []byte {
	return putUint16(make([]byte, 0, 2), features)
}

// EncodeSupportedPowerRange writes min, max (s16 W) and increment (u16 W).
func EncodeSupportedPowerRange(minWatts, maxWatts, incrementWatts float64) []byte {
	buf := make([]byte, 0, 6)
	buf = putUint16(buf, uint16(ClampInt16(minWatts)))
	buf = putUint16(buf, uint16(ClampInt16(maxWatts)))
	return putUint16(buf, ClampUint16(incrementWatts))
}

// EncodeSupportedResistanceRange writes min, max (s16) and increment (u16).
func EncodeSupportedResistanceRange(minLevel, maxLevel, increment float64) []byte {
	buf := make([]byte, 0, 6)
	buf = putUint16(buf, uint16(ClampInt16(minLevel)))
	buf = putUint16(buf, uint16(ClampInt16(maxLevel)))
	return putUint16(buf, ClampUint16(increment))
}

// EncodeFitnessMachineStatus frames a status op code with its parameters.
func EncodeFitnessMachineStatus(opCode byte, params ...byte) []byte {
	buf := make([]byte, 0, 1+len(params))
	buf = append(buf, opCode)
	return append(buf, params...)
}

// EncodeTrainingStatus returns [flags=0x00, status]; no status string is sent.
func EncodeTrainingStatus(status byte) []byte {
	return []byte{0x00, status}
}

// MaxDeviceInformationLen caps Device Information strings so one read fits the default ATT MTU.
const MaxDeviceInformationLen = 64

// EncodeDeviceInformationString returns the UTF-8 bytes of s, cut on a rune boundary.
func EncodeDeviceInformationString(s string) []byte {
	if len(s) <= MaxDeviceInformationLen {
		return []byte(s)
	}
	cut := MaxDeviceInformationLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return []byte(s[:cut])
}
