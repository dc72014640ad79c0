package codec

import (
	"errors"
	"fmt"
)

// ErrNotAResponse is returned when a control point payload is not a 0x80 response frame.
var ErrNotAResponse = errors.New("not a control point response")

// ControlPointRequest is an inbound FTMS Control Point write.
type ControlPointRequest struct {
	OpCode     byte
	Parameters []byte
}

// ControlPointResponse is the indication sent back for a request.
type ControlPointResponse struct {
	RequestOpCode byte
	Result        byte
}

// DecodeControlPointRequest splits a write into op code and parameter bytes.
func DecodeControlPointRequest(buf []byte) (ControlPointRequest, error) {
	if len(buf) == 0 {
		return ControlPointRequest{}, fmt.Errorf("control point request: %w", ErrEmptyPayload)
	}
	params := make([]byte, len(buf)-1)
	copy(params, buf[1:])
	return ControlPointRequest{OpCode: buf[0], Parameters: params}, nil
}

// Uint8Param returns the parameter byte at offset.
func (r ControlPointRequest) Uint8Param(offset int) (uint8, error) {
	if offset < 0 || offset+1 > len(r.Parameters) {
		return 0, fmt.Errorf("op code 0x%02X parameter at %d: %w", r.OpCode, offset, ErrShortPayload)
	}
	return r.Parameters[offset], nil
}

// Int16Param returns the little-endian s16 parameter at offset.
func (r ControlPointRequest) Int16Param(offset int) (int16, error) {
	if offset < 0 || offset+2 > len(r.Parameters) {
		return 0, fmt.Errorf("op code 0x%02X parameter at %d: %w", r.OpCode, offset, ErrShortPayload)
	}
	return int16(readUint16(r.Parameters, offset)), nil
}

// EncodeControlPointRequest is the inverse of DecodeControlPointRequest.
func EncodeControlPointRequest(opCode byte, params ...byte) []byte {
	buf := make([]byte, 0, 1+len(params))
	buf = append(buf, opCode)
	return append(buf, params...)
}

// EncodeControlPointResponse frames [0x80, requestOpCode, result].
func EncodeControlPointResponse(requestOpCode, result byte) []byte {
	return []byte{FTMSOpCodeResponseCode, requestOpCode, result}
}

func DecodeControlPointResponse(buf []byte) (ControlPointResponse, error) {
	if len(buf) < 3 {
		return ControlPointResponse{}, fmt.Errorf("control point response: %d bytes: %w", len(buf), ErrShortPayload)
	}
	if buf[0] != FTMSOpCodeResponseCode {
		return ControlPointResponse{}, fmt.Errorf("control point response: op code 0x%02X: %w", buf[0], ErrNotAResponse)
	}
	return ControlPointResponse{RequestOpCode: buf[1], Result: buf[2]}, nil
}

// OpCodeName returns a readable name for log lines.
func OpCodeName(opCode byte) string {
	switch opCode {
	case FTMSOpCodeRequestControl:
		return "Request Control"
	case FTMSOpCodeReset:
		return "Reset"
	case FTMSOpCodeSetTargetSpeed:
		return "Set Target Speed"
	case FTMSOpCodeSetTargetInclination:
		return "Set Target Inclination"
	case FTMSOpCodeSetTargetResistance:
		return "Set Target Resistance"
	case FTMSOpCodeSetTargetPower:
		return "Set Target Power"
	case FTMSOpCodeSetTargetHeartRate:
		return "Set Target Heart Rate"
	case FTMSOpCodeStartOrResume:
		return "Start/Resume"
	case FTMSOpCodeStopOrPause:
		return "Stop/Pause"
	case FTMSOpCodeSetIndoorBikeSimulation:
		return "Set Indoor Bike Simulation"
	default:
		return fmt.Sprintf("OpCode 0x%02X", opCode)
	}
}

func ResultName(result byte) string {
	switch result {
	case FTMSResultSuccess:
		return "Success"
	case FTMSResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case FTMSResultInvalidParameter:
		return "Invalid Parameter"
	case FTMSResultOperationFailed:
		return "Operation Failed"
	case FTMSResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return fmt.Sprintf("Result 0x%02X", result)
	}
}
