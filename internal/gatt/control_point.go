package gatt

import (
	"fmt"
	"sync"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/codec"
)

// MachineState is the fitness machine state driven by the control point.
type MachineState int

const (
	MachineIdle MachineState = iota
	MachineManualMode
)

func (s MachineState) String() string {
	switch s {
	case MachineIdle:
		return "Idle"
	case MachineManualMode:
		return "ManualMode"
	default:
		return fmt.Sprintf("MachineState(%d)", int(s))
	}
}

// TrainingStatus maps the machine state to its Training Status value.
func (s MachineState) TrainingStatus() byte {
	if s == MachineManualMode {
		return codec.TrainingStatusManualMode
	}
	return codec.TrainingStatusIdle
}

// Simulation holds the indoor bike simulation parameters in wire units.
type Simulation struct {
	WindSpeed   int16 // 0.001 m/s
	Grade       int16 // 0.01 %
	Crr         uint8 // 0.0001
	WindResCoef uint8 // 0.01 kg/m
}

// Targets are the values last requested by the client. Has* reports whether
// the value has been set since the last reset.
type Targets struct {
	HasResistance   bool
	ResistanceLevel uint8 // 0.1 units
	HasPower        bool
	PowerWatts      int16
	HasSimulation   bool
	Simulation      Simulation
}

// MachineStatus is a snapshot of the control point for observers.
type MachineStatus struct {
	State   MachineState
	Targets Targets
}

// Outcome is the result of one control point request. Response always
// goes back to the writer; Status and TrainingStatus are nil when nothing
// is broadcast.
type Outcome struct {
	Response       []byte
	Result         byte
	Status         []byte
	TrainingStatus []byte
}

// ControlPoint is the FTMS control point state machine.
// Control is granted without an explicit Request Control: clients that start
// with Start/Resume are accepted.
type ControlPoint struct {
	mu      sync.Mutex
	state   MachineState
	targets Targets
}

func NewControlPoint() *ControlPoint {
	return &ControlPoint{state: MachineIdle}
}

func (cp *ControlPoint) Status() MachineStatus {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return MachineStatus{State: cp.state, Targets: cp.targets}
}

// Reset returns the machine to Idle with no targets.
func (cp *ControlPoint) Reset() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.state = MachineIdle
	cp.targets = Targets{}
}

// Handle applies req and returns what to send back.
func (cp *ControlPoint) Handle(req codec.ControlPointRequest) Outcome {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	reply := func(result byte) Outcome {
		return Outcome{
			Response: codec.EncodeControlPointResponse(req.OpCode, result),
			Result:   result,
		}
	}
	withState := func(out Outcome, next MachineState, status []byte) Outcome {
		cp.state = next
		out.Status = status
		out.TrainingStatus = codec.EncodeTrainingStatus(next.TrainingStatus())
		return out
	}

	switch req.OpCode {
	case codec.FTMSOpCodeRequestControl:
		return reply(codec.FTMSResultSuccess)

	case codec.FTMSOpCodeReset:
		cp.targets = Targets{}
		return withState(reply(codec.FTMSResultSuccess), MachineIdle,
			codec.EncodeFitnessMachineStatus(codec.FTMSStatusReset))

	case codec.FTMSOpCodeStartOrResume:
		return withState(reply(codec.FTMSResultSuccess), MachineManualMode,
			codec.EncodeFitnessMachineStatus(codec.FTMSStatusStartedOrResumedByUser))

	case codec.FTMSOpCodeStopOrPause:
		param := codec.FTMSStopOrPauseParamStop
		if p, err := req.Uint8Param(0); err == nil && p == codec.FTMSStopOrPauseParamPause {
			param = p
		}
		return withState(reply(codec.FTMSResultSuccess), MachineIdle,
			codec.EncodeFitnessMachineStatus(codec.FTMSStatusStoppedOrPausedByUser, param))

	case codec.FTMSOpCodeSetTargetResistance:
		level, err := req.Uint8Param(0)
		if err != nil {
			return reply(codec.FTMSResultInvalidParameter)
		}
		cp.targets.HasResistance = true
		cp.targets.ResistanceLevel = level
		out := reply(codec.FTMSResultSuccess)
		out.Status = codec.EncodeFitnessMachineStatus(codec.FTMSStatusTargetResistanceChanged, level)
		return out

	case codec.FTMSOpCodeSetTargetPower:
		watts, err := req.Int16Param(0)
		if err != nil || watts < codec.MinTargetPowerWatts || watts > codec.MaxTargetPowerWatts {
			return reply(codec.FTMSResultInvalidParameter)
		}
		cp.targets.HasPower = true
		cp.targets.PowerWatts = watts
		out := reply(codec.FTMSResultSuccess)
		out.Status = codec.EncodeFitnessMachineStatus(codec.FTMSStatusTargetPowerChanged, req.Parameters[:2]...)
		return out

	case codec.FTMSOpCodeSetIndoorBikeSimulation:
		if len(req.Parameters) < 6 {
			return reply(codec.FTMSResultInvalidParameter)
		}
		wind, _ := req.Int16Param(0)
		grade, _ := req.Int16Param(2)
		crr, _ := req.Uint8Param(4)
		cw, _ := req.Uint8Param(5)
		cp.targets.HasSimulation = true
		cp.targets.Simulation = Simulation{WindSpeed: wind, Grade: grade, Crr: crr, WindResCoef: cw}
		out := reply(codec.FTMSResultSuccess)
		out.Status = codec.EncodeFitnessMachineStatus(codec.FTMSStatusIndoorBikeSimulationChanged, req.Parameters[:6]...)
		return out

	default:
		return reply(codec.FTMSResultOpCodeNotSupported)
	}
}
