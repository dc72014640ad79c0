package gatt

import (
	"log"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/codec"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/events"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/fusion"
)

// FTMSService is the Fitness Machine Service: Indoor Bike Data, the control
// point and the status characteristics around it.
type FTMSService struct {
	*baseService
	controlPoint *ControlPoint
	statusEvent  *events.CallbackEvent[MachineStatus]
	reads        map[string][]byte
}

func NewFTMSService(logger *log.Logger) *FTMSService {
	features := codec.EncodeFitnessMachineFeature(codec.DefaultFTMSFeatures, codec.DefaultFTMSTargets)
	powerRange := codec.EncodeSupportedPowerRange(
		codec.MinTargetPowerWatts, codec.MaxTargetPowerWatts, codec.PowerIncrementWatts)
	resistanceRange := codec.EncodeSupportedResistanceRange(
		codec.MinResistanceLevel, codec.MaxResistanceLevel, codec.ResistanceIncrement)

	return &FTMSService{
		baseService:  newBaseService("FTMSService", codec.ServiceUUIDFTMS, true, logger),
		controlPoint: NewControlPoint(),
		statusEvent:  events.NewCallbackEvent[MachineStatus](true),
		reads: map[string][]byte{
			codec.CharUUIDFTMSFeature:              features,
			codec.CharUUIDSupportedPowerRange:      powerRange,
			codec.CharUUIDSupportedResistanceRange: resistanceRange,
		},
	}
}

func (s *FTMSService) Definition() ServiceDefinition {
	return ServiceDefinition{
		UUID: s.uuid,
		Characteristics: []CharacteristicDefinition{
			{UUID: codec.CharUUIDIndoorBikeData, Properties: PropertyNotify, HasCCCD: true},
			{UUID: codec.CharUUIDFTMSFeature, Properties: PropertyRead, Value: s.reads[codec.CharUUIDFTMSFeature]},
			{UUID: codec.CharUUIDFTMSControlPoint, Properties: PropertyWrite | PropertyIndicate, HasCCCD: true},
			{UUID: codec.CharUUIDFTMSStatus, Properties: PropertyNotify, HasCCCD: true},
			{
				UUID:       codec.CharUUIDTrainingStatus,
				Properties: PropertyRead | PropertyNotify,
				Value:      codec.EncodeTrainingStatus(codec.TrainingStatusIdle),
				HasCCCD:    true,
			},
			{UUID: codec.CharUUIDSupportedPowerRange, Properties: PropertyRead, Value: s.reads[codec.CharUUIDSupportedPowerRange]},
			{UUID: codec.CharUUIDSupportedResistanceRange, Properties: PropertyRead, Value: s.reads[codec.CharUUIDSupportedResistanceRange]},
		},
	}
}

func (s *FTMSService) OnCharacteristicRead(_ string, charUUID string) ([]byte, Status) {
	if charUUID == codec.CharUUIDTrainingStatus {
		return codec.EncodeTrainingStatus(s.controlPoint.Status().State.TrainingStatus()), StatusSuccess
	}
	return staticReads(s.reads, charUUID)
}

// OnCharacteristicWrite runs a control point request. The response is indicated
// to the writer only; state changes are broadcast to every status subscriber.
func (s *FTMSService) OnCharacteristicWrite(device, charUUID string, value []byte) Status {
	if charUUID != codec.CharUUIDFTMSControlPoint {
		return s.baseService.OnCharacteristicWrite(device, charUUID, value)
	}

	req, err := codec.DecodeControlPointRequest(value)
	if err != nil {
		s.logger.Printf("FTMSService: rejecting control point write from %s: %v", device, err)
		return StatusInvalidAttributeLength
	}

	outcome := s.controlPoint.Handle(req)
	s.logger.Printf("FTMSService: %s from %s -> %s",
		codec.OpCodeName(req.OpCode), device, codec.ResultName(outcome.Result))

	if err := s.indicate(device, codec.CharUUIDFTMSControlPoint, outcome.Response); err != nil {
		s.logger.Printf("FTMSService: control point response to %s: %v", device, err)
	}
	if outcome.Status != nil {
		s.notify(codec.CharUUIDFTMSStatus, outcome.Status)
	}
	if outcome.TrainingStatus != nil {
		s.notify(codec.CharUUIDTrainingStatus, outcome.TrainingStatus)
	}
	if outcome.Status != nil || outcome.TrainingStatus != nil {
		s.statusEvent.Notify(s.controlPoint.Status())
	}
	return StatusSuccess
}

func (s *FTMSService) OnSensorTick(reading fusion.Reading) {
	s.notify(codec.CharUUIDIndoorBikeData, codec.EncodeIndoorBikeData(IndoorBikeDataFromReading(reading)))
}

// ControlPoint exposes the state machine for status displays.
func (s *FTMSService) ControlPoint() *ControlPoint {
	return s.controlPoint
}

// ListenToMachineStatus registers fn for control point state changes.
func (s *FTMSService) ListenToMachineStatus(fn func(MachineStatus)) func() {
	return s.statusEvent.Listen(fn)
}

// ResetMachine returns the control point to Idle, used when the server stops.
func (s *FTMSService) ResetMachine() {
	s.controlPoint.Reset()
	s.statusEvent.Notify(s.controlPoint.Status())
}

// IndoorBikeDataFromReading maps a fused reading onto the Indoor Bike Data fields.
func IndoorBikeDataFromReading(r fusion.Reading) codec.IndoorBikeData {
	return codec.IndoorBikeData{
		HasInstantaneousSpeed:   r.HasSpeed,
		HasInstantaneousCadence: true,
		HasTotalDistance:        true,
		HasResistanceLevel:      true,
		HasInstantaneousPower:   true,
		HasExpendedEnergy:       true,
		HasElapsedTime:          true,
		InstantaneousSpeedKmh:   float64(r.SpeedKmh),
		InstantaneousCadenceRpm: float64(r.Cadence),
		TotalDistanceMeters:     r.TotalDistanceMeters,
		ResistanceLevel:         float64(r.Resistance),
		InstantaneousPowerWatts: float64(r.Power),
		TotalEnergyKJ:           r.TotalEnergyKJ,
		EnergyPerHourKJ:         r.EnergyPerHourKJ(),
		EnergyPerMinuteKJ:       r.EnergyPerMinuteKJ(),
		ElapsedTimeSeconds:      r.Elapsed.Seconds(),
	}
}
