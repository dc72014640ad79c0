package gatt

import (
	"log"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/codec"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/fusion"
)

// CyclingPowerService publishes power with the synthetic wheel and crank counters.
type CyclingPowerService struct {
	*baseService
	reads map[string][]byte
}

func NewCyclingPowerService(logger *log.Logger) *CyclingPowerService {
	return &CyclingPowerService{
		baseService: newBaseService("CyclingPowerService", codec.ServiceUUIDCyclingPower, false, logger),
		reads: map[string][]byte{
			codec.CharUUIDCyclingPowerFeature: codec.EncodeCyclingPowerFeature(codec.DefaultCPSFeatures),
			codec.CharUUIDSensorLocation:      {codec.SensorLocationLeftCrank},
		},
	}
}

func (s *CyclingPowerService) Definition() ServiceDefinition {
	return ServiceDefinition{
		UUID: s.uuid,
		Characteristics: []CharacteristicDefinition{
			{UUID: codec.CharUUIDCyclingPowerMeasurement, Properties: PropertyNotify, HasCCCD: true},
			{UUID: codec.CharUUIDCyclingPowerFeature, Properties: PropertyRead, Value: s.reads[codec.CharUUIDCyclingPowerFeature]},
			{UUID: codec.CharUUIDSensorLocation, Properties: PropertyRead, Value: s.reads[codec.CharUUIDSensorLocation]},
		},
	}
}

func (s *CyclingPowerService) OnCharacteristicRead(_ string, charUUID string) ([]byte, Status) {
	return staticReads(s.reads, charUUID)
}

func (s *CyclingPowerService) OnSensorTick(reading fusion.Reading) {
	revs := reading.Revolutions
	s.notify(codec.CharUUIDCyclingPowerMeasurement, codec.EncodeCyclingPowerMeasurement(codec.CyclingPowerMeasurement{
		PowerWatts: float64(reading.Power),
		Wheel: codec.RevolutionData{
			Present:       true,
			Revolutions:   revs.CumulativeWheelRevolutions,
			LastEventTime: revs.LastWheelEventTime,
		},
		Crank: codec.RevolutionData{
			Present:       true,
			Revolutions:   uint32(revs.CumulativeCrankRevolutions),
			LastEventTime: revs.LastCrankEventTime,
		},
	}))
}

// CyclingSpeedCadenceService publishes the wheel and crank counters for
// apps that only speak CSC.
type CyclingSpeedCadenceService struct {
	*baseService
	reads map[string][]byte
}

func NewCyclingSpeedCadenceService(logger *log.Logger) *CyclingSpeedCadenceService {
	return &CyclingSpeedCadenceService{
		baseService: newBaseService("CSCService", codec.ServiceUUIDCyclingSpeedCadence, false, logger),
		reads: map[string][]byte{
			codec.CharUUIDCSCFeature: codec.EncodeCSCFeature(codec.DefaultCSCFeatures),
		},
	}
}

func (s *CyclingSpeedCadenceService) Definition() ServiceDefinition {
	return ServiceDefinition{
		UUID: s.uuid,
		Characteristics: []CharacteristicDefinition{
			{UUID: codec.CharUUIDCSCMeasurement, Properties: PropertyNotify, HasCCCD: true},
			{UUID: codec.CharUUIDCSCFeature, Properties: PropertyRead, Value: s.reads[codec.CharUUIDCSCFeature]},
		},
	}
}

func (s *CyclingSpeedCadenceService) OnCharacteristicRead(_ string, charUUID string) ([]byte, Status) {
	return staticReads(s.reads, charUUID)
}

func (s *CyclingSpeedCadenceService) OnSensorTick(reading fusion.Reading) {
	revs := reading.Revolutions
	s.notify(codec.CharUUIDCSCMeasurement, codec.EncodeCSCMeasurement(codec.CSCMeasurement{
		Wheel: codec.RevolutionData{
			Present:       true,
			Revolutions:   revs.CumulativeWheelRevolutions,
			LastEventTime: revs.LastWheelEventTime,
		},
		Crank: codec.RevolutionData{
			Present:       true,
			Revolutions:   uint32(revs.CumulativeCrankRevolutions),
			LastEventTime: revs.LastCrankEventTime,
		},
	}))
}

// DeviceInfo is the content of the Device Information Service.
type DeviceInfo struct {
	Manufacturer     string
	Model            string
	Serial           string
	HardwareRevision string
	FirmwareRevision string
	SoftwareRevision string
}

// DeviceInformationService serves static identification strings.
type DeviceInformationService struct {
	*baseService
	reads map[string][]byte
}

func NewDeviceInformationService(info DeviceInfo, logger *log.Logger) *DeviceInformationService {
	reads := make(map[string][]byte)
	put := func(charUUID, value string) {
		if value != "" {
			reads[charUUID] = codec.EncodeDeviceInformationString(value)
		}
	}
	put(codec.CharUUIDManufacturerName, info.Manufacturer)
	put(codec.CharUUIDModelNumber, info.Model)
	put(codec.CharUUIDSerialNumber, info.Serial)
	put(codec.CharUUIDHardwareRevision, info.HardwareRevision)
	put(codec.CharUUIDFirmwareRevision, info.FirmwareRevision)
	put(codec.CharUUIDSoftwareRevision, info.SoftwareRevision)

	return &DeviceInformationService{
		baseService: newBaseService("DeviceInformationService", codec.ServiceUUIDDeviceInformation, false, logger),
		reads:       reads,
	}
}

func (s *DeviceInformationService) Definition() ServiceDefinition {
	order := []string{
		codec.CharUUIDManufacturerName,
		codec.CharUUIDModelNumber,
		codec.CharUUIDSerialNumber,
		codec.CharUUIDHardwareRevision,
		codec.CharUUIDFirmwareRevision,
		codec.CharUUIDSoftwareRevision,
	}
	def := ServiceDefinition{UUID: s.uuid}
	for _, uuid := range order {
		if v, ok := s.reads[uuid]; ok {
			def.Characteristics = append(def.Characteristics,
				CharacteristicDefinition{UUID: uuid, Properties: PropertyRead, Value: v})
		}
	}
	return def
}

func (s *DeviceInformationService) OnCharacteristicRead(_ string, charUUID string) ([]byte, Status) {
	return staticReads(s.reads, charUUID)
}
