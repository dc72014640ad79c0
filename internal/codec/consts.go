package codec

import "fmt"

// Bluetooth SIG UUIDs for the services and characteristics the bridge exposes
const (
	// Fitness Machine Service (FTMS)
	ServiceUUIDFTMS                  = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData           = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSFeature              = "00002acc-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint         = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSStatus               = "00002ada-0000-1000-8000-00805f9b34fb"
	CharUUIDTrainingStatus           = "00002ad3-0000-1000-8000-00805f9b34fb"
	CharUUIDSupportedPowerRange      = "00002ad8-0000-1000-8000-00805f9b34fb"
	CharUUIDSupportedResistanceRange = "00002ad6-0000-1000-8000-00805f9b34fb"

	// Cycling Power Service
	ServiceUUIDCyclingPower         = "00001818-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerMeasurement = "00002a63-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerFeature     = "00002a65-0000-1000-8000-00805f9b34fb"
	CharUUIDSensorLocation          = "00002a5d-0000-1000-8000-00805f9b34fb"

	// Cycling Speed and Cadence Service (CSC)
	ServiceUUIDCyclingSpeedCadence = "00001816-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCMeasurement         = "00002a5b-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCFeature             = "00002a5c-0000-1000-8000-00805f9b34fb"

	// Device Information Service
	ServiceUUIDDeviceInformation = "0000180a-0000-1000-8000-00805f9b34fb"
	CharUUIDManufacturerName     = "00002a29-0000-1000-8000-00805f9b34fb"
	CharUUIDModelNumber          = "00002a24-0000-1000-8000-00805f9b34fb"
	CharUUIDSerialNumber         = "00002a25-0000-1000-8000-00805f9b34fb"
	CharUUIDHardwareRevision     = "00002a27-0000-1000-8000-00805f9b34fb"
	CharUUIDFirmwareRevision     = "00002a26-0000-1000-8000-00805f9b34fb"
	CharUUIDSoftwareRevision     = "00002a28-0000-1000-8000-00805f9b34fb"

	// Client Characteristic Configuration descriptor
	DescriptorUUIDCCCD = "00002902-0000-1000-8000-00805f9b34fb"
)

// UUID16 expands a 16-bit SIG assigned number into its 128-bit string form.
func UUID16(short uint16) string {
	return fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", short)
}

// FTMS Control Point Op Codes (Fitness Machine Service 1.0)
const (
	FTMSOpCodeRequestControl          byte = 0x00
	FTMSOpCodeReset                   byte = 0x01
	FTMSOpCodeSetTargetSpeed          byte = 0x02
	FTMSOpCodeSetTargetInclination    byte = 0x03
	FTMSOpCodeSetTargetResistance     byte = 0x04
	FTMSOpCodeSetTargetPower          byte = 0x05
	FTMSOpCodeSetTargetHeartRate      byte = 0x06
	FTMSOpCodeStartOrResume           byte = 0x07
	FTMSOpCodeStopOrPause             byte = 0x08
	FTMSOpCodeSetIndoorBikeSimulation byte = 0x11
	FTMSOpCodeResponseCode            byte = 0x80
)

// FTMS Control Point Result Codes
const (
	FTMSResultSuccess             byte = 0x01
	FTMSResultOpCodeNotSupported  byte = 0x02
	FTMSResultInvalidParameter    byte = 0x03
	FTMSResultOperationFailed     byte = 0x04
	FTMSResultControlNotPermitted byte = 0x05
)

// Fitness Machine Status op codes
const (
	FTMSStatusReset                       byte = 0x01
	FTMSStatusStoppedOrPausedByUser       byte = 0x02
	FTMSStatusStartedOrResumedByUser      byte = 0x04
	FTMSStatusTargetResistanceChanged     byte = 0x07
	FTMSStatusTargetPowerChanged          byte = 0x08
	FTMSStatusIndoorBikeSimulationChanged byte = 0x12
	FTMSStatusControlPermissionLost       byte = 0xFF
	FTMSStopOrPauseParamStop              byte = 0x01
	FTMSStopOrPauseParamPause             byte = 0x02
)

// Training Status values
const (
	TrainingStatusOther      byte = 0x00
	TrainingStatusIdle       byte = 0x01
	TrainingStatusManualMode byte = 0x0D
)

// Fitness Machine Feature bits (first u32 of the feature characteristic)
const (
	FTMSFeatureAverageSpeed    uint32 = 1 << 0
	FTMSFeatureCadence         uint32 = 1 << 1
	FTMSFeatureTotalDistance   uint32 = 1 << 2
	FTMSFeatureResistanceLevel uint32 = 1 << 7
	FTMSFeatureExpendedEnergy  uint32 = 1 << 9
	FTMSFeatureHeartRate       uint32 = 1 << 10
	FTMSFeatureElapsedTime     uint32 = 1 << 12
	FTMSFeaturePowerMeasure    uint32 = 1 << 14
)

// Target Setting Feature bits (second u32 of the feature characteristic)
const (
	FTMSTargetResistance           uint32 = 1 << 2
	FTMSTargetPower                uint32 = 1 << 3
	FTMSTargetIndoorBikeSimulation uint32 = 1 << 13
)

// Default capability words advertised by the bridge
const (
	DefaultFTMSFeatures = FTMSFeatureCadence | FTMSFeatureTotalDistance | FTMSFeatureResistanceLevel |
		FTMSFeatureExpendedEnergy | FTMSFeatureElapsedTime | FTMSFeaturePowerMeasure
	DefaultFTMSTargets = FTMSTargetResistance | FTMSTargetPower | FTMSTargetIndoorBikeSimulation
)

// Cycling Power Feature bits
const (
	CPSFeatureWheelRevolutionData uint32 = 1 << 2
	CPSFeatureCrankRevolutionData uint32 = 1 << 3
	DefaultCPSFeatures                   = CPSFeatureWheelRevolutionData | CPSFeatureCrankRevolutionData
)

// CSC Feature bits
const (
	CSCFeatureWheelRevolutionData uint16 = 1 << 0
	CSCFeatureCrankRevolutionData uint16 = 1 << 1
	DefaultCSCFeatures                   = CSCFeatureWheelRevolutionData | CSCFeatureCrankRevolutionData
)

// SensorLocationLeftCrank is the CPS Sensor Location value for a left crank sensor.
const SensorLocationLeftCrank byte = 0x05

// Power and resistance limits reported by the range characteristics
const (
	MinTargetPowerWatts = 0
	MaxTargetPowerWatts = 2000
	PowerIncrementWatts = 1
	MinResistanceLevel  = 0
	MaxResistanceLevel  = 100
	ResistanceIncrement = 1
)
