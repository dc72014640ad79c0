package gatt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/fusion"
)

// Status is an ATT/GATT status code returned to a remote reader or writer.
type Status int

const (
	StatusSuccess                Status = 0x00
	StatusReadNotPermitted       Status = 0x02
	StatusWriteNotPermitted      Status = 0x03
	StatusRequestNotSupported    Status = 0x06
	StatusInvalidAttributeLength Status = 0x0D
	StatusFailure                Status = 0x101
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusReadNotPermitted:
		return "Read Not Permitted"
	case StatusWriteNotPermitted:
		return "Write Not Permitted"
	case StatusRequestNotSupported:
		return "Request Not Supported"
	case StatusInvalidAttributeLength:
		return "Invalid Attribute Length"
	case StatusFailure:
		return "Failure"
	default:
		return fmt.Sprintf("Status 0x%02X", int(s))
	}
}

var (
	ErrRegistrationMismatch   = errors.New("service confirmation does not match the service being registered")
	ErrPrimaryServiceFailed   = errors.New("primary service registration failed")
	ErrRegistrationInProgress = errors.New("service registration already started")
	ErrAlreadyRunning         = errors.New("server already running")
	ErrDisabled               = errors.New("BLE transmit is disabled")
	ErrUnknownDevice          = errors.New("device is not connected")
)

// Property is a bit set of characteristic capabilities.
type Property uint8

const (
	PropertyRead Property = 1 << iota
	PropertyWrite
	PropertyNotify
	PropertyIndicate
)

func (p Property) Has(flag Property) bool {
	return p&flag != 0
}

// CharacteristicDefinition describes one characteristic to the platform.
type CharacteristicDefinition struct {
	UUID       string
	Properties Property
	Value      []byte
	// HasCCCD adds a Client Characteristic Configuration descriptor.
	HasCCCD bool
}

// ServiceDefinition is everything the platform needs to publish a service.
type ServiceDefinition struct {
	UUID            string
	Characteristics []CharacteristicDefinition
}

// Advertisement is the advertising payload.
type Advertisement struct {
	LocalName        string
	ServiceUUIDs     []string
	ManufacturerID   uint16
	ManufacturerData []byte
}

// EventHandler receives GATT server callbacks from the platform.
type EventHandler interface {
	OnServiceAdded(serviceUUID string, err error)
	OnDeviceConnected(device string)
	OnDeviceDisconnected(device string)
	OnCharacteristicRead(device, charUUID string) ([]byte, Status)
	OnCharacteristicWrite(device, charUUID string, value []byte) Status
	OnDescriptorWrite(device, charUUID, descUUID string, value []byte) Status
}

// Peripheral is the platform BLE GATT server. AddService only submits a
// service; completion is reported through EventHandler.OnServiceAdded, which
// may be called before AddService returns.
type Peripheral interface {
	SetEventHandler(handler EventHandler)
	AddService(def ServiceDefinition) error
	StartAdvertising(adv Advertisement) error
	StopAdvertising() error
	Notify(device, charUUID string, value []byte) error
	Indicate(device, charUUID string, value []byte) error
}

// Notifier is the outbound half of the registry handed to services.
type Notifier interface {
	NotifySubscribers(charUUID string, value []byte)
	Indicate(device, charUUID string, value []byte) error
}

// Service is one GATT service exposed by the bridge.
type Service interface {
	UUID() string
	// Primary services abort the session when they fail to register.
	Primary() bool
	Definition() ServiceDefinition
	Bind(notifier Notifier)
	OnDeviceConnected(device string)
	OnDeviceDisconnected(device string)
	OnCharacteristicRead(device, charUUID string) ([]byte, Status)
	OnCharacteristicWrite(device, charUUID string, value []byte) Status
	OnSensorTick(reading fusion.Reading)
}

// NormalizeUUID lower-cases a UUID string so lookups ignore case.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.TrimSpace(uuid))
}
