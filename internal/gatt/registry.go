package gatt

import (
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/codec"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/safe_map"
)

// DefaultMaxNotifyFailures is the number of consecutive failed notifications
// after which a device is treated as gone.
const DefaultMaxNotifyFailures = 5

// RegistrationState tracks the one-at-a-time service registration sequence.
type RegistrationState int

const (
	RegistrationPending RegistrationState = iota
	RegistrationRegistering
	RegistrationAllRegistered
	RegistrationFailed
)

func (s RegistrationState) String() string {
	switch s {
	case RegistrationPending:
		return "Pending"
	case RegistrationRegistering:
		return "Registering"
	case RegistrationAllRegistered:
		return "AllRegistered"
	case RegistrationFailed:
		return "Failed"
	default:
		return fmt.Sprintf("RegistrationState(%d)", int(s))
	}
}

type connectedDevice struct {
	address             string
	subscriptions       map[string]bool
	consecutiveFailures int
}

// Registry registers services with the peripheral in strict sequence, routes
// GATT callbacks to the owning service and fans notifications out to the
// subscribed devices.
type Registry struct {
	peripheral        Peripheral
	logger            *log.Logger
	maxNotifyFailures int

	// characteristic UUID -> owning service, filled as services register
	owners *safe_map.SafeMap[string, Service]

	mu              sync.Mutex
	state           RegistrationState
	pending         []Service
	current         Service
	registered      []Service
	devices         map[string]*connectedDevice
	onAllRegistered func()
	onFailed        func(error)
}

// NewRegistry creates a registry. maxNotifyFailures <= 0 selects the default.
func NewRegistry(peripheral Peripheral, maxNotifyFailures int, logger *log.Logger) *Registry {
	if peripheral == nil {
		panic("Registry: peripheral cannot be nil")
	}
	if logger == nil {
		panic("Registry: logger cannot be nil")
	}
	if maxNotifyFailures <= 0 {
		maxNotifyFailures = DefaultMaxNotifyFailures
	}
	return &Registry{
		peripheral:        peripheral,
		logger:            logger,
		maxNotifyFailures: maxNotifyFailures,
		owners:            safe_map.NewSafeMap[string, Service](),
		devices:           make(map[string]*connectedDevice),
	}
}

// OnAllRegistered sets the callback run once every service has been confirmed.
func (r *Registry) OnAllRegistered(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAllRegistered = fn
}

// OnRegistrationFailed sets the callback run when registration aborts.
func (r *Registry) OnRegistrationFailed(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailed = fn
}

// Register queues services and submits the first one. The rest follow as
// OnServiceAdded confirms each in turn.
func (r *Registry) Register(services ...Service) error {
	r.mu.Lock()
	if r.state != RegistrationPending || r.current != nil {
		r.mu.Unlock()
		return ErrRegistrationInProgress
	}
	r.pending = slices.Clone(services)
	r.mu.Unlock()

	r.advance()
	return nil
}

// advance submits the next pending service, or completes the sequence.
func (r *Registry) advance() {
	r.mu.Lock()
	if r.state == RegistrationFailed {
		r.mu.Unlock()
		return
	}
	if len(r.pending) == 0 {
		r.current = nil
		r.state = RegistrationAllRegistered
		done := r.onAllRegistered
		count := len(r.registered)
		r.mu.Unlock()

		r.logger.Printf("Registry: %d services registered", count)
		if done != nil {
			done()
		}
		return
	}
	next := r.pending[0]
	r.pending = r.pending[1:]
	r.current = next
	r.state = RegistrationRegistering
	r.mu.Unlock()

	r.logger.Printf("Registry: adding service %s", next.UUID())
	if err := r.peripheral.AddService(next.Definition()); err != nil {
		r.OnServiceAdded(next.UUID(), err)
	}
}

// OnServiceAdded is the platform confirmation for the service in flight.
func (r *Registry) OnServiceAdded(serviceUUID string, err error) {
	r.mu.Lock()
	if r.state != RegistrationRegistering || r.current == nil {
		r.mu.Unlock()
		r.logger.Printf("Registry: ignoring confirmation for %s in state %s", serviceUUID, r.State())
		return
	}
	current := r.current

	if NormalizeUUID(serviceUUID) != NormalizeUUID(current.UUID()) {
		r.failLocked(fmt.Errorf("%w: expected %s, got %s", ErrRegistrationMismatch, current.UUID(), serviceUUID))
		return
	}

	if err != nil {
		if current.Primary() {
			r.failLocked(fmt.Errorf("%w: %s: %v", ErrPrimaryServiceFailed, current.UUID(), err))
			return
		}
		r.current = nil
		r.mu.Unlock()
		r.logger.Printf("Registry: skipping secondary service %s: %v", current.UUID(), err)
		r.advance()
		return
	}

	r.registered = append(r.registered, current)
	r.current = nil
	r.mu.Unlock()

	for _, ch := range current.Definition().Characteristics {
		r.owners.Store(NormalizeUUID(ch.UUID), current)
	}
	current.Bind(r)
	r.logger.Printf("Registry: service %s added", current.UUID())
	r.advance()
}

// failLocked aborts registration. Called with r.mu held; releases it.
func (r *Registry) failLocked(err error) {
	r.state = RegistrationFailed
	r.current = nil
	r.pending = nil
	onFailed := r.onFailed
	r.mu.Unlock()

	r.logger.Printf("Registry: registration failed: %v", err)
	if onFailed != nil {
		onFailed(err)
	}
}

func (r *Registry) State() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Services returns the services confirmed so far, in registration order.
func (r *Registry) Services() []Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.registered)
}

func (r *Registry) OnDeviceConnected(device string) {
	r.mu.Lock()
	if _, ok := r.devices[device]; ok {
		r.mu.Unlock()
		return
	}
	r.devices[device] = &connectedDevice{address: device, subscriptions: make(map[string]bool)}
	services := slices.Clone(r.registered)
	r.mu.Unlock()

	r.logger.Printf("Registry: device connected: %s", device)
	for _, s := range services {
		s.OnDeviceConnected(device)
	}
}

func (r *Registry) OnDeviceDisconnected(device string) {
	r.mu.Lock()
	_, ok := r.devices[device]
	delete(r.devices, device)
	services := slices.Clone(r.registered)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Printf("Registry: device disconnected: %s", device)
	for _, s := range services {
		s.OnDeviceDisconnected(device)
	}
}

func (r *Registry) OnCharacteristicRead(device, charUUID string) ([]byte, Status) {
	owner, ok := r.owners.Load(NormalizeUUID(charUUID))
	if !ok {
		r.logger.Printf("Registry: read of unknown characteristic %s from %s", charUUID, device)
		return nil, StatusReadNotPermitted
	}
	return owner.OnCharacteristicRead(device, NormalizeUUID(charUUID))
}

func (r *Registry) OnCharacteristicWrite(device, charUUID string, value []byte) Status {
	owner, ok := r.owners.Load(NormalizeUUID(charUUID))
	if !ok {
		r.logger.Printf("Registry: write to unknown characteristic %s from %s", charUUID, device)
		return StatusWriteNotPermitted
	}
	return owner.OnCharacteristicWrite(device, NormalizeUUID(charUUID), value)
}

// OnDescriptorWrite handles CCCD writes: bit 0 (notify) or bit 1 (indicate)
// subscribes the device to the characteristic, anything else unsubscribes it.
func (r *Registry) OnDescriptorWrite(device, charUUID, descUUID string, value []byte) Status {
	if NormalizeUUID(descUUID) != codec.DescriptorUUIDCCCD {
		return StatusWriteNotPermitted
	}
	key := NormalizeUUID(charUUID)
	if _, ok := r.owners.Load(key); !ok {
		return StatusWriteNotPermitted
	}
	if len(value) < 2 {
		return StatusInvalidAttributeLength
	}

	subscribe := value[0]&0x03 != 0

	r.mu.Lock()
	dev, ok := r.devices[device]
	if !ok {
		r.mu.Unlock()
		r.logger.Printf("Registry: ignoring descriptor write from unknown device %s", device)
		return StatusWriteNotPermitted
	}
	if subscribe {
		dev.subscriptions[key] = true
	} else {
		delete(dev.subscriptions, key)
	}
	r.mu.Unlock()

	if subscribe {
		r.logger.Printf("Registry: %s subscribed to %s", device, key)
	} else {
		r.logger.Printf("Registry: %s unsubscribed from %s", device, key)
	}
	return StatusSuccess
}

// NotifySubscribers sends value to every device subscribed to charUUID.
// A device that fails maxNotifyFailures times in a row is evicted.
func (r *Registry) NotifySubscribers(charUUID string, value []byte) {
	key := NormalizeUUID(charUUID)
	targets := r.Subscribers(key)

	for _, device := range targets {
		err := r.peripheral.Notify(device, key, value)

		r.mu.Lock()
		dev, ok := r.devices[device]
		if !ok {
			r.mu.Unlock()
			continue
		}
		evicted := false
		if err != nil {
			dev.consecutiveFailures++
			if dev.consecutiveFailures >= r.maxNotifyFailures {
				delete(r.devices, device)
				evicted = true
			}
		} else {
			dev.consecutiveFailures = 0
		}
		failures := dev.consecutiveFailures
		services := slices.Clone(r.registered)
		r.mu.Unlock()

		if err != nil {
			r.logger.Printf("Registry: notify %s to %s failed (%d/%d): %v", key, device, failures, r.maxNotifyFailures, err)
		}
		if evicted {
			r.logger.Printf("Registry: evicting unresponsive device %s", device)
			for _, s := range services {
				s.OnDeviceDisconnected(device)
			}
		}
	}
}

// Indicate sends an acknowledged value to one connected device.
func (r *Registry) Indicate(device, charUUID string, value []byte) error {
	r.mu.Lock()
	_, ok := r.devices[device]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("indicate %s: %w: %s", charUUID, ErrUnknownDevice, device)
	}
	if err := r.peripheral.Indicate(device, NormalizeUUID(charUUID), value); err != nil {
		return fmt.Errorf("indicate %s to %s: %w", charUUID, device, err)
	}
	return nil
}

// Subscribers returns the sorted addresses subscribed to charUUID.
func (r *Registry) Subscribers(charUUID string) []string {
	key := NormalizeUUID(charUUID)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for addr, dev := range r.devices {
		if dev.subscriptions[key] {
			out = append(out, addr)
		}
	}
	slices.Sort(out)
	return out
}

func (r *Registry) IsSubscribed(device, charUUID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[device]
	return ok && dev.subscriptions[NormalizeUUID(charUUID)]
}

// ConnectedDevices returns the sorted addresses of the tracked devices.
func (r *Registry) ConnectedDevices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.devices))
	for addr := range r.devices {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}

// Reset drops every connection, subscription and registration.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.state = RegistrationPending
	r.pending = nil
	r.current = nil
	r.registered = nil
	r.devices = make(map[string]*connectedDevice)
	r.mu.Unlock()
	r.owners.Clear()
}
