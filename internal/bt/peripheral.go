package bt

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/codec"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/gatt"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/go_func_utils"

	"tinygo.org/x/bluetooth"
)

var ErrUnknownCharacteristic = errors.New("characteristic not registered")

// Verify Peripheral implements gatt.Peripheral
var _ gatt.Peripheral = (*Peripheral)(nil)

// Peripheral hosts the bridge's GATT services on a tinygo bluetooth adapter.
//
// The stack keeps CCCD state itself and a characteristic Write reaches every
// subscribed central, so a connecting device is reported as subscribed to
// every notifying characteristic, and Notify calls for the same value within
// one fan-out round are folded into a single radio write.
type Peripheral struct {
	adapter *bluetooth.Adapter
	logger  *log.Logger

	mu        sync.Mutex
	handler   gatt.EventHandler
	handles   map[string]*bluetooth.Characteristic
	services  map[string]bool
	cccdChars []string
	connected []string
	batches   map[string]*broadcastBatch
	adv       *bluetooth.Advertisement
}

func NewPeripheral(adapter *bluetooth.Adapter, logger *log.Logger) *Peripheral {
	if adapter == nil {
		panic("Peripheral: adapter cannot be nil")
	}
	if logger == nil {
		panic("Peripheral: logger cannot be nil")
	}
	return &Peripheral{
		adapter:  adapter,
		logger:   logger,
		handles:  make(map[string]*bluetooth.Characteristic),
		services: make(map[string]bool),
		batches:  make(map[string]*broadcastBatch),
	}
}

// Enable powers the adapter and starts tracking central connections.
func (p *Peripheral) Enable() error {
	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		address := device.Address.String()
		if connected {
			p.onConnected(address)
		} else {
			p.onDisconnected(address)
		}
	})
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	return nil
}

func (p *Peripheral) SetEventHandler(handler gatt.EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *Peripheral) eventHandler() gatt.EventHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// AddService registers def with the stack. Confirmation is delivered to the
// event handler from another goroutine, the way a platform callback arrives.
// The stack cannot remove services, so a service added by an earlier session
// is confirmed without being added again.
func (p *Peripheral) AddService(def gatt.ServiceDefinition) error {
	key := gatt.NormalizeUUID(def.UUID)
	p.mu.Lock()
	known := p.services[key]
	p.mu.Unlock()

	if !known {
		service, handles, err := p.buildService(def)
		if err != nil {
			return err
		}
		if err := p.adapter.AddService(service); err != nil {
			return fmt.Errorf("add service %s: %w", def.UUID, err)
		}

		p.mu.Lock()
		p.services[key] = true
		for uuid, h := range handles {
			p.handles[uuid] = h
		}
		for _, c := range def.Characteristics {
			if c.HasCCCD {
				p.cccdChars = append(p.cccdChars, gatt.NormalizeUUID(c.UUID))
			}
		}
		p.mu.Unlock()
		p.logger.Printf("Peripheral: service %s added with %d characteristics", def.UUID, len(def.Characteristics))
	}

	if handler := p.eventHandler(); handler != nil {
		go_func_utils.SafeGo(p.logger, func() {
			handler.OnServiceAdded(def.UUID, nil)
		})
	}
	return nil
}

func (p *Peripheral) buildService(def gatt.ServiceDefinition) (*bluetooth.Service, map[string]*bluetooth.Characteristic, error) {
	serviceUUID, err := bluetooth.ParseUUID(def.UUID)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid service UUID %q: %w", def.UUID, err)
	}

	service := &bluetooth.Service{UUID: serviceUUID}
	handles := make(map[string]*bluetooth.Characteristic, len(def.Characteristics))
	for _, c := range def.Characteristics {
		charUUID, err := bluetooth.ParseUUID(c.UUID)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid characteristic UUID %q: %w", c.UUID, err)
		}
		key := gatt.NormalizeUUID(c.UUID)
		handle := &bluetooth.Characteristic{}
		handles[key] = handle

		config := bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   charUUID,
			Value:  slices.Clone(c.Value),
			Flags:  permissionsFor(c.Properties),
		}
		if c.Properties.Has(gatt.PropertyWrite) {
			config.WriteEvent = func(client bluetooth.Connection, _ int, value []byte) {
				p.onWrite(client, key, value)
			}
		}
		service.Characteristics = append(service.Characteristics, config)
	}
	return service, handles, nil
}

func permissionsFor(props gatt.Property) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if props.Has(gatt.PropertyRead) {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if props.Has(gatt.PropertyWrite) {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if props.Has(gatt.PropertyNotify) {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	if props.Has(gatt.PropertyIndicate) {
		flags |= bluetooth.CharacteristicIndicatePermission
	}
	return flags
}

func (p *Peripheral) onWrite(client bluetooth.Connection, charUUID string, value []byte) {
	handler := p.eventHandler()
	if handler == nil {
		return
	}
	device := p.writerAddress()
	if device == "" {
		device = fmt.Sprintf("conn-%v", client)
	}
	status := handler.OnCharacteristicWrite(device, charUUID, slices.Clone(value))
	if status != gatt.StatusSuccess {
		p.logger.Printf("Peripheral: write to %s from %s rejected: %s", charUUID, device, status)
	}
}

// writerAddress picks the most recently connected central. Write events carry
// only a connection handle, which the stack does not map back to an address.
func (p *Peripheral) writerAddress() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.connected) == 0 {
		return ""
	}
	return p.connected[len(p.connected)-1]
}

func (p *Peripheral) onConnected(address string) {
	p.mu.Lock()
	if !slices.Contains(p.connected, address) {
		p.connected = append(p.connected, address)
	}
	handler := p.handler
	chars := slices.Clone(p.cccdChars)
	p.mu.Unlock()

	p.logger.Printf("Peripheral: central connected: %s", address)
	if handler == nil {
		return
	}
	handler.OnDeviceConnected(address)
	for _, c := range chars {
		handler.OnDescriptorWrite(address, c, codec.DescriptorUUIDCCCD, []byte{0x01, 0x00})
	}
}

func (p *Peripheral) onDisconnected(address string) {
	p.mu.Lock()
	p.connected = slices.DeleteFunc(p.connected, func(a string) bool { return a == address })
	handler := p.handler
	p.mu.Unlock()

	p.logger.Printf("Peripheral: central disconnected: %s", address)
	if handler != nil {
		handler.OnDeviceDisconnected(address)
	}
}

func (p *Peripheral) StartAdvertising(adv gatt.Advertisement) error {
	options := bluetooth.AdvertisementOptions{LocalName: adv.LocalName}
	for _, s := range adv.ServiceUUIDs {
		uuid, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("invalid advertised service UUID %q: %w", s, err)
		}
		options.ServiceUUIDs = append(options.ServiceUUIDs, uuid)
	}
	if len(adv.ManufacturerData) > 0 {
		options.ManufacturerData = []bluetooth.ManufacturerDataElement{
			{CompanyID: adv.ManufacturerID, Data: slices.Clone(adv.ManufacturerData)},
		}
	}

	advertisement := p.adapter.DefaultAdvertisement()
	if err := advertisement.Configure(options); err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := advertisement.Start(); err != nil {
		return fmt.Errorf("start advertisement: %w", err)
	}

	p.mu.Lock()
	p.adv = advertisement
	p.mu.Unlock()
	p.logger.Printf("Peripheral: advertising %q", adv.LocalName)
	return nil
}

func (p *Peripheral) StopAdvertising() error {
	p.mu.Lock()
	advertisement := p.adv
	p.adv = nil
	p.connected = nil
	p.batches = make(map[string]*broadcastBatch)
	p.mu.Unlock()

	if advertisement == nil {
		return nil
	}
	if err := advertisement.Stop(); err != nil {
		return fmt.Errorf("stop advertisement: %w", err)
	}
	return nil
}

func (p *Peripheral) Notify(device, charUUID string, value []byte) error {
	key := gatt.NormalizeUUID(charUUID)

	p.mu.Lock()
	batch, ok := p.batches[key]
	if !ok {
		batch = &broadcastBatch{}
		p.batches[key] = batch
	}
	send, folded := batch.add(device, value)
	p.mu.Unlock()

	if !send {
		return folded
	}
	err := p.write(key, value)
	p.mu.Lock()
	batch.err = err
	p.mu.Unlock()
	return err
}

// Indicate always writes: the stack waits for the confirmation per central.
func (p *Peripheral) Indicate(_ string, charUUID string, value []byte) error {
	return p.write(gatt.NormalizeUUID(charUUID), value)
}

func (p *Peripheral) write(charUUID string, value []byte) error {
	p.mu.Lock()
	handle, ok := p.handles[charUUID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCharacteristic, charUUID)
	}
	if _, err := handle.Write(value); err != nil {
		return fmt.Errorf("write %s: %w", charUUID, err)
	}
	return nil
}

// ConnectedAddresses returns the centrals the adapter reported as connected.
func (p *Peripheral) ConnectedAddresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := slices.Clone(p.connected)
	slices.Sort(out)
	return out
}

// broadcastBatch folds per-device notifications of one value into a single
// write. A repeated device or a new value starts the next round. Devices
// folded into a round get the result of its write.
type broadcastBatch struct {
	value []byte
	sent  map[string]bool
	err   error
}

func (b *broadcastBatch) add(device string, value []byte) (send bool, folded error) {
	if b.sent != nil && bytes.Equal(b.value, value) && !b.sent[device] {
		b.sent[device] = true
		return false, b.err
	}
	b.value = slices.Clone(value)
	b.sent = map[string]bool{device: true}
	b.err = nil
	return true, nil
}
