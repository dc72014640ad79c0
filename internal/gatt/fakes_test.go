package gatt

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/sensor"
)

var errRadio = errors.New("radio failure")

type sentValue struct {
	device   string
	charUUID string
	value    []byte
}

// fakePeripheral confirms services synchronously unless deferConfirm is set,
// and records everything sent through it.
type fakePeripheral struct {
	mu           sync.Mutex
	handler      EventHandler
	deferConfirm bool
	failServices map[string]error
	added        []string
	advertising  *Advertisement
	advStops     int
	advErr       error
	advGate      chan struct{}
	advEntered   chan struct{}
	notifyErr    map[string]error
	notified     []sentValue
	indicated    []sentValue
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{
		failServices: make(map[string]error),
		notifyErr:    make(map[string]error),
	}
}

func (p *fakePeripheral) SetEventHandler(handler EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *fakePeripheral) AddService(def ServiceDefinition) error {
	p.mu.Lock()
	p.added = append(p.added, def.UUID)
	failure := p.failServices[def.UUID]
	deferred := p.deferConfirm
	handler := p.handler
	p.mu.Unlock()

	if !deferred && handler != nil {
		handler.OnServiceAdded(def.UUID, failure)
	}
	return nil
}

func (p *fakePeripheral) StartAdvertising(adv Advertisement) error {
	p.mu.Lock()
	gate, entered := p.advGate, p.advEntered
	p.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.advErr != nil {
		return p.advErr
	}
	p.advertising = &adv
	return nil
}

func (p *fakePeripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = nil
	p.advStops++
	return nil
}

func (p *fakePeripheral) Notify(device, charUUID string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notified = append(p.notified, sentValue{device, charUUID, append([]byte(nil), value...)})
	return p.notifyErr[device]
}

func (p *fakePeripheral) Indicate(device, charUUID string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.indicated = append(p.indicated, sentValue{device, charUUID, append([]byte(nil), value...)})
	return nil
}

func (p *fakePeripheral) addedServices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.added...)
}

func (p *fakePeripheral) notifications(device, charUUID string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, n := range p.notified {
		if n.device == device && n.charUUID == charUUID {
			out = append(out, n.value)
		}
	}
	return out
}

func (p *fakePeripheral) indications() []sentValue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentValue(nil), p.indicated...)
}

func (p *fakePeripheral) isAdvertising() (*Advertisement, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertising, p.advertising != nil
}

// fakeSource is a sensor.Source driven by the test through emit.
type fakeSource struct {
	mu      sync.Mutex
	emit    func(sensor.Sample)
	starts  int
	stops   int
	startFn func() error
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Start(_ context.Context, emit func(sensor.Sample)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.startFn != nil {
		if err := s.startFn(); err != nil {
			return err
		}
	}
	s.emit = emit
	return nil
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.emit = nil
}

func (s *fakeSource) counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

// stubService is a minimal Service for registry tests.
type stubService struct {
	*baseService
	chars        []string
	connected    []string
	disconnected []string
	mu           sync.Mutex
}

func newStubService(uuid string, primary bool, chars ...string) *stubService {
	return &stubService{
		baseService: newBaseService("stub", uuid, primary, discardLogger()),
		chars:       chars,
	}
}

func (s *stubService) Definition() ServiceDefinition {
	def := ServiceDefinition{UUID: s.uuid}
	for _, c := range s.chars {
		def.Characteristics = append(def.Characteristics,
			CharacteristicDefinition{UUID: c, Properties: PropertyRead | PropertyNotify, HasCCCD: true})
	}
	return def
}

func (s *stubService) OnCharacteristicRead(string, string) ([]byte, Status) {
	return []byte{0x2A}, StatusSuccess
}

func (s *stubService) OnDeviceConnected(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, device)
}

func (s *stubService) OnDeviceDisconnected(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, device)
}

func (s *stubService) disconnects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.disconnected...)
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

var cccdNotify = []byte{0x01, 0x00}
var cccdIndicate = []byte{0x02, 0x00}
var cccdOff = []byte{0x00, 0x00}
