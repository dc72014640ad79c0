package gatt

import (
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/fusion"
)

// baseService carries what every service shares: identity, logger and the
// notifier handed over once the service is registered.
type baseService struct {
	uuid    string
	primary bool
	name    string
	logger  *log.Logger

	notifierMu sync.RWMutex
	notifier   Notifier
}

func newBaseService(name, uuid string, primary bool, logger *log.Logger) *baseService {
	if logger == nil {
		panic(name + ": logger cannot be nil")
	}
	return &baseService{uuid: NormalizeUUID(uuid), primary: primary, name: name, logger: logger}
}

func (b *baseService) UUID() string  { return b.uuid }
func (b *baseService) Primary() bool { return b.primary }

func (b *baseService) Bind(notifier Notifier) {
	b.notifierMu.Lock()
	defer b.notifierMu.Unlock()
	b.notifier = notifier
}

// notify broadcasts to subscribers once the service is bound; before that it is a no-op.
func (b *baseService) notify(charUUID string, value []byte) {
	b.notifierMu.RLock()
	n := b.notifier
	b.notifierMu.RUnlock()
	if n != nil {
		n.NotifySubscribers(charUUID, value)
	}
}

func (b *baseService) indicate(device, charUUID string, value []byte) error {
	b.notifierMu.RLock()
	n := b.notifier
	b.notifierMu.RUnlock()
	if n == nil {
		return ErrUnknownDevice
	}
	return n.Indicate(device, charUUID, value)
}

func (b *baseService) OnDeviceConnected(string)    {}
func (b *baseService) OnDeviceDisconnected(string) {}

func (b *baseService) OnCharacteristicWrite(device, charUUID string, _ []byte) Status {
	b.logger.Printf("%s: write to read-only characteristic %s from %s", b.name, charUUID, device)
	return StatusWriteNotPermitted
}

func (b *baseService) OnSensorTick(fusion.Reading) {}

// staticReads answers reads from a fixed table.
func staticReads(values map[string][]byte, charUUID string) ([]byte, Status) {
	v, ok := values[charUUID]
	if !ok {
		return nil, StatusReadNotPermitted
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, StatusSuccess
}
