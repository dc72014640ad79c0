package bridge

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/config"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/fusion"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/gatt"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/sensor"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakePeripheral struct {
	mu          sync.Mutex
	handler     gatt.EventHandler
	advertising *gatt.Advertisement
	advErr      error
}

func (p *fakePeripheral) SetEventHandler(handler gatt.EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *fakePeripheral) AddService(def gatt.ServiceDefinition) error {
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	handler.OnServiceAdded(def.UUID, nil)
	return nil
}

func (p *fakePeripheral) StartAdvertising(adv gatt.Advertisement) error {
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
	return nil
}

func (p *fakePeripheral) Notify(string, string, []byte) error   { return nil }
func (p *fakePeripheral) Indicate(string, string, []byte) error { return nil }

func (p *fakePeripheral) setAdvErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advErr = err
}

func (p *fakePeripheral) advertisedName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.advertising == nil {
		return ""
	}
	return p.advertising.LocalName
}

type fakeSource struct {
	mu   sync.Mutex
	emit func(sensor.Sample)
}

func (s *fakeSource) Name() string   { return "fake" }
func (s *fakeSource) Status() string { return "Connected" }

func (s *fakeSource) Start(_ context.Context, emit func(sensor.Sample)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit = emit
	return nil
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit = nil
}

func (s *fakeSource) send(sample sensor.Sample) {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit != nil {
		emit(sample)
	}
}

type fixture struct {
	peripheral *fakePeripheral
	source     *fakeSource
	loop       *fusion.Loop
	store      *config.Store
	server     *gatt.Server
	controller *Controller
}

func newFixture(t *testing.T, enabled bool) *fixture {
	t.Helper()
	store, err := config.OpenStore(filepath.Join(t.TempDir(), "state.yaml"),
		config.State{Enabled: enabled, DeviceName: "Test Bike"}, discardLogger())
	require.NoError(t, err)

	f := &fixture{
		peripheral: &fakePeripheral{},
		source:     &fakeSource{},
		store:      store,
	}
	cfg := fusion.DefaultLoopConfig()
	cfg.TickInterval = time.Hour
	f.loop = fusion.NewLoop(cfg, discardLogger())
	f.server = gatt.NewServer(gatt.NewServerArgs{
		Peripheral: f.peripheral,
		Loop:       f.loop,
		Source:     f.source,
		Identity:   IdentityFrom(store),
		Logger:     discardLogger(),
	})
	f.controller = NewController(NewControllerArgs{
		Server: f.server,
		Loop:   f.loop,
		Store:  store,
		Source: f.source,
		Logger: discardLogger(),
	})
	t.Cleanup(f.controller.Close)
	return f
}

func TestController_EnabledStoreStartsAtBoot(t *testing.T) {
	f := newFixture(t, true)

	assert.True(t, f.server.Running())
	assert.Equal(t, "Test Bike", f.peripheral.advertisedName())
}

func TestController_StartStopFollowStore(t *testing.T) {
	f := newFixture(t, false)
	assert.False(t, f.server.Running())

	require.NoError(t, f.controller.Start())
	assert.True(t, f.server.Running())
	assert.True(t, f.store.State().Enabled)

	require.NoError(t, f.controller.Stop())
	assert.False(t, f.server.Running())
	assert.False(t, f.store.State().Enabled)

	require.NoError(t, f.controller.Toggle())
	assert.True(t, f.server.Running())
	require.NoError(t, f.controller.Toggle())
	assert.False(t, f.server.Running())
}

func TestController_StoreChangeStopsServer(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.store.SetEnabled(false))
	assert.False(t, f.server.Running())
}

func TestController_FailedStartIsReportedAndRetried(t *testing.T) {
	f := newFixture(t, false)
	f.peripheral.setAdvErr(errors.New("radio off"))

	err := f.controller.Start()
	require.Error(t, err)
	assert.False(t, f.server.Running())
	assert.True(t, f.store.State().Enabled, "the flag stays set so a retry needs no toggle")
	assert.Error(t, f.controller.Snapshot().LastError)

	f.peripheral.setAdvErr(nil)
	require.NoError(t, f.controller.Start())
	assert.True(t, f.server.Running())
	assert.NoError(t, f.controller.Snapshot().LastError)
}

func TestController_Snapshot(t *testing.T) {
	f := newFixture(t, true)

	f.source.send(sensor.NewSample(150, 85, 40, nil, time.Now()))
	_, ok := f.loop.Tick()
	require.True(t, ok)

	snap := f.controller.Snapshot()
	assert.True(t, snap.Enabled)
	assert.True(t, snap.Running)
	assert.Equal(t, "Test Bike", snap.DeviceName)
	assert.Len(t, snap.Serial, 4)
	assert.Equal(t, gatt.RegistrationAllRegistered, snap.Registration)
	assert.Empty(t, snap.Devices)
	assert.Equal(t, gatt.MachineIdle, snap.Machine.State)
	assert.Equal(t, "fake", snap.Source)
	assert.Equal(t, "Connected", snap.SourceStatus)
	require.True(t, snap.HasReading)
	assert.InDelta(t, 150, snap.Reading.Power, 0.01)
}

func TestController_SetDeviceName(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.controller.SetDeviceName("Garage"))
	require.NoError(t, f.controller.Start())
	assert.Equal(t, "Garage", f.peripheral.advertisedName())
	assert.ErrorIs(t, f.controller.SetDeviceName(""), config.ErrEmptyDeviceName)
}
