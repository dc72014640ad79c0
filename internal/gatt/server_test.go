package gatt

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/codec"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/fusion"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/sensor"
)

type serverFixture struct {
	peripheral *fakePeripheral
	source     *fakeSource
	loop       *fusion.Loop
	server     *Server

	mu       sync.Mutex
	identity Identity
	states   []ServerState
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		peripheral: newFakePeripheral(),
		source:     &fakeSource{},
		identity:   Identity{Enabled: true, DeviceName: "Grupetto FTMS", Serial: "A1B2"},
	}
	cfg := fusion.DefaultLoopConfig()
	cfg.TickInterval = time.Hour
	f.loop = fusion.NewLoop(cfg, discardLogger())
	f.server = NewServer(NewServerArgs{
		Peripheral: f.peripheral,
		Loop:       f.loop,
		Source:     f.source,
		Identity: func() Identity {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.identity
		},
		DeviceInfo: DeviceInfo{Manufacturer: "Grupetto", Model: "Peloton FTMS Bridge"},
		Logger:     discardLogger(),
	})
	f.server.ListenToState(func(s ServerState) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.states = append(f.states, s)
	})
	t.Cleanup(f.server.Stop)
	return f
}

func (f *serverFixture) lastState() ServerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[len(f.states)-1]
}

func (f *serverFixture) connect(device string, chars ...string) {
	reg := f.server.Registry()
	reg.OnDeviceConnected(device)
	for _, c := range chars {
		reg.OnDescriptorWrite(device, c, codec.DescriptorUUIDCCCD, cccdNotify)
	}
}

func TestServer_StartRegistersAndAdvertises(t *testing.T) {
	f := newServerFixture(t)

	require.NoError(t, f.server.Start())

	assert.True(t, f.server.Running())
	assert.Equal(t, []string{
		codec.ServiceUUIDFTMS,
		codec.ServiceUUIDCyclingPower,
		codec.ServiceUUIDCyclingSpeedCadence,
		codec.ServiceUUIDDeviceInformation,
	}, f.peripheral.addedServices())

	adv, ok := f.peripheral.isAdvertising()
	require.True(t, ok)
	assert.Equal(t, "Grupetto FTMS", adv.LocalName)
	assert.Equal(t, []string{codec.ServiceUUIDFTMS}, adv.ServiceUUIDs)
	assert.Equal(t, uint16(0xFFFF), adv.ManufacturerID)
	assert.Equal(t, []byte("A1B2"), adv.ManufacturerData)

	starts, _ := f.source.counts()
	assert.Equal(t, 1, starts)
	assert.True(t, f.loop.Running())
	assert.True(t, f.lastState().Running)
}

func TestServer_StartErrors(t *testing.T) {
	f := newServerFixture(t)

	f.mu.Lock()
	f.identity.Enabled = false
	f.mu.Unlock()
	assert.ErrorIs(t, f.server.Start(), ErrDisabled)

	f.mu.Lock()
	f.identity.Enabled = true
	f.mu.Unlock()
	require.NoError(t, f.server.Start())
	assert.ErrorIs(t, f.server.Start(), ErrAlreadyRunning)
}

func TestServer_PrimaryRegistrationFailure(t *testing.T) {
	f := newServerFixture(t)
	f.peripheral.failServices[codec.ServiceUUIDFTMS] = errRadio

	err := f.server.Start()

	assert.ErrorIs(t, err, ErrPrimaryServiceFailed)
	assert.False(t, f.server.Running())
	assert.Equal(t, []string{codec.ServiceUUIDFTMS}, f.peripheral.addedServices())
	_, advertising := f.peripheral.isAdvertising()
	assert.False(t, advertising)
	assert.ErrorIs(t, f.lastState().Err, ErrPrimaryServiceFailed)
}

func TestServer_AsyncPrimaryFailure(t *testing.T) {
	f := newServerFixture(t)
	f.peripheral.deferConfirm = true

	require.NoError(t, f.server.Start())
	f.server.Registry().OnServiceAdded(codec.ServiceUUIDFTMS, errRadio)

	assert.False(t, f.server.Running())
	assert.Equal(t, []string{codec.ServiceUUIDFTMS}, f.peripheral.addedServices())
	assert.ErrorIs(t, f.lastState().Err, ErrPrimaryServiceFailed)
}

func TestServer_SecondaryFailureStillAdvertises(t *testing.T) {
	f := newServerFixture(t)
	f.peripheral.failServices[codec.ServiceUUIDCyclingSpeedCadence] = errRadio

	require.NoError(t, f.server.Start())

	assert.True(t, f.server.Running())
	assert.Len(t, f.server.Registry().Services(), 3)
	_, advertising := f.peripheral.isAdvertising()
	assert.True(t, advertising)
}

func TestServer_AdvertisingFailureStops(t *testing.T) {
	f := newServerFixture(t)
	f.peripheral.advErr = errRadio

	err := f.server.Start()

	assert.ErrorIs(t, err, errRadio)
	assert.False(t, f.server.Running())
	starts, _ := f.source.counts()
	assert.Zero(t, starts)
}

func TestServer_StartOrResumeIndicatesRequesterOnly(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.server.Start())
	f.connect("writer", codec.CharUUIDFTMSStatus, codec.CharUUIDTrainingStatus)
	f.connect("watcher", codec.CharUUIDFTMSStatus)

	status := f.server.Registry().OnCharacteristicWrite("writer", codec.CharUUIDFTMSControlPoint,
		[]byte{codec.FTMSOpCodeStartOrResume})

	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, MachineManualMode, f.server.FTMS().ControlPoint().Status().State)

	indications := f.peripheral.indications()
	require.Len(t, indications, 1)
	assert.Equal(t, "writer", indications[0].device)
	assert.Equal(t, codec.CharUUIDFTMSControlPoint, indications[0].charUUID)
	assert.Equal(t, []byte{0x80, 0x07, 0x01}, indications[0].value)

	assert.Equal(t, [][]byte{{0x04}}, f.peripheral.notifications("writer", codec.CharUUIDFTMSStatus))
	assert.Equal(t, [][]byte{{0x04}}, f.peripheral.notifications("watcher", codec.CharUUIDFTMSStatus))
	assert.Equal(t, [][]byte{{0x00, 0x0D}}, f.peripheral.notifications("writer", codec.CharUUIDTrainingStatus))

	value, st := f.server.Registry().OnCharacteristicRead("watcher", codec.CharUUIDTrainingStatus)
	assert.Equal(t, StatusSuccess, st)
	assert.Equal(t, []byte{0x00, 0x0D}, value)
}

func TestServer_UnsupportedOpCode(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.server.Start())
	f.connect("writer", codec.CharUUIDFTMSStatus)

	status := f.server.Registry().OnCharacteristicWrite("writer", codec.CharUUIDFTMSControlPoint, []byte{0xFF})

	assert.Equal(t, StatusSuccess, status)
	indications := f.peripheral.indications()
	require.Len(t, indications, 1)
	assert.Equal(t, []byte{0x80, 0xFF, 0x02}, indications[0].value)
	assert.Empty(t, f.peripheral.notifications("writer", codec.CharUUIDFTMSStatus))
	assert.Equal(t, MachineIdle, f.server.FTMS().ControlPoint().Status().State)
}

func TestServer_EmptyControlPointWrite(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.server.Start())
	f.connect("writer")

	status := f.server.Registry().OnCharacteristicWrite("writer", codec.CharUUIDFTMSControlPoint, nil)

	assert.Equal(t, StatusInvalidAttributeLength, status)
	assert.Empty(t, f.peripheral.indications())
	assert.Equal(t, MachineIdle, f.server.FTMS().ControlPoint().Status().State)
}

func TestServer_MachineStatusObserver(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.server.Start())
	f.connect("writer")

	var seen []MachineState
	unregister := f.server.FTMS().ListenToMachineStatus(func(s MachineStatus) { seen = append(seen, s.State) })
	defer unregister()

	f.server.Registry().OnCharacteristicWrite("writer", codec.CharUUIDFTMSControlPoint, []byte{codec.FTMSOpCodeStartOrResume})
	f.server.Registry().OnCharacteristicWrite("writer", codec.CharUUIDFTMSControlPoint, []byte{codec.FTMSOpCodeStopOrPause})

	// the replayed Idle state from Start, then the two transitions
	assert.Equal(t, []MachineState{MachineIdle, MachineManualMode, MachineIdle}, seen)
}

func TestServer_SensorTickReachesSubscribers(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.server.Start())
	f.connect("app", codec.CharUUIDIndoorBikeData, codec.CharUUIDCyclingPowerMeasurement, codec.CharUUIDCSCMeasurement)

	f.source.mu.Lock()
	emit := f.source.emit
	f.source.mu.Unlock()
	require.NotNil(t, emit)
	emit(sensor.NewSample(200, 90, 40, nil, time.Now()))

	_, ok := f.loop.Tick()
	require.True(t, ok)

	ibd := f.peripheral.notifications("app", codec.CharUUIDIndoorBikeData)
	require.Len(t, ibd, 1)
	decoded, err := codec.DecodeIndoorBikeData(ibd[0])
	require.NoError(t, err)
	assert.Equal(t, 200.0, decoded.InstantaneousPowerWatts)
	assert.Equal(t, 90.0, decoded.InstantaneousCadenceRpm)
	assert.Equal(t, 40.0, decoded.ResistanceLevel)

	cps := f.peripheral.notifications("app", codec.CharUUIDCyclingPowerMeasurement)
	require.Len(t, cps, 1)
	m, err := codec.DecodeCyclingPowerMeasurement(cps[0])
	require.NoError(t, err)
	assert.Equal(t, 200.0, m.PowerWatts)

	assert.Len(t, f.peripheral.notifications("app", codec.CharUUIDCSCMeasurement), 1)
}

func TestServer_EvictsDeadSubscriber(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.server.Start())
	f.connect("dead", codec.CharUUIDIndoorBikeData)
	f.peripheral.mu.Lock()
	f.peripheral.notifyErr["dead"] = errRadio
	f.peripheral.mu.Unlock()

	for i := 0; i < DefaultMaxNotifyFailures+3; i++ {
		f.loop.Ingest(sensor.NewSample(150, 80, 30, nil, time.Now()))
		f.loop.Tick()
	}

	assert.Len(t, f.peripheral.notifications("dead", codec.CharUUIDIndoorBikeData), DefaultMaxNotifyFailures)
	assert.NotContains(t, f.server.Registry().ConnectedDevices(), "dead")
}

func TestServer_StopIsIdempotent(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.server.Start())
	f.connect("app", codec.CharUUIDIndoorBikeData)

	f.server.Stop()
	f.server.Stop()

	assert.False(t, f.server.Running())
	assert.False(t, f.loop.Running())
	assert.Empty(t, f.server.Registry().ConnectedDevices())
	_, stops := f.source.counts()
	assert.Equal(t, 1, stops)
	f.peripheral.mu.Lock()
	assert.Equal(t, 1, f.peripheral.advStops)
	f.peripheral.mu.Unlock()
	assert.NoError(t, f.lastState().Err)
	assert.False(t, f.lastState().Running)
}

func TestServer_StopWhileAdvertisingStarts(t *testing.T) {
	f := newServerFixture(t)
	f.peripheral.deferConfirm = true
	f.peripheral.advGate = make(chan struct{})
	f.peripheral.advEntered = make(chan struct{}, 1)

	require.NoError(t, f.server.Start())
	go func() {
		for _, uuid := range []string{
			codec.ServiceUUIDFTMS,
			codec.ServiceUUIDCyclingPower,
			codec.ServiceUUIDCyclingSpeedCadence,
			codec.ServiceUUIDDeviceInformation,
		} {
			f.server.Registry().OnServiceAdded(uuid, nil)
		}
	}()
	select {
	case <-f.peripheral.advEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("advertising never started")
	}

	stopped := make(chan struct{})
	go func() {
		f.server.Stop()
		close(stopped)
	}()
	close(f.peripheral.advGate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.False(t, f.server.Running())
	assert.False(t, f.loop.Running())
	_, advertising := f.peripheral.isAdvertising()
	assert.False(t, advertising)
	starts, stops := f.source.counts()
	assert.Equal(t, starts, stops)

	// the next session gets a working loop
	f.peripheral.mu.Lock()
	f.peripheral.deferConfirm = false
	f.peripheral.advGate = nil
	f.peripheral.mu.Unlock()
	require.NoError(t, f.server.Start())
	assert.True(t, f.loop.Running())
	_, advertising = f.peripheral.isAdvertising()
	assert.True(t, advertising)
}

func TestServer_Toggle(t *testing.T) {
	f := newServerFixture(t)

	require.NoError(t, f.server.Toggle())
	assert.True(t, f.server.Running())
	require.NoError(t, f.server.Toggle())
	assert.False(t, f.server.Running())

	// a second session registers the services again
	require.NoError(t, f.server.Toggle())
	assert.Len(t, f.peripheral.addedServices(), 8)
}

func TestDeviceInformationReads(t *testing.T) {
	svc := NewDeviceInformationService(DeviceInfo{Manufacturer: "Grupetto", Serial: "00FF"}, discardLogger())

	value, status := svc.OnCharacteristicRead("dev", codec.CharUUIDSerialNumber)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, []byte("00FF"), value)

	_, status = svc.OnCharacteristicRead("dev", codec.CharUUIDModelNumber)
	assert.Equal(t, StatusReadNotPermitted, status)
	assert.Len(t, svc.Definition().Characteristics, 2)

	assert.Equal(t, StatusWriteNotPermitted, svc.OnCharacteristicWrite("dev", codec.CharUUIDSerialNumber, []byte("x")))
}

func TestFTMSStaticReads(t *testing.T) {
	svc := NewFTMSService(discardLogger())

	value, status := svc.OnCharacteristicRead("dev", codec.CharUUIDSupportedPowerRange)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, []byte{0x00, 0x00, 0xD0, 0x07, 0x01, 0x00}, value)

	value, status = svc.OnCharacteristicRead("dev", codec.CharUUIDSupportedResistanceRange)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, []byte{0x00, 0x00, 0x64, 0x00, 0x01, 0x00}, value)

	value, status = svc.OnCharacteristicRead("dev", codec.CharUUIDFTMSFeature)
	assert.Equal(t, StatusSuccess, status)
	assert.Len(t, value, 8)

	_, status = svc.OnCharacteristicRead("dev", codec.CharUUIDIndoorBikeData)
	assert.Equal(t, StatusReadNotPermitted, status)

	value, _ = svc.OnCharacteristicRead("dev", codec.CharUUIDTrainingStatus)
	assert.Equal(t, []byte{0x00, 0x01}, value)
}

func TestCyclingPowerSensorLocation(t *testing.T) {
	svc := NewCyclingPowerService(discardLogger())

	value, status := svc.OnCharacteristicRead("dev", codec.CharUUIDSensorLocation)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, []byte{0x05}, value)
}
