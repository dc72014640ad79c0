package gatt

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/codec"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/events"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/fusion"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/sensor"
)

// AdvertisingCompanyID is the Bluetooth SIG "no company" identifier used for
// the serial number in the manufacturer data block.
const AdvertisingCompanyID = 0xFFFF

// Identity is what the server advertises. It is read on every Start so name
// changes take effect on the next session.
type Identity struct {
	Enabled    bool
	DeviceName string
	Serial     string
}

// ServerState is published to observers on every lifecycle change.
type ServerState struct {
	Running bool
	// Err is the reason the last session ended, nil after a clean stop.
	Err error
}

// NewServerArgs groups the server's collaborators.
type NewServerArgs struct {
	Peripheral        Peripheral
	Loop              *fusion.Loop
	Source            sensor.Source
	Identity          func() Identity
	DeviceInfo        DeviceInfo
	MaxNotifyFailures int
	Logger            *log.Logger
}

// Server owns one bridge session: service registration, advertising, the
// sensor source and the fusion loop feeding the services.
type Server struct {
	peripheral Peripheral
	loop       *fusion.Loop
	source     sensor.Source
	identity   func() Identity
	deviceInfo DeviceInfo
	logger     *log.Logger

	registry *Registry
	ftms     *FTMSService

	stateEvent *events.CallbackEvent[ServerState]

	// sessionMu serializes bringing a session up with tearing it down, so a
	// Stop that lands while advertising is being set up undoes all of it.
	sessionMu sync.Mutex

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewServer(args NewServerArgs) *Server {
	if args.Peripheral == nil {
		panic("Server: peripheral cannot be nil")
	}
	if args.Loop == nil {
		panic("Server: loop cannot be nil")
	}
	if args.Source == nil {
		panic("Server: source cannot be nil")
	}
	if args.Identity == nil {
		panic("Server: identity cannot be nil")
	}
	if args.Logger == nil {
		panic("Server: logger cannot be nil")
	}

	s := &Server{
		peripheral: args.Peripheral,
		loop:       args.Loop,
		source:     args.Source,
		identity:   args.Identity,
		deviceInfo: args.DeviceInfo,
		logger:     args.Logger,
		registry:   NewRegistry(args.Peripheral, args.MaxNotifyFailures, args.Logger),
		ftms:       NewFTMSService(args.Logger),
		stateEvent: events.NewCallbackEvent[ServerState](true),
	}
	s.peripheral.SetEventHandler(s.registry)
	s.registry.OnAllRegistered(s.onAllRegistered)
	s.registry.OnRegistrationFailed(s.onRegistrationFailed)
	s.loop.AddSink(s)
	return s
}

// Start registers the services; advertising and sensor updates begin once the
// platform has confirmed all of them. Errors the platform reports
// synchronously are returned; later failures reach ListenToState.
func (s *Server) Start() error {
	id := s.identity()
	if !id.Enabled {
		return ErrDisabled
	}

	s.sessionMu.Lock()
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.sessionMu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	s.cancel = cancel
	s.mu.Unlock()
	s.sessionMu.Unlock()

	s.logger.Printf("Server: starting as %q (serial %s)", id.DeviceName, id.Serial)

	info := s.deviceInfo
	info.Serial = id.Serial
	s.registry.Reset()
	s.ftms.ResetMachine()
	err := s.registry.Register(
		s.ftms,
		NewCyclingPowerService(s.logger),
		NewCyclingSpeedCadenceService(s.logger),
		NewDeviceInformationService(info, s.logger),
	)
	if err != nil {
		s.endSession(ctx, err)
		return err
	}

	s.mu.Lock()
	stillRunning := s.running && ctx.Err() == nil
	s.mu.Unlock()
	if !stillRunning {
		if st, ok := s.stateEvent.Last(); ok && st.Err != nil {
			return st.Err
		}
		return fmt.Errorf("server stopped during registration")
	}
	s.stateEvent.Notify(ServerState{Running: true})
	return nil
}

func (s *Server) onAllRegistered() {
	s.sessionMu.Lock()
	ctx, err := s.startSession()
	s.sessionMu.Unlock()
	if err != nil {
		s.endSession(ctx, err)
	}
}

// startSession advertises and starts the sensor pipeline for the current
// session. The caller holds sessionMu.
func (s *Server) startSession() (context.Context, error) {
	ctx, ok := s.currentSession()
	if !ok {
		return nil, nil
	}

	id := s.identity()
	adv := Advertisement{
		LocalName:        id.DeviceName,
		ServiceUUIDs:     []string{codec.ServiceUUIDFTMS},
		ManufacturerID:   AdvertisingCompanyID,
		ManufacturerData: []byte(id.Serial),
	}
	if err := s.peripheral.StartAdvertising(adv); err != nil {
		return ctx, fmt.Errorf("start advertising: %w", err)
	}
	s.logger.Printf("Server: advertising as %q", id.DeviceName)

	s.loop.Start(ctx)
	if err := s.source.Start(ctx, s.loop.Ingest); err != nil {
		return ctx, fmt.Errorf("start sensor source %s: %w", s.source.Name(), err)
	}
	s.logger.Printf("Server: reading samples from %s", s.source.Name())
	return ctx, nil
}

func (s *Server) currentSession() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.ctx == nil || s.ctx.Err() != nil {
		return nil, false
	}
	return s.ctx, true
}

func (s *Server) onRegistrationFailed(err error) {
	s.stopWithError(err)
}

// Stop ends the session and clears connection state. Stopping a stopped
// server does nothing.
func (s *Server) Stop() {
	s.stopWithError(nil)
}

func (s *Server) stopWithError(cause error) {
	s.endSession(nil, cause)
}

// endSession tears down the session owning ctx, or whichever session is
// running when ctx is nil.
func (s *Server) endSession(ctx context.Context, cause error) {
	s.sessionMu.Lock()
	s.mu.Lock()
	if !s.running || (ctx != nil && s.ctx != ctx) {
		s.mu.Unlock()
		s.sessionMu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.ctx = nil
	s.mu.Unlock()

	cancel()
	s.source.Stop()
	s.loop.Stop()
	if err := s.peripheral.StopAdvertising(); err != nil {
		s.logger.Printf("Server: stop advertising: %v", err)
	}
	s.registry.Reset()
	s.ftms.ResetMachine()
	s.sessionMu.Unlock()

	if cause != nil {
		s.logger.Printf("Server: stopped: %v", cause)
	} else {
		s.logger.Println("Server: stopped")
	}
	s.stateEvent.Notify(ServerState{Running: false, Err: cause})
}

// Toggle stops a running server or starts a stopped one.
func (s *Server) Toggle() error {
	if s.Running() {
		s.Stop()
		return nil
	}
	return s.Start()
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// OnSensorTick forwards a fused reading to every registered service.
func (s *Server) OnSensorTick(reading fusion.Reading) {
	if s.registry.State() != RegistrationAllRegistered {
		return
	}
	for _, svc := range s.registry.Services() {
		svc.OnSensorTick(reading)
	}
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) FTMS() *FTMSService {
	return s.ftms
}

// ListenToState registers fn for lifecycle changes. Returns an unregister function.
func (s *Server) ListenToState(fn func(ServerState)) func() {
	return s.stateEvent.Listen(fn)
}
