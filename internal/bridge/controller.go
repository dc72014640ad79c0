package bridge

import (
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/config"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/fusion"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/gatt"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/sensor"
)

// Snapshot is everything the host surfaces show about the bridge.
type Snapshot struct {
	Enabled      bool
	Running      bool
	DeviceName   string
	Serial       string
	Registration gatt.RegistrationState
	Devices      []string
	Machine      gatt.MachineStatus
	Source       string
	SourceStatus string
	Reading      fusion.Reading
	HasReading   bool
	LastError    error
}

// statusReporter is implemented by sources with a link state worth showing.
type statusReporter interface {
	Status() string
}

// NewControllerArgs groups the controller's collaborators.
type NewControllerArgs struct {
	Server *gatt.Server
	Loop   *fusion.Loop
	Store  *config.Store
	Source sensor.Source
	Logger *log.Logger
}

// Controller keeps the server in line with the persisted enabled flag and
// gathers snapshots for the console and dashboard.
type Controller struct {
	server *gatt.Server
	store  *config.Store
	source sensor.Source
	logger *log.Logger

	applyMu sync.Mutex

	mu         sync.Mutex
	lastErr    error
	reading    fusion.Reading
	hasReading bool

	unregister []func()
}

// NewController wires the enabled-flag observer. A store that is already
// enabled starts the server right away.
func NewController(args NewControllerArgs) *Controller {
	if args.Server == nil {
		panic("Controller: server cannot be nil")
	}
	if args.Loop == nil {
		panic("Controller: loop cannot be nil")
	}
	if args.Store == nil {
		panic("Controller: store cannot be nil")
	}
	if args.Source == nil {
		panic("Controller: source cannot be nil")
	}
	if args.Logger == nil {
		panic("Controller: logger cannot be nil")
	}

	c := &Controller{
		server: args.Server,
		store:  args.Store,
		source: args.Source,
		logger: args.Logger,
	}
	args.Loop.AddSink(fusion.SinkFunc(c.onReading))
	c.unregister = append(c.unregister,
		c.server.ListenToState(c.onServerState),
		c.store.Observe(c.apply),
	)
	return c
}

func (c *Controller) onReading(r fusion.Reading) {
	c.mu.Lock()
	c.reading = r
	c.hasReading = true
	c.mu.Unlock()
}

func (c *Controller) onServerState(st gatt.ServerState) {
	if st.Err == nil {
		return
	}
	c.mu.Lock()
	c.lastErr = st.Err
	c.mu.Unlock()
}

// apply starts or stops the server to match st.Enabled.
func (c *Controller) apply(st config.State) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	var err error
	switch {
	case st.Enabled && !c.server.Running():
		err = c.server.Start()
	case !st.Enabled && c.server.Running():
		c.server.Stop()
	}

	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	if err != nil {
		c.logger.Printf("Controller: start failed: %v", err)
	}
}

// Start enables the bridge and returns the start error, if any. Calling it
// again after a failed start retries.
func (c *Controller) Start() error {
	wasEnabled := c.store.State().Enabled
	if err := c.store.SetEnabled(true); err != nil {
		return err
	}
	if wasEnabled {
		c.apply(c.store.State())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) Stop() error {
	if err := c.store.SetEnabled(false); err != nil {
		return err
	}
	c.server.Stop()
	return nil
}

func (c *Controller) Toggle() error {
	if c.server.Running() {
		return c.Stop()
	}
	return c.Start()
}

// SetDeviceName persists the name. It is advertised from the next start.
func (c *Controller) SetDeviceName(name string) error {
	return c.store.SetDeviceName(name)
}

func (c *Controller) Snapshot() Snapshot {
	st := c.store.State()
	registry := c.server.Registry()
	snap := Snapshot{
		Enabled:      st.Enabled,
		Running:      c.server.Running(),
		DeviceName:   st.DeviceName,
		Serial:       st.Serial,
		Registration: registry.State(),
		Devices:      registry.ConnectedDevices(),
		Machine:      c.server.FTMS().ControlPoint().Status(),
		Source:       c.source.Name(),
	}
	if r, ok := c.source.(statusReporter); ok {
		snap.SourceStatus = r.Status()
	}

	c.mu.Lock()
	snap.Reading = c.reading
	snap.HasReading = c.hasReading
	snap.LastError = c.lastErr
	c.mu.Unlock()
	return snap
}

// Close detaches the observers and stops the server.
func (c *Controller) Close() {
	for _, unregister := range c.unregister {
		unregister()
	}
	c.server.Stop()
}

// IdentityFrom reads the advertised identity from the store on every call.
func IdentityFrom(store *config.Store) func() gatt.Identity {
	return func() gatt.Identity {
		st := store.State()
		return gatt.Identity{Enabled: st.Enabled, DeviceName: st.DeviceName, Serial: st.Serial}
	}
}
