package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/codec"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/sensor"

	"tinygo.org/x/bluetooth"
)

var (
	ErrScanTimeout        = errors.New("no power meter found")
	ErrSourceRunning      = errors.New("power meter source already running")
	ErrMissingMeasurement = errors.New("power meter has no cycling power measurement")
	ErrLinkLost           = errors.New("power meter stopped sending measurements")
)

type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkScanning
	LinkConnecting
	LinkConnected
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "Disconnected"
	case LinkScanning:
		return "Scanning"
	case LinkConnecting:
		return "Connecting"
	case LinkConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

const (
	DefaultScanTimeout = 10 * time.Second
	// DefaultLinkTimeout is how long a subscribed meter may stay silent before
	// the link counts as lost. Meters notify about once a second while awake.
	DefaultLinkTimeout = 15 * time.Second
	retryDelay         = 5 * time.Second
)

// Verify PowerMeterSource implements sensor.Source
var _ sensor.Source = (*PowerMeterSource)(nil)

// PowerMeterSource reads an upstream BLE Cycling Power sensor. Power comes
// straight from the measurement; cadence is derived from the crank counters.
// The meter has no resistance or speed, so those are left for fusion to fill in.
type PowerMeterSource struct {
	adapter     *bluetooth.Adapter
	address     string
	scanTimeout time.Duration
	logger      *log.Logger
	now         func() time.Time

	linkTimeout   time.Duration
	watchInterval time.Duration

	mu              sync.Mutex
	state           LinkState
	device          *bluetooth.Device
	cancel          context.CancelFunc
	cadence         crankCadence
	lastMeasurement time.Time
	wg              sync.WaitGroup
}

// NewPowerMeterSource creates a source that connects to address, or to the
// first advertiser of the Cycling Power Service when address is empty.
func NewPowerMeterSource(adapter *bluetooth.Adapter, address string, scanTimeout time.Duration, logger *log.Logger) *PowerMeterSource {
	if adapter == nil {
		panic("PowerMeterSource: adapter cannot be nil")
	}
	if logger == nil {
		panic("PowerMeterSource: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}
	return &PowerMeterSource{
		adapter:       adapter,
		address:       strings.TrimSpace(address),
		scanTimeout:   scanTimeout,
		logger:        logger,
		now:           time.Now,
		linkTimeout:   DefaultLinkTimeout,
		watchInterval: time.Second,
	}
}

func (p *PowerMeterSource) Name() string {
	if p.address == "" {
		return "ble-power-meter"
	}
	return "ble-power-meter " + p.address
}

// Status describes the upstream link for status displays.
func (p *PowerMeterSource) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.String()
}

func (p *PowerMeterSource) setState(state LinkState) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	p.logger.Printf("PowerMeterSource: %s", state)
}

func (p *PowerMeterSource) Start(ctx context.Context, emit func(sensor.Sample)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrSourceRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.cadence = crankCadence{}

	p.wg.Add(1)
	go_func_utils.SafeGo(p.logger, func() {
		defer p.wg.Done()
		p.run(runCtx, emit)
	})
	return nil
}

// run keeps the meter subscribed until ctx ends, reconnecting whenever the
// link fails or goes silent.
func (p *PowerMeterSource) run(ctx context.Context, emit func(sensor.Sample)) {
	for {
		err := p.connect(ctx, emit)
		if err == nil {
			err = p.watch(ctx)
			p.disconnect()
		}
		if ctx.Err() != nil {
			return
		}
		p.logger.Printf("PowerMeterSource: %v; retrying in %v", err, retryDelay)
		p.setState(LinkDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

func (p *PowerMeterSource) connect(ctx context.Context, emit func(sensor.Sample)) error {
	p.setState(LinkScanning)
	address, err := p.scan(ctx)
	if err != nil {
		return err
	}

	p.setState(LinkConnecting)
	device, err := p.adapter.Connect(address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect %s: %w", address.String(), err)
	}
	p.mu.Lock()
	p.device = &device
	p.cadence = crankCadence{}
	p.mu.Unlock()

	characteristic, err := p.discoverMeasurement(&device)
	if err != nil {
		p.disconnect()
		return err
	}

	err = characteristic.EnableNotifications(func(buf []byte) {
		if ctx.Err() != nil {
			return
		}
		if sample, ok := p.onMeasurement(buf); ok {
			emit(sample)
		}
	})
	if err != nil {
		p.disconnect()
		return fmt.Errorf("enable power notifications: %w", err)
	}

	p.mu.Lock()
	p.lastMeasurement = p.now()
	p.mu.Unlock()
	p.setState(LinkConnected)
	p.logger.Printf("PowerMeterSource: subscribed to %s", address.String())
	return nil
}

// watch returns ErrLinkLost once no measurement arrived for linkTimeout, or
// the context error when ctx ends.
func (p *PowerMeterSource) watch(ctx context.Context) error {
	ticker := time.NewTicker(p.watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.mu.Lock()
			silent := p.now().Sub(p.lastMeasurement)
			p.mu.Unlock()
			if silent > p.linkTimeout {
				return fmt.Errorf("%w for %v", ErrLinkLost, silent.Round(time.Second))
			}
		}
	}
}

func (p *PowerMeterSource) scan(ctx context.Context) (bluetooth.Address, error) {
	found := make(chan bluetooth.Address, 1)
	scanErr := make(chan error, 1)

	go_func_utils.SafeGo(p.logger, func() {
		err := p.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !p.matches(result) {
				return
			}
			select {
			case found <- result.Address:
				p.logger.Printf("PowerMeterSource: found %q (%s) [RSSI: %d]",
					result.LocalName(), result.Address.String(), result.RSSI)
			default:
			}
			if err := adapter.StopScan(); err != nil {
				p.logger.Printf("PowerMeterSource: stop scan: %v", err)
			}
		})
		if err != nil {
			scanErr <- err
		}
	})

	timer := time.NewTimer(p.scanTimeout)
	defer timer.Stop()

	var none bluetooth.Address
	select {
	case address := <-found:
		return address, nil
	case err := <-scanErr:
		return none, fmt.Errorf("scan: %w", err)
	case <-timer.C:
		p.stopScan()
		return none, fmt.Errorf("%w within %v", ErrScanTimeout, p.scanTimeout)
	case <-ctx.Done():
		p.stopScan()
		return none, ctx.Err()
	}
}

func (p *PowerMeterSource) matches(result bluetooth.ScanResult) bool {
	if p.address != "" {
		return strings.EqualFold(result.Address.String(), p.address)
	}
	return result.HasServiceUUID(bluetooth.ServiceUUIDCyclingPower)
}

func (p *PowerMeterSource) discoverMeasurement(device *bluetooth.Device) (*bluetooth.DeviceCharacteristic, error) {
	serviceUUID, err := bluetooth.ParseUUID(codec.ServiceUUIDCyclingPower)
	if err != nil {
		return nil, err
	}
	charUUID, err := bluetooth.ParseUUID(codec.CharUUIDCyclingPowerMeasurement)
	if err != nil {
		return nil, err
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return nil, fmt.Errorf("discover cycling power service: %w", err)
	}
	if len(services) == 0 {
		return nil, ErrMissingMeasurement
	}
	service := &services[0]

	chars, err := service.DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil {
		return nil, fmt.Errorf("discover power measurement: %w", err)
	}
	if len(chars) == 0 {
		return nil, ErrMissingMeasurement
	}
	return &chars[0], nil
}

// onMeasurement turns one Cycling Power Measurement notification into a sample.
func (p *PowerMeterSource) onMeasurement(buf []byte) (sensor.Sample, bool) {
	m, err := codec.DecodeCyclingPowerMeasurement(buf)
	if err != nil {
		p.logger.Printf("PowerMeterSource: dropping measurement: %v", err)
		return sensor.Sample{}, false
	}

	now := p.now()
	p.mu.Lock()
	rpm := p.cadence.update(m.Crank)
	p.lastMeasurement = now
	p.mu.Unlock()

	return sensor.NewSample(float32(m.PowerWatts), float32(rpm), 0, nil, now), true
}

func (p *PowerMeterSource) stopScan() {
	if err := p.adapter.StopScan(); err != nil {
		p.logger.Printf("PowerMeterSource: stop scan: %v", err)
	}
}

func (p *PowerMeterSource) disconnect() {
	p.mu.Lock()
	device := p.device
	p.device = nil
	p.mu.Unlock()

	if device == nil {
		return
	}
	if err := device.Disconnect(); err != nil {
		p.logger.Printf("PowerMeterSource: disconnect: %v", err)
	}
}

func (p *PowerMeterSource) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	p.wg.Wait()
	p.disconnect()
	p.setState(LinkDisconnected)
}

// idleCrankMeasurements is how many measurements without a new crank event
// it takes for cadence to drop to zero.
const idleCrankMeasurements = 3

// crankCadence derives rpm from cumulative crank revolutions and the last
// crank event time (1/1024 s), both of which wrap at 16 bits.
type crankCadence struct {
	primed    bool
	revs      uint16
	eventTime uint16
	rpm       float64
	idle      int
}

func (c *crankCadence) update(crank codec.RevolutionData) float64 {
	if !crank.Present {
		return 0
	}
	revs := uint16(crank.Revolutions)
	if !c.primed {
		c.primed = true
		c.revs = revs
		c.eventTime = crank.LastEventTime
		return 0
	}

	deltaRevs := revs - c.revs
	deltaTime := crank.LastEventTime - c.eventTime
	c.revs = revs
	c.eventTime = crank.LastEventTime

	if deltaRevs == 0 || deltaTime == 0 {
		c.idle++
		if c.idle >= idleCrankMeasurements {
			c.rpm = 0
		}
		return c.rpm
	}
	c.idle = 0
	c.rpm = float64(deltaRevs) * 60 * 1024 / float64(deltaTime)
	return c.rpm
}
