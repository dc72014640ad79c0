package fusion

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/events"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/sensor"
)

// Reading is the fused output of one tick.
type Reading struct {
	Power               float32 // W
	Cadence             float32 // rpm
	Resistance          float32 // 0-100
	SpeedKmh            float32
	HasSpeed            bool
	Revolutions         RevolutionSnapshot
	TotalDistanceMeters float64
	TotalEnergyKJ       float64
	Elapsed             time.Duration
	Timestamp           time.Time
}

// EnergyPerHourKJ is the instantaneous energy rate at the reading's power.
func (r Reading) EnergyPerHourKJ() float64 {
	return math.Max(0, float64(r.Power)) * 3.6
}

// EnergyPerMinuteKJ is EnergyPerHourKJ over one minute.
func (r Reading) EnergyPerMinuteKJ() float64 {
	return math.Max(0, float64(r.Power)) * 0.06
}

// Sink receives every fused reading. Calls happen on the loop goroutine.
type Sink interface {
	OnSensorTick(reading Reading)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Reading)

func (f SinkFunc) OnSensorTick(reading Reading) { f(reading) }

// LoopConfig tunes the fusion loop.
type LoopConfig struct {
	TickInterval             time.Duration
	WindowSize               int
	OutlierThreshold         float64
	PowerAlpha               float64
	CadenceAlpha             float64
	ResistanceAlpha          float64
	SpeedAlpha               float64
	WheelCircumferenceMeters float64
	DeriveSpeedFromPower     bool
	// Now is the loop clock. Defaults to time.Now.
	Now func() time.Time
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		TickInterval:             300 * time.Millisecond,
		WindowSize:               5,
		OutlierThreshold:         2.5,
		PowerAlpha:               0.25,
		CadenceAlpha:             0.35,
		ResistanceAlpha:          0.35,
		SpeedAlpha:               0.4,
		WheelCircumferenceMeters: DefaultWheelCircumferenceMeters,
		DeriveSpeedFromPower:     true,
	}
}

// sampleBuffers collects raw values between ticks. Guarded by Loop.bufMu.
type sampleBuffers struct {
	power      []float64
	cadence    []float64
	resistance []float64
	speedMph   []float64
}

func (b *sampleBuffers) empty() bool {
	return len(b.power) == 0 && len(b.cadence) == 0 && len(b.resistance) == 0 && len(b.speedMph) == 0
}

// Loop buffers incoming samples and fuses them on a fixed tick into Readings.
// Ingest may be called from any goroutine; all derived state is owned by the tick.
type Loop struct {
	cfg    LoopConfig
	logger *log.Logger

	bufMu   sync.Mutex
	buffers sampleBuffers

	sinksMu sync.RWMutex
	sinks   []Sink

	// tick-owned state
	tickMu        sync.Mutex
	powerFilter   *SignalConditioner
	cadenceFilter *SignalConditioner
	resistFilter  *SignalConditioner
	speedFilter   *SignalConditioner
	revolutions   *RevolutionAccumulator
	startedAt     time.Time
	lastTickAt    time.Time
	distanceM     float64
	energyKJ      float64

	readings *events.ChannelEvent[Reading]

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLoop creates a stopped fusion loop.
func NewLoop(cfg LoopConfig, logger *log.Logger) *Loop {
	if logger == nil {
		panic("SensorFusionLoop: logger cannot be nil")
	}
	defaults := DefaultLoopConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaults.WindowSize
	}
	if cfg.OutlierThreshold <= 0 {
		cfg.OutlierThreshold = defaults.OutlierThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	conditioner := func(alpha float64) *SignalConditioner {
		return NewSignalConditioner(ConditionerConfig{
			WindowSize:       cfg.WindowSize,
			OutlierThreshold: cfg.OutlierThreshold,
			Alpha:            alpha,
		})
	}
	return &Loop{
		cfg:           cfg,
		logger:        logger,
		powerFilter:   conditioner(cfg.PowerAlpha),
		cadenceFilter: conditioner(cfg.CadenceAlpha),
		resistFilter:  conditioner(cfg.ResistanceAlpha),
		speedFilter:   conditioner(cfg.SpeedAlpha),
		revolutions:   NewRevolutionAccumulator(cfg.WheelCircumferenceMeters),
		readings:      events.NewChannelEvent[Reading](true),
	}
}

// Ingest buffers one sample for the next tick.
func (l *Loop) Ingest(s sensor.Sample) {
	l.bufMu.Lock()
	defer l.bufMu.Unlock()

	l.buffers.power = append(l.buffers.power, float64(s.Power))
	l.buffers.cadence = append(l.buffers.cadence, float64(s.Cadence))
	l.buffers.resistance = append(l.buffers.resistance, float64(s.Resistance))
	if s.Speed != nil {
		l.buffers.speedMph = append(l.buffers.speedMph, float64(*s.Speed))
	}
}

// AddSink registers a receiver for fused readings.
func (l *Loop) AddSink(sink Sink) {
	if sink == nil {
		panic("SensorFusionLoop: sink cannot be nil")
	}
	l.sinksMu.Lock()
	defer l.sinksMu.Unlock()
	l.sinks = append(l.sinks, sink)
}

// ListenToReadings registers ch for fused readings. Returns an unregister function.
func (l *Loop) ListenToReadings(ch chan<- Reading) func() {
	return l.readings.Listen(ch)
}

// Start runs the tick until ctx is cancelled or Stop is called. Starting a
// running loop is a no-op; a loop whose context was cancelled counts as
// stopped and starts a fresh session.
func (l *Loop) Start(ctx context.Context) {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.running {
		if !l.exitedLocked() {
			return
		}
		l.stopLocked()
	}

	l.tickMu.Lock()
	l.startedAt = l.cfg.Now()
	l.lastTickAt = l.startedAt
	l.tickMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.running = true

	l.wg.Add(1)
	go_func_utils.SafeGo(l.logger, func() {
		defer l.wg.Done()
		defer close(done)
		ticker := time.NewTicker(l.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Tick()
			}
		}
	})
	l.logger.Printf("SensorFusionLoop: started, tick %v", l.cfg.TickInterval)
}

// Stop cancels the tick, waits for it to exit and clears all accumulated state.
// Calling Stop on a stopped loop does nothing.
func (l *Loop) Stop() {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if !l.running {
		return
	}
	l.stopLocked()
}

func (l *Loop) stopLocked() {
	l.cancel()
	l.wg.Wait()
	l.running = false
	l.cancel = nil
	l.done = nil

	l.bufMu.Lock()
	l.buffers = sampleBuffers{}
	l.bufMu.Unlock()

	l.tickMu.Lock()
	l.resetLocked()
	l.tickMu.Unlock()

	l.logger.Println("SensorFusionLoop: stopped")
}

// exitedLocked reports whether the tick goroutine returned on its own.
func (l *Loop) exitedLocked() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Running reports whether the tick goroutine is alive.
func (l *Loop) Running() bool {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	return l.running && !l.exitedLocked()
}

func (l *Loop) resetLocked() {
	l.powerFilter.Reset()
	l.cadenceFilter.Reset()
	l.resistFilter.Reset()
	l.speedFilter.Reset()
	l.revolutions.Reset()
	l.distanceM = 0
	l.energyKJ = 0
	l.startedAt = time.Time{}
	l.lastTickAt = time.Time{}
}

// Tick drains the buffers and, when anything arrived, fuses and publishes one
// Reading. It reports whether a reading was produced. A panic while computing
// or inside a sink is logged and the tick carries on.
func (l *Loop) Tick() (Reading, bool) {
	l.bufMu.Lock()
	drained := l.buffers
	l.buffers = sampleBuffers{}
	l.bufMu.Unlock()

	if drained.empty() {
		return Reading{}, false
	}

	var reading Reading
	panicked := go_func_utils.Guard(l.logger, "SensorFusionLoop", func() {
		reading = l.fuse(drained)
	})
	if panicked {
		return Reading{}, false
	}

	l.sinksMu.RLock()
	sinks := make([]Sink, len(l.sinks))
	copy(sinks, l.sinks)
	l.sinksMu.RUnlock()

	for _, sink := range sinks {
		go_func_utils.Guard(l.logger, "SensorFusionLoop: sink", func() {
			sink.OnSensorTick(reading)
		})
	}
	l.readings.Notify(reading)
	return reading, true
}

func (l *Loop) fuse(drained sampleBuffers) Reading {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	now := l.cfg.Now()
	if l.startedAt.IsZero() {
		l.startedAt = now
	}
	delta := l.cfg.TickInterval
	if !l.lastTickAt.IsZero() && now.After(l.lastTickAt) {
		delta = now.Sub(l.lastTickAt)
	}
	l.lastTickAt = now

	power := conditionAverage(l.powerFilter, drained.power)
	cadence := conditionAverage(l.cadenceFilter, drained.cadence)
	resistance := conditionAverage(l.resistFilter, drained.resistance)

	var speedKmh float64
	hasSpeed := false
	switch {
	case len(drained.speedMph) > 0:
		speedKmh = conditionAverage(l.speedFilter, drained.speedMph) * sensor.MphToKmh
		hasSpeed = true
	case l.cfg.DeriveSpeedFromPower:
		speedKmh = SpeedFromPowerMph(power) * sensor.MphToKmh
		hasSpeed = true
	}
	speedKmh = math.Max(0, speedKmh)

	var speedArg *float64
	if hasSpeed {
		speedArg = &speedKmh
	}
	deltaMillis := uint64(delta.Milliseconds())
	l.revolutions.Update(speedArg, cadence, deltaMillis)

	seconds := delta.Seconds()
	if hasSpeed {
		l.distanceM += speedKmh / 3.6 * seconds
	}
	l.energyKJ += math.Max(0, power) * seconds / 1000

	return Reading{
		Power:               float32(power),
		Cadence:             float32(cadence),
		Resistance:          float32(resistance),
		SpeedKmh:            float32(speedKmh),
		HasSpeed:            hasSpeed,
		Revolutions:         l.revolutions.Snapshot(),
		TotalDistanceMeters: l.distanceM,
		TotalEnergyKJ:       l.energyKJ,
		Elapsed:             now.Sub(l.startedAt),
		Timestamp:           now,
	}
}

// conditionAverage averages the finite values of one tick and runs the result
// through filter. With nothing usable the filter's last output is kept.
func conditionAverage(filter *SignalConditioner, values []float64) float64 {
	var sum float64
	var n int
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return filter.Last()
	}
	return filter.Filter(sum / float64(n))
}
