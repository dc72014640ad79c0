package sensor

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/go_func_utils"
)

var ErrAlreadyStarted = errors.New("source already started")

const DefaultSimulatedInterval = 100 * time.Millisecond

// Interval profile of the simulated bike, in samples: ramp to 80 W, hold,
// ramp down, rest.
const (
	simRampSteps   = 21
	simHoldSteps   = 101
	simPeakWatts   = 80
	simCycleSteps  = 2*simRampSteps + 2*simHoldSteps
	simSineSteps   = 37 // 0..360 degrees in 10 degree steps
	simCadencePeak = 150
	simResistPeak  = 110
	maxResistance  = 100
)

// SimulatedValues returns the simulated power, cadence and resistance for the
// given sample index.
func SimulatedValues(step int) (power, cadence, resistance float32) {
	p := step % simCycleSteps
	switch {
	case p < simRampSteps:
		power = float32(p * 4)
	case p < simRampSteps+simHoldSteps:
		power = simPeakWatts
	case p < 2*simRampSteps+simHoldSteps:
		power = float32((2*simRampSteps + simHoldSteps - 1 - p) * 4)
	default:
		power = 0
	}

	angle := float64(step%simSineSteps) * 10 * math.Pi / 180
	wave := (math.Sin(angle) + 1) / 2
	cadence = float32(wave * simCadencePeak)
	resistance = float32(math.Min(wave*simResistPeak, maxResistance))
	return power, cadence, resistance
}

// SimulatedSource emits a repeating interval workout, for running without a bike.
type SimulatedSource struct {
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSimulatedSource(interval time.Duration, logger *log.Logger) *SimulatedSource {
	if logger == nil {
		panic("SimulatedSource: logger cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultSimulatedInterval
	}
	return &SimulatedSource{interval: interval, logger: logger, now: time.Now}
}

func (s *SimulatedSource) Name() string { return "simulated" }

func (s *SimulatedSource) Start(ctx context.Context, emit func(Sample)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go_func_utils.SafeGo(s.logger, func() {
		defer s.wg.Done()
		s.run(runCtx, emit)
	})
	return nil
}

func (s *SimulatedSource) run(ctx context.Context, emit func(Sample)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for step := 0; ; step++ {
		power, cadence, resistance := SimulatedValues(step)
		emit(NewSample(power, cadence, resistance, nil, s.now()))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *SimulatedSource) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}
