package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/go_func_utils"
)

// ManualState is what the manual panel shows and edits.
type ManualState struct {
	Power      float32  `json:"power"`
	Cadence    float32  `json:"cadence"`
	Resistance float32  `json:"resistance"`
	SpeedMph   *float32 `json:"speedMph"`
}

// ManualSource serves a small HTTP panel for setting bike values by hand and
// re-emits the current values on a fixed interval.
type ManualSource struct {
	listen   string
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time

	mu     sync.RWMutex
	state  ManualState
	server *http.Server
	cancel context.CancelFunc
	addr   string
	wg     sync.WaitGroup
}

func NewManualSource(listen string, interval time.Duration, logger *log.Logger) *ManualSource {
	if logger == nil {
		panic("ManualSource: logger cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultSimulatedInterval
	}
	return &ManualSource{
		listen:   listen,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		state:    ManualState{Power: 100, Cadence: 80, Resistance: 30},
	}
}

func (m *ManualSource) Name() string { return "http " + m.listen }

// Addr is the bound listen address once started.
func (m *ManualSource) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.addr
}

func (m *ManualSource) State() ManualState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *ManualSource) snapshotLocked() ManualState {
	s := m.state
	if s.SpeedMph != nil {
		v := *s.SpeedMph
		s.SpeedMph = &v
	}
	return s
}

// Handler returns the panel's routes.
func (m *ManualSource) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleIndex)
	mux.HandleFunc("/api/state", m.handleGetState)
	mux.HandleFunc("/api/set", m.handleSetValues)
	return mux
}

func (m *ManualSource) Start(ctx context.Context, emit func(Sample)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		return ErrAlreadyStarted
	}

	listener, err := net.Listen("tcp", m.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.listen, err)
	}
	m.addr = listener.Addr().String()
	m.server = &http.Server{Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	server := m.server

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(2)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		m.logger.Printf("ManualSource: panel on http://%s", listener.Addr())
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			m.logger.Printf("ManualSource: web server error: %v", err)
		}
	})
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		m.emitLoop(runCtx, emit)
	})
	return nil
}

func (m *ManualSource) emitLoop(ctx context.Context, emit func(Sample)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := m.State()
			emit(NewSample(s.Power, s.Cadence, s.Resistance, s.SpeedMph, m.now()))
		}
	}
}

func (m *ManualSource) Stop() {
	m.mu.Lock()
	server := m.server
	cancel := m.cancel
	m.server = nil
	m.cancel = nil
	m.mu.Unlock()

	if server == nil {
		return
	}
	cancel()
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := server.Shutdown(ctx); err != nil {
		m.logger.Printf("ManualSource: error shutting down web server: %v", err)
	}
	m.wg.Wait()
	m.logger.Println("ManualSource: stopped")
}

func (m *ManualSource) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(manualIndexHTML))
}

func (m *ManualSource) handleGetState(w http.ResponseWriter, _ *http.Request) {
	state := m.State()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		m.logger.Printf("ManualSource: encode state: %v", err)
	}
}

// handleSetValues applies query parameters power, cadence, resistance and
// speedMph. An empty speedMph clears the speed.
func (m *ManualSource) handleSetValues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	var update ManualState
	var speed float32
	fields := []struct {
		name   string
		lo, hi float64
		dst    *float32
	}{
		{"power", -2000, 4000, &update.Power},
		{"cadence", 0, 255, &update.Cadence},
		{"resistance", 0, maxResistance, &update.Resistance},
		{"speedMph", 0, 100, &speed},
	}
	given := make(map[string]bool, len(fields))
	for _, f := range fields {
		raw := query.Get(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil || v < f.lo || v > f.hi {
			http.Error(w, fmt.Sprintf("%s must be a number in [%g, %g]", f.name, f.lo, f.hi), http.StatusBadRequest)
			return
		}
		*f.dst = float32(v)
		given[f.name] = true
	}

	m.mu.Lock()
	if given["power"] {
		m.state.Power = update.Power
	}
	if given["cadence"] {
		m.state.Cadence = update.Cadence
	}
	if given["resistance"] {
		m.state.Resistance = update.Resistance
	}
	if given["speedMph"] {
		m.state.SpeedMph = &speed
	} else if query.Has("speedMph") {
		m.state.SpeedMph = nil
	}
	m.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

const manualIndexHTML = `<!DOCTYPE html>
<html>
<head><title>FTMS Bridge sensor panel</title></head>
<body>
<h1>Sensor panel</h1>
<pre id="state"></pre>
<form onsubmit="send(event)">
  <label>Power <input name="power" type="number"></label>
  <label>Cadence <input name="cadence" type="number"></label>
  <label>Resistance <input name="resistance" type="number"></label>
  <label>Speed (mph) <input name="speedMph" type="number" step="0.1"></label>
  <button>Set</button>
</form>
<script>
function refresh() {
  fetch('/api/state').then(r => r.json()).then(s => {
    document.getElementById('state').textContent = JSON.stringify(s, null, 2);
  });
}
function send(e) {
  e.preventDefault();
  const q = new URLSearchParams();
  for (const el of e.target.elements) {
    if (el.name && el.value !== '') q.set(el.name, el.value);
  }
  fetch('/api/set?' + q.toString(), {method: 'POST'}).then(refresh);
}
setInterval(refresh, 1000);
refresh();
</script>
</body>
</html>
`
