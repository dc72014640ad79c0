package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/bridge"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/events"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/go_func_utils"
)

const (
	maxLogLines            = 1000
	DefaultRefreshInterval = 250 * time.Millisecond
)

// Model holds what the dashboard renders: the latest bridge snapshot and the
// log tail.
type Model struct {
	snapshot func() bridge.Snapshot

	snapshotEvent *events.ChannelEvent[bridge.Snapshot]
	logEvent      *events.ChannelEvent[string]
	closeEvent    *events.ChannelEvent[struct{}]

	logMu    sync.RWMutex
	logLines []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger
}

// NewModel polls snapshot every refresh and collects lines from logChan.
func NewModel(snapshot func() bridge.Snapshot, logChan <-chan string, refresh time.Duration, logger *log.Logger) *Model {
	if snapshot == nil {
		panic("DashboardModel: snapshot cannot be nil")
	}
	if logChan == nil {
		panic("DashboardModel: logChan cannot be nil")
	}
	if logger == nil {
		panic("DashboardModel: logger cannot be nil")
	}
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Model{
		snapshot:      snapshot,
		snapshotEvent: events.NewChannelEvent[bridge.Snapshot](true),
		logEvent:      events.NewChannelEvent[string](false),
		closeEvent:    events.NewChannelEvent[struct{}](true),
		logLines:      make([]string, 0, maxLogLines),
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger,
	}
	m.Refresh()

	m.wg.Add(2)
	go_func_utils.SafeGo(logger, func() { m.pollSnapshots(ctx, refresh) })
	go_func_utils.SafeGo(logger, func() { m.readFromLogChannel(ctx, logChan) })
	return m
}

// Shutdown stops all goroutines and waits for them to finish
func (m *Model) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// Refresh publishes a fresh snapshot right away.
func (m *Model) Refresh() {
	m.snapshotEvent.Notify(m.snapshot())
}

func (m *Model) ListenToSnapshot(ch chan<- bridge.Snapshot) func() {
	return m.snapshotEvent.Listen(ch)
}

func (m *Model) ListenToLog(ch chan<- string) func() {
	return m.logEvent.Listen(ch)
}

func (m *Model) ListenToCloseApplication(ch chan<- struct{}) func() {
	return m.closeEvent.Listen(ch)
}

func (m *Model) RequestCloseApplication() {
	m.closeEvent.Notify(struct{}{})
}

// GetLogTail returns the last n log lines.
func (m *Model) GetLogTail(n int) []string {
	m.logMu.RLock()
	defer m.logMu.RUnlock()

	if n <= 0 {
		return []string{}
	}
	if n > len(m.logLines) {
		n = len(m.logLines)
	}
	out := make([]string, n)
	copy(out, m.logLines[len(m.logLines)-n:])
	return out
}

func (m *Model) pollSnapshots(ctx context.Context, refresh time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh()
		}
	}
}

func (m *Model) readFromLogChannel(ctx context.Context, logChan <-chan string) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-logChan:
			if !ok {
				return
			}
			m.logMu.Lock()
			m.logLines = append(m.logLines, line)
			if len(m.logLines) > maxLogLines {
				m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
			}
			m.logMu.Unlock()

			m.logEvent.Notify(line)
		}
	}
}
