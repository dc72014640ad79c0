package dashboard

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/bridge"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/go_func_utils"
)

const instructions = "[yellow]S[white] Start/Stop  |  [yellow]B[white] Start  |  [yellow]X[white] Stop  |  [yellow]Esc[white] Quit"

// View renders the model with tview: bridge status and live metrics on the
// left, the log tail on the right.
type View struct {
	app        *tview.Application
	model      *Model
	controller *Controller
	logger     *log.Logger

	mainFlex      *tview.Flex
	statusPanel   *tview.TextView
	metricsPanel  *tview.TextView
	centralsPanel *tview.TextView
	logView       *tview.TextView

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewView(app *tview.Application, model *Model, controller *Controller, logger *log.Logger) *View {
	if app == nil {
		panic("DashboardView: app cannot be nil")
	}
	if model == nil {
		panic("DashboardView: model cannot be nil")
	}
	if controller == nil {
		panic("DashboardView: controller cannot be nil")
	}
	if logger == nil {
		panic("DashboardView: logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		app:        app,
		model:      model,
		controller: controller,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	v.initWidgets()
	v.setupKeyboardHandlers()
	v.setupEventListeners()
	return v
}

func (v *View) initWidgets() {
	instructionsText := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(instructions)

	v.statusPanel = tview.NewTextView().SetDynamicColors(true)
	v.statusPanel.SetBorder(true).SetTitle(" Bridge ")

	v.metricsPanel = tview.NewTextView().SetDynamicColors(true)
	v.metricsPanel.SetBorder(true).SetTitle(" Metrics ")

	v.centralsPanel = tview.NewTextView().SetDynamicColors(true)
	v.centralsPanel.SetBorder(true).SetTitle(" Centrals ")

	// log lines may contain brackets, so no color tags here
	v.logView = tview.NewTextView().SetScrollable(false)
	v.logView.SetBorder(true).SetTitle(" Logs ")

	leftColumn := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(instructionsText, 1, 0, false).
		AddItem(v.statusPanel, 8, 0, false).
		AddItem(v.metricsPanel, 0, 2, false).
		AddItem(v.centralsPanel, 0, 1, false)

	v.mainFlex = tview.NewFlex().
		AddItem(leftColumn, 0, 1, true).
		AddItem(v.logView, 0, 1, false)
}

func (v *View) setupKeyboardHandlers() {
	v.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			v.controller.OnEscapeKey()
			return nil
		}
		if event.Key() != tcell.KeyRune {
			return event
		}
		switch event.Rune() {
		case 's', 'S', ' ':
			v.controller.ToggleBridge()
		case 'b', 'B':
			v.controller.StartBridge()
		case 'x', 'X':
			v.controller.StopBridge()
		case 'q', 'Q':
			v.controller.OnEscapeKey()
		default:
			return event
		}
		return nil
	})
}

func (v *View) setupEventListeners() {
	snapshotChan := make(chan bridge.Snapshot, 1)
	snapshotUnregister := v.model.ListenToSnapshot(snapshotChan)
	v.wg.Add(1)
	go_func_utils.SafeGo(v.logger, func() {
		defer v.wg.Done()
		defer snapshotUnregister()
		for {
			select {
			case <-v.ctx.Done():
				return
			case snap := <-snapshotChan:
				v.app.QueueUpdateDraw(func() {
					v.statusPanel.SetText(formatStatus(snap))
					v.metricsPanel.SetText(formatMetrics(snap))
					v.centralsPanel.SetText(formatCentrals(snap))
				})
			}
		}
	})

	logChan := make(chan string, 1)
	logUnregister := v.model.ListenToLog(logChan)
	v.wg.Add(1)
	go_func_utils.SafeGo(v.logger, func() {
		defer v.wg.Done()
		defer logUnregister()
		for {
			select {
			case <-v.ctx.Done():
				return
			case <-logChan:
				v.app.QueueUpdateDraw(v.updateLogDisplay)
			}
		}
	})

	closeChan := make(chan struct{}, 1)
	closeUnregister := v.model.ListenToCloseApplication(closeChan)
	v.wg.Add(1)
	go_func_utils.SafeGo(v.logger, func() {
		defer v.wg.Done()
		defer closeUnregister()
		select {
		case <-v.ctx.Done():
		case <-closeChan:
			v.app.Stop()
		}
	})
}

// updateLogDisplay must run on the UI goroutine.
func (v *View) updateLogDisplay() {
	_, _, _, height := v.logView.GetInnerRect()
	if height <= 0 {
		return
	}
	v.logView.SetText(strings.Join(v.model.GetLogTail(height), "\n"))
}

// Run starts the UI and blocks until it exits
func (v *View) Run() error {
	v.app.SetRoot(v.mainFlex, true)
	return v.app.Run()
}

// Shutdown stops the listeners and waits for them to finish
func (v *View) Shutdown() {
	v.cancel()
	v.wg.Wait()
}

func formatStatus(s bridge.Snapshot) string {
	state := "[red]Stopped[white]"
	if s.Running {
		state = "[green]Running[white]"
	}
	text := fmt.Sprintf(" State:        %s (%s)\n", state, s.Registration)
	text += fmt.Sprintf(" Enabled:      %t\n", s.Enabled)
	text += fmt.Sprintf(" Name:         [yellow]%s[white]  serial %s\n", tview.Escape(s.DeviceName), s.Serial)
	text += fmt.Sprintf(" Machine:      %s\n", s.Machine.State)

	source := s.Source
	if s.SourceStatus != "" {
		source += " (" + s.SourceStatus + ")"
	}
	text += fmt.Sprintf(" Source:       %s\n", tview.Escape(source))
	if s.LastError != nil {
		text += fmt.Sprintf(" [red]Error:[white]        %s\n", tview.Escape(s.LastError.Error()))
	}
	return text
}

func formatMetrics(s bridge.Snapshot) string {
	if !s.HasReading {
		return "\n  [gray]Waiting for data...[white]"
	}
	r := s.Reading

	text := "\n"
	text += fmt.Sprintf("  Power:        [yellow]%.0f[white] W\n\n", r.Power)
	text += fmt.Sprintf("  Cadence:      [yellow]%.0f[white] rpm\n\n", r.Cadence)
	text += fmt.Sprintf("  Resistance:   [yellow]%.0f[white]\n\n", r.Resistance)
	if r.HasSpeed {
		text += fmt.Sprintf("  Speed:        [yellow]%.1f[white] km/h\n\n", r.SpeedKmh)
	}
	if r.TotalDistanceMeters >= 1000 {
		text += fmt.Sprintf("  Distance:     [yellow]%.2f[white] km\n\n", r.TotalDistanceMeters/1000)
	} else {
		text += fmt.Sprintf("  Distance:     [yellow]%.0f[white] m\n\n", r.TotalDistanceMeters)
	}
	text += fmt.Sprintf("  Energy:       [yellow]%.1f[white] kJ\n\n", r.TotalEnergyKJ)
	text += fmt.Sprintf("  Elapsed:      [yellow]%s[white]\n", formatElapsed(r.Elapsed))

	targets := s.Machine.Targets
	if targets.HasPower {
		text += fmt.Sprintf("\n  Target power: [yellow]%d[white] W\n", targets.PowerWatts)
	}
	if targets.HasResistance {
		text += fmt.Sprintf("\n  Target level: [yellow]%.1f[white]\n", float64(targets.ResistanceLevel)/10)
	}
	return text
}

func formatCentrals(s bridge.Snapshot) string {
	if len(s.Devices) == 0 {
		return " [gray]None[white]"
	}
	lines := make([]string, 0, len(s.Devices))
	for _, d := range s.Devices {
		lines = append(lines, " [green]*[white] "+tview.Escape(d))
	}
	return strings.Join(lines, "\n")
}

func formatElapsed(d time.Duration) string {
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
