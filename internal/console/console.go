package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/bridge"
)

// Bridge is the control surface the console drives.
type Bridge interface {
	Start() error
	Stop() error
	Toggle() error
	SetDeviceName(name string) error
	Snapshot() bridge.Snapshot
}

// Console reads operator commands and prints their results.
type Console struct {
	bridge Bridge
	out    io.Writer
	logger *log.Logger
}

func New(b Bridge, out io.Writer, logger *log.Logger) *Console {
	if b == nil {
		panic("Console: bridge cannot be nil")
	}
	if logger == nil {
		panic("Console: logger cannot be nil")
	}
	return &Console{bridge: b, out: out, logger: logger}
}

// Execute runs one command line. It reports whether the operator asked to quit.
func (c *Console) Execute(line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch strings.ToLower(fields[0]) {
	case "start":
		c.report("start", c.bridge.Start())
	case "stop":
		c.report("stop", c.bridge.Stop())
	case "toggle":
		c.report("toggle", c.bridge.Toggle())
	case "status":
		c.printStatus(c.bridge.Snapshot())
	case "name":
		name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		if name == "" {
			fmt.Fprintln(c.out, "usage: name <device name>")
			return false
		}
		if err := c.bridge.SetDeviceName(name); err != nil {
			c.report("rename", err)
			return false
		}
		fmt.Fprintf(c.out, "Device name set to %q (advertised from the next start)\n", name)
	case "help":
		c.printHelp()
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (try 'help')\n", fields[0])
	}
	return false
}

func (c *Console) report(action string, err error) {
	if err != nil {
		fmt.Fprintf(c.out, "%s failed: %v\n", action, err)
		return
	}
	snap := c.bridge.Snapshot()
	if snap.Running {
		fmt.Fprintf(c.out, "Bridge running as %q\n", snap.DeviceName)
	} else {
		fmt.Fprintln(c.out, "Bridge stopped")
	}
}

func (c *Console) printStatus(s bridge.Snapshot) {
	state := "stopped"
	if s.Running {
		state = "running"
	}
	fmt.Fprintf(c.out, "Bridge:       %s (enabled %t, registration %s)\n", state, s.Enabled, s.Registration)
	fmt.Fprintf(c.out, "Identity:     %q serial %s\n", s.DeviceName, s.Serial)
	fmt.Fprintf(c.out, "Machine:      %s\n", s.Machine.State)

	source := s.Source
	if s.SourceStatus != "" {
		source += " (" + s.SourceStatus + ")"
	}
	fmt.Fprintf(c.out, "Source:       %s\n", source)

	if len(s.Devices) == 0 {
		fmt.Fprintln(c.out, "Centrals:     none")
	} else {
		fmt.Fprintf(c.out, "Centrals:     %s\n", strings.Join(s.Devices, ", "))
	}
	if s.HasReading {
		r := s.Reading
		fmt.Fprintf(c.out, "Reading:      %.0f W  %.0f rpm  resistance %.0f  %.1f km/h\n",
			r.Power, r.Cadence, r.Resistance, r.SpeedKmh)
	}
	if s.LastError != nil {
		fmt.Fprintf(c.out, "Last error:   %v\n", s.LastError)
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  start         - Enable the bridge and start advertising")
	fmt.Fprintln(c.out, "  stop          - Stop advertising and disable the bridge")
	fmt.Fprintln(c.out, "  toggle        - Start if stopped, stop if running")
	fmt.Fprintln(c.out, "  status        - Show bridge, source and central status")
	fmt.Fprintln(c.out, "  name <name>   - Set the advertised device name")
	fmt.Fprintln(c.out, "  help          - Show this help")
	fmt.Fprintln(c.out, "  quit          - Exit")
}

// Run reads commands until ctx ends, the operator quits or input closes.
// Ctrl+C calls cancel.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc, rl *readline.Instance) {
	fmt.Fprintln(c.out, "FTMS bridge console (type 'help' for commands)")
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel()
			return
		}
		if err != nil {
			cancel()
			return
		}
		if c.Execute(line) {
			cancel()
			return
		}
	}
}

// HistoryFile returns the readline history path under the user cache dir,
// or "" when there is none.
func HistoryFile() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(cacheDir, "ftms-bridge")
	_ = os.MkdirAll(dir, 0750)
	return filepath.Join(dir, "console_history")
}
