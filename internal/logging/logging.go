package logging

import (
	"io"
	"log"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the rotating log file.
type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New returns a logger writing to the rotating file in opts and, when
// console is non-nil, to console as well. The returned func closes the file.
func New(opts Options, console io.Writer) (*log.Logger, func() error) {
	var writers []io.Writer
	closeFn := func() error { return nil }

	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		writers = append(writers, file)
		closeFn = file.Close
	}
	if console != nil {
		writers = append(writers, console)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}
	return log.New(out, "", log.LstdFlags|log.Lmicroseconds), closeFn
}

// ReadlineWriter keeps log lines from tearing the readline prompt: it clears
// the prompt, writes, then redraws it.
type ReadlineWriter struct {
	out io.Writer

	mu sync.Mutex
	rl *readline.Instance
}

func NewReadlineWriter(out io.Writer) *ReadlineWriter {
	return &ReadlineWriter{out: out}
}

// SetReadline attaches the prompt to redraw. nil detaches it.
func (w *ReadlineWriter) SetReadline(rl *readline.Instance) {
	w.mu.Lock()
	w.rl = rl
	w.mu.Unlock()
}

func (w *ReadlineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err := w.out.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// ChannelWriter forwards each write as one line on a channel, for views that
// show the log tail. Lines are dropped when the reader falls behind.
type ChannelWriter struct {
	ch chan string
}

func NewChannelWriter(size int) *ChannelWriter {
	return &ChannelWriter{ch: make(chan string, size)}
}

// Lines is the receive side.
func (w *ChannelWriter) Lines() <-chan string {
	return w.ch
}

func (w *ChannelWriter) Write(p []byte) (int, error) {
	select {
	case w.ch <- strings.TrimRight(string(p), "\n"):
	default:
	}
	return len(p), nil
}
