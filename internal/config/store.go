package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/events"
)

const DefaultDeviceName = "Grupetto FTMS"

var ErrEmptyDeviceName = errors.New("device name cannot be empty")

// State holds the settings that change at runtime and survive restarts.
type State struct {
	Enabled    bool   `yaml:"enabled"`
	DeviceName string `yaml:"device_name"`
	Serial     string `yaml:"serial"`
}

// GenerateSerial returns four uppercase hex digits read from r.
func GenerateSerial(r io.Reader) (string, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", fmt.Errorf("generate serial: %w", err)
	}
	return fmt.Sprintf("%02X%02X", b[0], b[1]), nil
}

// Store persists State in a YAML file and tells observers about every change.
type Store struct {
	path   string
	logger *log.Logger

	mu      sync.Mutex
	state   State
	changed *events.CallbackEvent[State]
}

// OpenStore loads the state file at path. When the file is missing or
// unreadable the defaults apply. A serial is generated and saved on first use.
func OpenStore(path string, defaults State, logger *log.Logger) (*Store, error) {
	if logger == nil {
		panic("Store: logger cannot be nil")
	}
	if strings.TrimSpace(defaults.DeviceName) == "" {
		defaults.DeviceName = DefaultDeviceName
	}
	s := &Store{
		path:    path,
		logger:  logger,
		changed: events.NewCallbackEvent[State](true),
	}
	s.state = s.load(defaults)

	if s.state.Serial == "" {
		serial, err := GenerateSerial(rand.Reader)
		if err != nil {
			return nil, err
		}
		s.state.Serial = serial
		if err := s.save(s.state); err != nil {
			return nil, err
		}
	}
	s.changed.Notify(s.state)
	return s, nil
}

func (s *Store) load(defaults State) State {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Printf("Store: load %s (no existing file)", s.path)
		return defaults
	}
	var loaded State
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		s.logger.Printf("Store: load %s failed to parse: %v", s.path, err)
		return defaults
	}
	if strings.TrimSpace(loaded.DeviceName) == "" {
		loaded.DeviceName = defaults.DeviceName
	}
	s.logger.Printf("Store: load %s -> %+v", s.path, loaded)
	return loaded
}

func (s *Store) save(state State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	raw, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("write state %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state %s: %w", s.path, err)
	}
	s.logger.Printf("Store: save %s -> %+v", s.path, state)
	return nil
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) SetEnabled(enabled bool) error {
	return s.update(func(st *State) { st.Enabled = enabled })
}

func (s *Store) SetDeviceName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyDeviceName
	}
	return s.update(func(st *State) { st.DeviceName = name })
}

// update saves and publishes the modified state. Unchanged state is a no-op.
func (s *Store) update(apply func(*State)) error {
	s.mu.Lock()
	next := s.state
	apply(&next)
	if next == s.state {
		s.mu.Unlock()
		return nil
	}
	if err := s.save(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.mu.Unlock()

	s.changed.Notify(next)
	return nil
}

// Observe calls fn with the current state and after every change. The
// returned func unregisters fn.
func (s *Store) Observe(fn func(State)) func() {
	return s.changed.Listen(fn)
}

// Close drops every observer.
func (s *Store) Close() {
	s.changed.Close()
}
