package events

import "sync"

// listenerSet is the bookkeeping shared by ChannelEvent and CallbackEvent:
// id-keyed listeners plus an optional remembered last value.
type listenerSet[T any, L any] struct {
	mu        sync.RWMutex
	listeners map[uint64]L
	nextID    uint64
	replay    bool
	last      T
	hasLast   bool
	closed    bool
}

func newListenerSet[T any, L any](replay bool) listenerSet[T, L] {
	return listenerSet[T, L]{
		listeners: make(map[uint64]L),
		replay:    replay,
	}
}

// add registers l and returns its id plus the value to replay, if any.
// A closed set accepts no listeners; ok is false in that case.
func (s *listenerSet[T, L]) add(l L) (id uint64, replayValue T, shouldReplay bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, replayValue, false, false
	}
	id = s.nextID
	s.nextID++
	s.listeners[id] = l
	if s.replay && s.hasLast {
		return id, s.last, true, true
	}
	return id, replayValue, false, true
}

func (s *listenerSet[T, L]) remove(id uint64) {
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}

// record stores value for replay and snapshots the current listeners.
func (s *listenerSet[T, L]) record(value T) []L {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.replay {
		s.last = value
		s.hasLast = true
	}
	snapshot := make([]L, 0, len(s.listeners))
	for _, l := range s.listeners {
		snapshot = append(snapshot, l)
	}
	return snapshot
}

func (s *listenerSet[T, L]) lastValue() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

func (s *listenerSet[T, L]) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

func (s *listenerSet[T, L]) close() {
	s.mu.Lock()
	s.closed = true
	s.listeners = make(map[uint64]L)
	s.mu.Unlock()
}
