package events

// ChannelEvent fans values out to registered channels.
// Sends never block: a listener whose channel is full misses that value.
type ChannelEvent[T any] struct {
	set listenerSet[T, chan<- T]
}

// NewChannelEvent creates a ChannelEvent. With replayLast set, a new listener
// immediately receives the most recent value if one has been published.
func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{set: newListenerSet[T, chan<- T](replayLast)}
}

// Listen registers ch and returns its unregister func.
// Listening on a closed event returns a no-op unregister func.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}
	id, last, replay, ok := e.set.add(ch)
	if !ok {
		return func() {}
	}
	if replay {
		select {
		case ch <- last:
		default:
		}
	}
	return func() { e.set.remove(id) }
}

// Notify publishes value to every listener.
func (e *ChannelEvent[T]) Notify(value T) {
	for _, ch := range e.set.record(value) {
		select {
		case ch <- value:
		default:
		}
	}
}

// Last returns the most recently published value when replay is enabled.
func (e *ChannelEvent[T]) Last() (T, bool) {
	return e.set.lastValue()
}

func (e *ChannelEvent[T]) ListenerCount() int {
	return e.set.count()
}

// Close drops every listener and ignores later Listen and Notify calls.
func (e *ChannelEvent[T]) Close() {
	e.set.close()
}
