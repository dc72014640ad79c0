package events

// CallbackEvent invokes registered callbacks synchronously on Notify.
// Callbacks run outside the internal lock and may unregister themselves.
type CallbackEvent[T any] struct {
	set listenerSet[T, func(T)]
}

// NewCallbackEvent creates a CallbackEvent. With replayLast set, a new
// listener is called immediately with the most recent value.
func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{set: newListenerSet[T, func(T)](replayLast)}
}

func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}
	id, last, replay, ok := e.set.add(callback)
	if !ok {
		return func() {}
	}
	if replay {
		callback(last)
	}
	return func() { e.set.remove(id) }
}

func (e *CallbackEvent[T]) Notify(value T) {
	for _, callback := range e.set.record(value) {
		callback(value)
	}
}

func (e *CallbackEvent[T]) Last() (T, bool) {
	return e.set.lastValue()
}

func (e *CallbackEvent[T]) ListenerCount() int {
	return e.set.count()
}

// Close drops every listener. Later Notify calls reach nobody.
func (e *CallbackEvent[T]) Close() {
	e.set.close()
}
