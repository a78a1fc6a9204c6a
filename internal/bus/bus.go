package bus

import (
	"context"
	"sync"
)

// A broadcasting signal bus. It also has the additional functionality
// of always cleaning up after itself. You can also emit messages to
// topics that don't exist yet. Those messages will be however be
// drained.
type SignalBus[T any] struct {
	channels map[int64][]chan T
	lock     sync.Mutex
}

func NewSignalBus[T any]() *SignalBus[T] {
	return &SignalBus[T]{
		channels: make(map[int64][]chan T),
	}
}

// Emit a message on a topic to everyone currently waiting on it.
func (s *SignalBus[T]) Emit(topic int64, message T) {
	channels := func() []chan T {
		s.lock.Lock()
		defer s.lock.Unlock()

		if channels, ok := s.channels[topic]; ok {
			delete(s.channels, topic)
			return channels
		}
		return nil
	}()

	for _, channel := range channels {
		// Each channel has room for exactly one message.
		select {
		case channel <- message:
		default:
		}
		close(channel)
	}
}

// Wait for a message on the topic. Returns the message and a bool
// flag that indicates if the wait was aborted. This happens when the
// topic is being cleaned up or the context is done.
func (s *SignalBus[T]) Wait(ctx context.Context, topic int64) (T, bool) {
	channel := make(chan T, 1)

	func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		s.channels[topic] = append(s.channels[topic], channel)
	}()

	var zero T
	select {
	case value, ok := <-channel:
		if ok {
			return value, false
		}
		return zero, true

	case <-ctx.Done():
		s.remove(topic, channel)
		return zero, true
	}
}

// Clean up a topic on the bus. All pending waits will resolve
// with a done flag.
func (s *SignalBus[T]) CleanUp(topic int64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if channels, ok := s.channels[topic]; ok {
		for _, channel := range channels {
			close(channel)
		}
		delete(s.channels, topic)
	}
}

func (s *SignalBus[T]) remove(topic int64, channel chan T) {
	s.lock.Lock()
	defer s.lock.Unlock()

	channels := s.channels[topic]
	for i, candidate := range channels {
		if candidate == channel {
			channels = append(channels[:i], channels[i+1:]...)
			break
		}
	}

	if len(channels) == 0 {
		delete(s.channels, topic)
	} else {
		s.channels[topic] = channels
	}
}
