package realtime

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
)

// Subscription is an open per-room channel. After Close returns no further
// callbacks are invoked.
type Subscription interface {
	Close()
}

// Notifier delivers committed room rows to subscribers of a room code.
type Notifier interface {
	Subscribe(ctx context.Context, code rooms.Code, onUpdate func(rooms.Room)) (Subscription, error)
}

// StreamSubscription pumps buffered rooms into a callback until closed.
type StreamSubscription struct {
	mu       sync.Mutex
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
	onClose  func()
	onUpdate func(rooms.Room)
}

func NewStreamSubscription(onUpdate func(rooms.Room), onClose func()) *StreamSubscription {
	return &StreamSubscription{
		stop:     make(chan struct{}),
		onClose:  onClose,
		onUpdate: onUpdate,
	}
}

// Pump delivers rooms from stream until the stream closes or the subscription is closed.
func (s *StreamSubscription) Pump(stream <-chan rooms.Room) {
	for {
		select {
		case <-s.stop:
			return
		case room, ok := <-stream:
			if !ok {
				return
			}
			s.deliver(room)
		}
	}
}

// Done is closed once Close has been called.
func (s *StreamSubscription) Done() <-chan struct{} {
	return s.stop
}

func (s *StreamSubscription) deliver(room rooms.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.onUpdate(room)
}

// Close must not be called from inside the update callback.
func (s *StreamSubscription) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.onClose != nil {
			s.onClose()
		}
	})
}
