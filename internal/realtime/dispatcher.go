package realtime

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
)

const defaultBufferSize = 16

// Dispatcher is the in-process notifier: one buffered stream per subscriber,
// keyed by room code. Slow subscribers drop events rather than block publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[rooms.Code]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan rooms.Room
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[rooms.Code]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Stream registers a buffered channel for the room. The returned cleanup
// unregisters it; cancelling ctx does the same.
func (d *Dispatcher) Stream(ctx context.Context, code rooms.Code) (<-chan rooms.Room, func()) {
	if code == "" {
		ch := make(chan rooms.Room)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan rooms.Room, d.bufferSize),
	}
	d.registerSubscriber(code, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(code, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Subscribe implements Notifier.
func (d *Dispatcher) Subscribe(ctx context.Context, code rooms.Code, onUpdate func(rooms.Room)) (Subscription, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, cleanup := d.Stream(streamCtx, code)
	subscription := NewStreamSubscription(onUpdate, func() {
		cleanup()
		cancel()
	})
	go subscription.Pump(stream)
	return subscription, nil
}

// Publish implements rooms.Publisher.
func (d *Dispatcher) Publish(_ context.Context, room rooms.Room) error {
	d.broadcast(room)
	return nil
}

func (d *Dispatcher) broadcast(room rooms.Room) {
	code := rooms.Code(room.Code)
	if code == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[code]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- room:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams for a room.
func (d *Dispatcher) SubscriberCount(code rooms.Code) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[code])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(code rooms.Code, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[code]; !ok {
		d.subscribers[code] = make(map[int64]*subscriber)
	}
	d.subscribers[code][sub.id] = sub
}

func (d *Dispatcher) unregisterSubscriber(code rooms.Code, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[code]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, code)
		}
	}
	d.mu.Unlock()
}
