package events

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher queues events and delivers them to listeners on its own
// goroutine, so a listener never runs inside a controller transition and a
// panicking listener cannot corrupt controller state.
type Dispatcher struct {
	mu        sync.Mutex
	listeners []Listener
	queue     []Event
	closed    bool
	inFlight  bool

	wake chan struct{}
	idle *sync.Cond
	done chan struct{}
}

// NewDispatcher starts a dispatcher.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	d.idle = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Subscribe adds a listener. Listeners added later do not see earlier events.
func (d *Dispatcher) Subscribe(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Emit queues e. It never blocks on listeners.
func (d *Dispatcher) Emit(e Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		slog.Debug("[Events] Dropping event after close", "event", e.String())
		return
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 {
			d.inFlight = false
			d.idle.Broadcast()
			if d.closed {
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			<-d.wake
			d.mu.Lock()
		}
		batch := d.queue
		d.queue = nil
		d.inFlight = true
		listeners := append([]Listener(nil), d.listeners...)
		d.mu.Unlock()

		for _, e := range batch {
			for _, l := range listeners {
				deliver(l, e)
			}
		}
	}
}

func deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Events] Listener panicked", "event", e.String(), "panic", r)
		}
	}()
	l(e)
}

// Flush waits until every queued event has been delivered or ctx is done.
func (d *Dispatcher) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	go func() {
		d.mu.Lock()
		for len(d.queue) > 0 || d.inFlight {
			d.idle.Wait()
		}
		d.mu.Unlock()
		close(flushed)
	}()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close delivers the remaining events and stops the dispatcher.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}
