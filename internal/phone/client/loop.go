package client

import (
	"time"

	"github.com/sebas/webphone/internal/phone/session"
)

// taskQueueSize bounds the tasks waiting for the signaling goroutine.
const taskQueueSize = 128

// post queues fn for the signaling goroutine.
func (c *Client) post(fn func()) error {
	select {
	case <-c.stopped:
		return ErrClosed
	default:
	}
	select {
	case c.tasks <- fn:
		return nil
	case <-c.stopped:
		return ErrClosed
	}
}

// call runs fn on the signaling goroutine and waits for its result.
func (c *Client) call(fn func() error) error {
	result := make(chan error, 1)
	if err := c.post(func() { result <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-c.stopped:
		return ErrClosed
	}
}

// loopScheduler runs timer callbacks on the signaling goroutine.
type loopScheduler struct {
	c *Client
}

// loopTimer is only stopped from the signaling goroutine, so a callback
// already queued when Stop runs sees stopped and does nothing.
type loopTimer struct {
	t       *time.Timer
	stopped bool
}

func (s loopScheduler) AfterFunc(d time.Duration, fn func()) session.Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		_ = s.c.post(func() {
			if !lt.stopped {
				fn()
			}
		})
	})
	return lt
}

func (t *loopTimer) Stop() bool {
	t.stopped = true
	return t.t.Stop()
}
