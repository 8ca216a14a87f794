package comms

import (
	"context"
	"sync"
)

// Completion is the eventual outcome of a command.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - OnComplete callbacks run on the goroutine that settles the completion,
//     which for commands is always the device loop.
type Completion struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	value     any
	err       error
	callbacks []func(value any, err error)
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Done is closed once the completion is settled.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the completion settles or ctx ends.
func (c *Completion) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.value, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the outcome without blocking. done is false while pending.
func (c *Completion) Peek() (value any, err error, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.err, c.settled
}

// OnComplete registers fn to run once settled. If already settled, fn runs
// immediately on the calling goroutine.
func (c *Completion) OnComplete(fn func(value any, err error)) {
	c.mu.Lock()
	if !c.settled {
		c.callbacks = append(c.callbacks, fn)
		c.mu.Unlock()
		return
	}
	value, err := c.value, c.err
	c.mu.Unlock()
	fn(value, err)
}

// follow settles c with whatever other settles with.
func (c *Completion) follow(other *Completion) {
	other.OnComplete(func(value any, err error) {
		c.settle(value, err)
	})
}

// settle records the outcome. It returns false if already settled.
func (c *Completion) settle(value any, err error) bool {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return false
	}
	c.settled = true
	c.value, c.err = value, err
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(value, err)
	}
	return true
}
