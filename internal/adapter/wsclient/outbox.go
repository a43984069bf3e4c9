package wsclient

import (
	"context"
	"sync"

	"larkstream/internal/domain"
)

// outbox is the unbounded FIFO feeding the sender loop. Producers never
// block.
type outbox struct {
	mu     sync.Mutex
	items  []*domain.Frame
	notify chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{notify: make(chan struct{}, 1)}
}

// push appends f. It reports false once the outbox is closed.
func (o *outbox) push(f *domain.Frame) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.items = append(o.items, f)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a frame is available or ctx is done.
func (o *outbox) pop(ctx context.Context) (*domain.Frame, error) {
	for {
		o.mu.Lock()
		if len(o.items) > 0 {
			f := o.items[0]
			o.items[0] = nil
			o.items = o.items[1:]
			o.mu.Unlock()
			return f, nil
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-o.notify:
		}
	}
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// close rejects further pushes and discards anything still queued.
func (o *outbox) close() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	n := len(o.items)
	o.items = nil
	return n
}
