package worker

import (
	"context"
	"sync"
)

// LocalTransport runs a Handler on its own goroutine inside this process.
// Requests are handled one at a time in arrival order.
type LocalTransport struct {
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	in  chan Request
	out chan Response

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLocalTransport starts serving h
func NewLocalTransport(h Handler) *LocalTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &LocalTransport{
		handler: h,
		ctx:     ctx,
		cancel:  cancel,
		in:      make(chan Request, defaultMailboxSize),
		out:     make(chan Response, defaultMailboxSize),
	}
	t.wg.Add(1)
	go t.serve()
	return t
}

func (t *LocalTransport) serve() {
	defer t.wg.Done()
	for {
		select {
		case req := <-t.in:
			resp := safeHandle(t.ctx, t.handler, req)
			select {
			case t.out <- resp:
			case <-t.ctx.Done():
				return
			}
		case <-t.ctx.Done():
			return
		}
	}
}

// Send queues req for the handler
func (t *LocalTransport) Send(req Request) error {
	select {
	case t.in <- req:
		return nil
	case <-t.ctx.Done():
		return ErrClosed
	}
}

// Recv returns the next handler response
func (t *LocalTransport) Recv() (Response, error) {
	select {
	case resp := <-t.out:
		return resp, nil
	case <-t.ctx.Done():
		return Response{}, ErrClosed
	}
}

// Close stops the handler goroutine
func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.wg.Wait()
	})
	return nil
}

// NewLocalClient is shorthand for a Client over a LocalTransport
func NewLocalClient(h Handler, opts ...Option) *Client {
	return NewClient(NewLocalTransport(h), opts...)
}
