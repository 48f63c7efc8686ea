package queue

import (
	"context"
	"sync"
)

// Handle lets a submitter wait for the terminal outcome of a request.
type Handle struct {
	id   string
	done chan struct{}
	once sync.Once
	resp Response
	err  error
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID returns the request id.
func (h *Handle) ID() string { return h.id }

// Done is closed once the request is Completed or Failed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the request reaches a terminal state or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Response, error) {
	select {
	case <-h.done:
		return h.resp, h.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (h *Handle) resolve(resp Response, err error) {
	h.once.Do(func() {
		h.resp = resp
		h.err = err
		close(h.done)
	})
}
