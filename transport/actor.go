package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/chimerapy/engine/logger"
)

// task is one unit of mailbox work: a thunk to run on the actor's single
// goroutine, plus the channel its result is delivered on.
type task struct {
	fn   func(ctx context.Context) (any, error)
	done chan result
}

type result struct {
	value any
	err   error
}

// Actor serializes the tasks submitted to it onto a single goroutine,
// the same way the reference worker pool drains one job at a time per
// worker: each task passed to Submit runs to completion before the next
// starts, so two submitted tasks never race on the same phase/graph
// state. A node Runtime submits all of its signal handlers; the Manager
// and a worker's NodeHandler submit only their register/commit/reset and
// create/destroy operations.
type Actor struct {
	mailbox chan task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *zap.SugaredLogger
}

// NewActor creates a stopped Actor. Call Run to start draining its
// mailbox.
func NewActor(name string, mailboxSize int) *Actor {
	if mailboxSize <= 0 {
		mailboxSize = 256
	}
	return &Actor{
		mailbox: make(chan task, mailboxSize),
		log:     logger.ComponentLogger("transport.actor").With(logger.FieldComponent, name),
	}
}

// Run starts the actor's drain loop against parentCtx. It returns once
// the loop goroutine is launched; call Stop to shut it down.
func (a *Actor) Run(parentCtx context.Context) {
	a.ctx, a.cancel = context.WithCancel(parentCtx)
	a.wg.Add(1)
	go a.loop()
}

func (a *Actor) loop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			a.drain()
			return
		case t := <-a.mailbox:
			if err := a.ctx.Err(); err != nil {
				t.done <- result{err: err}
				continue
			}
			a.execute(t)
		}
	}
}

// drain fails every queued task still in the mailbox once the actor is
// stopping, so callers blocked in Submit don't wait forever.
func (a *Actor) drain() {
	for {
		select {
		case t := <-a.mailbox:
			t.done <- result{err: a.ctx.Err()}
		default:
			return
		}
	}
}

func (a *Actor) execute(t task) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Errorw("recovered panic in actor task", logger.FieldError, r)
			t.done <- result{err: context.Canceled}
		}
	}()
	value, err := t.fn(a.ctx)
	t.done <- result{value: value, err: err}
}

// Submit enqueues fn and blocks until it has run on the actor's
// goroutine (or the actor's context or the caller's ctx ends first).
func (a *Actor) Submit(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	t := task{fn: fn, done: make(chan result, 1)}

	select {
	case a.mailbox <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.ctx.Done():
		return nil, a.ctx.Err()
	}

	select {
	case r := <-t.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop cancels the actor's context and waits for its goroutine to
// exit, draining any tasks still queued.
func (a *Actor) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}
