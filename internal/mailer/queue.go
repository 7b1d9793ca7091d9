package mailer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrQueueFull is returned when the delivery buffer has no room.
var ErrQueueFull = errors.New("mailer: queue full")

// ErrQueueClosed is returned for sends after Close.
var ErrQueueClosed = errors.New("mailer: queue closed")

type job struct {
	ctx   context.Context
	email Email
}

// Queue hands messages to a background worker so callers return before the
// relay is contacted. Send latency is the same whether or not a message is
// eventually delivered.
type Queue struct {
	next   Sender
	jobs   chan job
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ Sender = (*Queue)(nil)

// NewQueue buffers up to size messages in front of next.
func NewQueue(next Sender, size int, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Queue{
		next:   next,
		jobs:   make(chan job, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Send enqueues email. The request context is detached from cancellation
// so delivery outlives the request, but keeps its values for tracing.
func (q *Queue) Send(ctx context.Context, email Email) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job{ctx: context.WithoutCancel(ctx), email: email}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued messages until Close, then drains what is left.
func (q *Queue) Run() {
	defer close(q.done)
	for j := range q.jobs {
		if err := q.next.Send(j.ctx, j.email); err != nil {
			q.logger.Error("deliver email", zap.Strings("to", j.email.To), zap.Error(err))
		}
	}
}

// Close stops accepting messages and waits for Run to drain the buffer or
// for ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartQueue runs q for the lifetime of the application.
func StartQueue(lc fx.Lifecycle, q *Queue) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go q.Run()
			return nil
		},
		OnStop: q.Close,
	})
}
