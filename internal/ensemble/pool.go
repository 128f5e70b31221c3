package ensemble

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"mood-ensemble/internal/ml"

	"github.com/rs/zerolog/log"
)

var (
	ErrPoolClosed = errors.New("worker pool closed")
	ErrTaskPanic  = errors.New("task panicked")
)

// Task is one unit of branch work.
type Task func(ctx context.Context) (ml.Prediction, error)

// Outcome is what a worker delivers for a submitted task.
type Outcome struct {
	Prediction ml.Prediction
	Err        error
}

type job struct {
	ctx  context.Context
	task Task
	done chan Outcome
}

// Pool runs tasks on a fixed set of worker goroutines fed by a bounded queue.
// It is safe for concurrent use.
type Pool struct {
	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	// senders counts Submit calls that may still send on jobs; jobs is
	// closed only after it drops to zero.
	senders sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts workers goroutines reading from a queue of queueSize.
func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	p := &Pool{
		jobs: make(chan job, queueSize),
		quit: make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Submit queues task and returns a channel that receives exactly one
// Outcome. Submission blocks while the queue is full, until ctx is done or
// the pool shuts down. The task runs with ctx; a task whose ctx expired
// before it was picked up is not started.
func (p *Pool) Submit(ctx context.Context, task Task) (<-chan Outcome, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.senders.Add(1)
	p.mu.Unlock()
	defer p.senders.Done()

	done := make(chan Outcome, 1)
	select {
	case p.jobs <- job{ctx: ctx, task: task, done: done}:
		return done, nil
	case <-p.quit:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting tasks, releases blocked submitters and waits for
// queued and running tasks to finish, or for ctx to end. It can be called
// more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	first := !p.closed
	p.closed = true
	p.mu.Unlock()

	if first {
		close(p.quit)
		go func() {
			p.senders.Wait()
			close(p.jobs)
		}()
	}

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		j.done <- execute(id, j)
	}
}

func execute(id int, j job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int("worker", id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("task panicked")
			out = Outcome{Err: fmt.Errorf("%w: %v", ErrTaskPanic, r)}
		}
	}()

	if err := j.ctx.Err(); err != nil {
		return Outcome{Err: err}
	}
	pred, err := j.task(j.ctx)
	return Outcome{Prediction: pred, Err: err}
}
