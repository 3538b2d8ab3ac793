package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrQueueCancelled is the result of tasks dropped by Cancel or pushed after it
	ErrQueueCancelled = errors.New("upload queue cancelled")
	// ErrQueueClosed is the result of tasks pushed after Close
	ErrQueueClosed = errors.New("upload queue closed")
)

// Worker processes one staged page key
type Worker func(ctx context.Context, key string) (*ImportResponse, error)

type task struct {
	key  string
	done chan Result
}

// Queue runs pushed keys through a fixed number of workers. Push never blocks:
// the backlog is unbounded and the producer never waits on uploads.
type Queue struct {
	ctx    context.Context
	worker Worker
	log    zerolog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []task
	running   int
	paused    bool
	cancelled bool
	closed    bool
	onDrain   []func()

	wg sync.WaitGroup
}

// NewQueue starts concurrency workers running worker
func NewQueue(ctx context.Context, concurrency int, worker Worker, log zerolog.Logger) *Queue {
	if concurrency <= 0 {
		concurrency = 1
	}

	q := &Queue{
		ctx:    ctx,
		worker: worker,
		log:    log.With().Str("component", "upload-queue").Logger(),
	}
	q.cond = sync.NewCond(&q.mu)

	q.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go q.loop()
	}

	return q
}

// Push queues key and returns a channel that receives its result
func (q *Queue) Push(key string) <-chan Result {
	done := make(chan Result, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.cancelled:
		done <- Result{Key: key, Err: ErrQueueCancelled}
		close(done)
	case q.closed:
		done <- Result{Key: key, Err: ErrQueueClosed}
		close(done)
	default:
		q.pending = append(q.pending, task{key: key, done: done})
		q.cond.Signal()
	}

	return done
}

// Enqueue pushes key without observing its result
func (q *Queue) Enqueue(key string) {
	q.Push(key)
}

// Pause stops workers from starting new tasks. In-flight tasks finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume lets workers pick up tasks again
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.cond.Broadcast()
}

// Cancel drops every task that has not started and rejects later pushes.
// In-flight tasks run to completion.
func (q *Queue) Cancel() {
	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return
	}
	q.cancelled = true
	dropped := q.pending
	q.pending = nil
	q.cond.Broadcast()
	idle := q.running == 0
	fns := append([]func(){}, q.onDrain...)
	q.mu.Unlock()

	for _, t := range dropped {
		t.done <- Result{Key: t.key, Err: ErrQueueCancelled}
		close(t.done)
	}

	if len(dropped) > 0 {
		q.log.Warn().Str("fn", "Cancel").Int("dropped", len(dropped)).Msg("upload queue cancelled")
	}
	if idle && len(dropped) > 0 {
		runAll(fns)
	}
}

// OnDrain registers fn to run whenever the queue becomes idle with nothing
// pending. If the queue is already idle fn runs before OnDrain returns.
func (q *Queue) OnDrain(fn func()) {
	q.mu.Lock()
	q.onDrain = append(q.onDrain, fn)
	idle := q.idle()
	q.mu.Unlock()

	if idle {
		fn()
	}
}

// Close stops accepting tasks and waits for the workers to finish the backlog
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
}

// Len returns the number of tasks waiting to start
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running returns the number of tasks in flight
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Idle reports whether nothing is pending or in flight
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle()
}

func (q *Queue) idle() bool {
	return q.running == 0 && len(q.pending) == 0
}

func (q *Queue) loop() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for (len(q.pending) == 0 || q.paused) && !q.closed && !q.cancelled {
			q.cond.Wait()
		}
		if q.cancelled || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.running++
		q.mu.Unlock()

		res := q.run(t.key)
		t.done <- res
		close(t.done)

		q.mu.Lock()
		q.running--
		drained := q.idle()
		fns := append([]func(){}, q.onDrain...)
		q.mu.Unlock()

		if drained {
			runAll(fns)
		}
	}
}

func (q *Queue) run(key string) (res Result) {
	res.Key = key
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("upload of %s panicked: %v", key, r)
			q.log.Error().Str("fn", "run").Str("key", key).Interface("panic", r).Msg("upload worker panicked")
		}
	}()

	res.Response, res.Err = q.worker(q.ctx, key)
	return res
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
