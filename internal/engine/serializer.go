package engine

import (
	"context"
	"sync"

	"github.com/ddjk/transaction-engine/internal/metrics"
)

// task is one command waiting in a user's queue.
type task struct {
	ctx  context.Context
	cmd  Command
	done chan outcome
}

type outcome struct {
	result any
	err    error
}

// userQueue holds a user's pending commands. running is true while a
// drain goroutine owns the queue.
type userQueue struct {
	tasks   []task
	running bool
}

// Serializer runs commands so that commands for the same user execute
// strictly in arrival order, while different users proceed in
// parallel. This is what makes BUY-then-COMMIT_BUY well defined under
// concurrent clients.
type Serializer struct {
	engine *Engine

	mu     sync.Mutex
	queues map[string]*userQueue
}

func NewSerializer(engine *Engine) *Serializer {
	return &Serializer{
		engine: engine,
		queues: make(map[string]*userQueue),
	}
}

// Submit enqueues cmd on its user's queue and blocks until it has
// executed. Commands with no username (DUMPLOG of everything) share
// one queue under the empty key.
func (s *Serializer) Submit(ctx context.Context, cmd Command) (any, error) {
	t := task{ctx: ctx, cmd: cmd, done: make(chan outcome, 1)}

	s.mu.Lock()
	q, ok := s.queues[cmd.Username]
	if !ok {
		q = &userQueue{}
		s.queues[cmd.Username] = q
	}
	q.tasks = append(q.tasks, t)
	if !q.running {
		q.running = true
		metrics.ActiveWorkers.Inc()
		go s.drain(cmd.Username, q)
	}
	s.mu.Unlock()

	select {
	case out := <-t.done:
		return out.result, out.err
	case <-ctx.Done():
		// The task still runs in order; the caller just stops waiting.
		return nil, ctx.Err()
	}
}

// drain executes the queue head-first until it is empty, then exits.
// Only one drain goroutine exists per user at a time.
func (s *Serializer) drain(username string, q *userQueue) {
	for {
		s.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			delete(s.queues, username)
			s.mu.Unlock()
			metrics.ActiveWorkers.Dec()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		s.mu.Unlock()

		result, err := s.engine.Execute(t.ctx, t.cmd)
		t.done <- outcome{result: result, err: err}
	}
}
