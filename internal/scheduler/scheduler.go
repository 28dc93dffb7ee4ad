// Package scheduler implements the sub-agent scheduler: the readers-writer
// admission discipline that lets read-only sub-agents (explore, review) run
// in parallel while a write-capable sub-agent (editor) runs in strict
// mutual exclusion with every other agent in the same worktree.
//
// The admission queue is a single FIFO ordered by arrival (ties broken by a
// monotonic sequence number assigned under the scheduler's lock, which is
// equivalent to arrival order since entries are appended while holding that
// lock). Each scheduling pass scans the queue from the front and admits
// every eligible entry it finds, but stops at the first ineligible entry
// rather than skipping past it. That single rule is what gives writer
// preference: once a pending writer reaches the front of the queue, it
// blocks the scan, so readers that arrive after it are never reached and
// never admitted ahead of it, even though they might individually be
// eligible to run concurrently with whatever is currently active.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/agenttree/internal/errs"
	"github.com/odvcencio/agenttree/internal/obslog"
)

// AgentType is the closed tagged variant of sub-agent kinds.
type AgentType string

const (
	Explore AgentType = "explore"
	Review  AgentType = "review"
	Editor  AgentType = "editor"
)

// ReadOnly reports whether agents of this type run read-only (explore,
// review) versus write-capable (editor). Dispatch throughout the scheduler
// is by this tag, not by a subtype hierarchy, so adding a fourth kind only
// requires extending this function and the variant above.
func (t AgentType) ReadOnly() bool { return t != Editor }

// State is a sub-agent's lifecycle state.
type State string

const (
	Pending   State = "pending"
	Admitted  State = "admitted"
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Result is the outcome of one Run call.
type Result struct {
	AgentID string
	State   State
	Output  string
	Err     error
}

// Config holds the admission knobs recognized by §6 of the specification.
type Config struct {
	WriterDeadline       time.Duration
	MaxConcurrentReaders int
	OnWriterDeadlineExceeded func(agentID string, err error)
}

type entry struct {
	id         string
	typ        AgentType
	seq        uint64
	state      State
	admittedCh chan struct{}
	cancelled  bool
	cancel     context.CancelFunc
}

// Scheduler owns the per-agent execution slots of one worker's worktree.
type Scheduler struct {
	cfg Config
	log *obslog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	nextSeq  uint64
	queue    []*entry
	byID     map[string]*entry
	readers  int
	writerActive bool
	draining bool
}

// New creates a Scheduler for one worker.
func New(cfg Config, log *obslog.Logger) *Scheduler {
	s := &Scheduler{cfg: cfg, log: log, byID: make(map[string]*entry)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// scheduleLocked scans the pending queue from the front, admitting every
// eligible entry and stopping at the first ineligible one. Must be called
// with s.mu held.
func (s *Scheduler) scheduleLocked() {
	if s.draining {
		return
	}
	i := 0
	for i < len(s.queue) {
		e := s.queue[i]
		if e.typ.ReadOnly() {
			if s.writerActive {
				break
			}
			if s.cfg.MaxConcurrentReaders > 0 && s.readers >= s.cfg.MaxConcurrentReaders {
				break
			}
			s.readers++
		} else {
			if s.writerActive || s.readers > 0 {
				break
			}
			s.writerActive = true
		}
		e.state = Admitted
		close(e.admittedCh)
		i++
	}
	s.queue = s.queue[i:]
}

// Run enqueues a sub-agent, blocks until it is admitted (or cancelled while
// pending, or ctx is cancelled), then executes work under the admitted
// slot, and releases the slot on completion. It is the single entry point
// a worker runtime uses to schedule one sub-agent's full lifecycle.
func (s *Scheduler) Run(ctx context.Context, id string, typ AgentType, deadline time.Duration, work func(ctx context.Context) (string, error)) (*Result, error) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, errs.New(errs.SchedulerDrained, "admission refused: scheduler is draining").WithContext("agent_id", id)
	}

	agentCtx, cancelAgent := context.WithCancel(ctx)
	cancel := cancelAgent
	if deadline > 0 {
		dctx, cancelDeadline := context.WithTimeout(agentCtx, deadline)
		agentCtx = dctx
		cancel = func() {
			cancelDeadline()
			cancelAgent()
		}
	}

	s.nextSeq++
	e := &entry{
		id:         id,
		typ:        typ,
		seq:        s.nextSeq,
		state:      Pending,
		admittedCh: make(chan struct{}),
		cancel:     cancel,
	}
	s.byID[id] = e
	s.queue = append(s.queue, e)
	s.scheduleLocked()
	s.mu.Unlock()

	select {
	case <-e.admittedCh:
	case <-ctx.Done():
		s.Cancel(id)
		<-e.admittedCh
	}

	s.mu.Lock()
	if e.cancelled {
		s.mu.Unlock()
		cancel()
		return &Result{AgentID: id, State: Cancelled, Err: context.Canceled}, nil
	}
	e.state = Running
	s.mu.Unlock()

	var deadlineTimer *time.Timer
	if !typ.ReadOnly() && s.cfg.WriterDeadline > 0 {
		deadlineTimer = time.AfterFunc(s.cfg.WriterDeadline, func() {
			warnErr := errs.New(errs.WriterDeadlineWarning, "writer agent exceeded its deadline without completing").
				WithContext("agent_id", id)
			if s.log != nil {
				s.log.Warn(obslog.CategoryScheduler, "writer_deadline_exceeded").
					Str("agent_id", id).Str("code", string(warnErr.Code)).Send()
			}
			if s.cfg.OnWriterDeadlineExceeded != nil {
				s.cfg.OnWriterDeadlineExceeded(id, warnErr)
			}
		})
	}

	output, workErr := work(agentCtx)
	if deadlineTimer != nil {
		deadlineTimer.Stop()
	}
	ctxErr := agentCtx.Err()
	cancel()

	result := &Result{AgentID: id, Output: output}
	switch {
	case workErr == nil:
		result.State = Completed
	case ctxErr == context.Canceled || ctxErr == context.DeadlineExceeded:
		result.State = Cancelled
		result.Err = ctxErr
	default:
		result.State = Failed
		result.Err = workErr
	}

	s.finish(e, result.State)
	return result, nil
}

// finish releases the admitted slot and re-runs the scheduling pass.
func (s *Scheduler) finish(e *entry, terminal State) {
	s.mu.Lock()
	e.state = terminal
	if e.typ.ReadOnly() {
		if s.readers > 0 {
			s.readers--
		}
	} else {
		s.writerActive = false
	}
	delete(s.byID, e.id)
	s.scheduleLocked()
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Cancel moves a pending agent to cancelled synchronously, or signals a
// running agent's context for cooperative cancellation at its next
// suspension point. A second Cancel on an already-cancelled or already
// terminal agent is a no-op (idempotent).
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	e, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.state.Terminal() || e.cancelled {
		s.mu.Unlock()
		return
	}

	if e.state == Pending {
		e.cancelled = true
		e.state = Cancelled
		for i, q := range s.queue {
			if q == e {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		delete(s.byID, e.id)
		close(e.admittedCh)
		s.mu.Unlock()
		s.scheduleAfterRemoval()
		return
	}

	// Running (or already admitted, not yet marked running): signal via
	// context; the agent transitions to cancelled when work() observes
	// ctx.Done() at its next suspension point.
	cancel := e.cancel
	s.mu.Unlock()
	cancel()
}

func (s *Scheduler) scheduleAfterRemoval() {
	s.mu.Lock()
	s.scheduleLocked()
	s.mu.Unlock()
}

// Drain refuses new admissions, cancels any still-pending agents (they can
// never be admitted once draining), and waits for all running agents to
// terminate. It is idempotent: a second call observes draining already set
// and no running agents, and returns immediately.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	s.draining = true
	for _, e := range s.queue {
		if !e.cancelled {
			e.cancelled = true
			e.state = Cancelled
			close(e.admittedCh)
		}
	}
	s.queue = nil
	for s.readers > 0 || s.writerActive {
		s.cond.Wait()
	}
	s.mu.Unlock()
}
