// Package worker assembles the worktree manager, IPC channel, sub-agent
// scheduler, command recorder, and diff collector into the agent loop run
// by one L2 worker process.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/agenttree/internal/config"
	"github.com/odvcencio/agenttree/internal/diffcollect"
	"github.com/odvcencio/agenttree/internal/errs"
	"github.com/odvcencio/agenttree/internal/ipc"
	"github.com/odvcencio/agenttree/internal/obslog"
	"github.com/odvcencio/agenttree/internal/recorder"
	"github.com/odvcencio/agenttree/internal/scheduler"
	"github.com/odvcencio/agenttree/internal/worktree"
)

// Status is a worker's termination cause.
type Status string

const (
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// ExitCode maps a termination Status to the worker process exit code
// recognized by the supervisor's process launch surface.
func (s Status) ExitCode() int {
	switch s {
	case Completed:
		return 0
	case Cancelled:
		return 2
	default:
		return 1
	}
}

// Result is the structured outcome emitted exactly once per worker.
type Result struct {
	Summary  string
	Diff     string
	Commands []recorder.Record
	Status   Status
}

// StartPayload is the payload of the start_worker message. The worker
// prepares its own worktree from BaselineRef (via worktree.Manager.Create)
// rather than receiving a path to an already-prepared one: the worktree is
// worker-owned state for its entire lifetime, and there is no second party
// that could safely touch it between preparation and the worker opening it.
type StartPayload struct {
	BaselineRef string `json:"baseline_ref"`
	Task        string `json:"task"`
}

// AgentExecutor runs one sub-agent's actual work (the model-driven
// reasoning loop is out of scope for this package; callers supply it).
type AgentExecutor func(ctx context.Context, worktreePath, message string) (output string, err error)

// Worker drives one worker process's agent loop.
type Worker struct {
	id      string
	wtMgr   *worktree.Manager
	wt      *worktree.Worktree
	sched   *scheduler.Scheduler
	rec     *recorder.Recorder
	channel *ipc.Channel
	cfg     config.Config
	log     *obslog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	finalized   bool
	progressLen int
	pendingReqs map[string]chan string
}

// New constructs a Worker bound to a freshly created worktree and assembles
// the scheduler, recorder, and IPC channel it will use for its lifetime.
func New(ctx context.Context, wtMgr *worktree.Manager, channel *ipc.Channel, cfg config.Config, log *obslog.Logger, start StartPayload) (*Worker, error) {
	wt, err := wtMgr.Create(ctx, start.BaselineRef)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	scopedLog := log
	if scopedLog != nil {
		scopedLog = scopedLog.WithWorker(id)
	}
	w := &Worker{
		id:    id,
		wtMgr: wtMgr,
		wt:    wt,
		rec:   recorder.New(),
		channel: channel,
		cfg:   cfg,
		log:   scopedLog,
		ctx:   wctx,
		cancel: cancel,
		pendingReqs: make(map[string]chan string),
	}
	w.sched = scheduler.New(scheduler.Config{
		WriterDeadline:       durationFromMS(cfg.Scheduler.WriterDeadlineMS),
		MaxConcurrentReaders: cfg.Scheduler.MaxConcurrentReaders,
		OnWriterDeadlineExceeded: func(agentID string, err error) {
			_ = w.SendProgress(err.Error())
		},
	}, scopedLog)

	go w.receiveLoop()
	return w, nil
}

// Worktree returns the worktree this worker is bound to.
func (w *Worker) Worktree() *worktree.Worktree { return w.wt }

// receiveLoop dispatches S→W messages (cancel_worker, user_input_response)
// for the lifetime of the worker.
func (w *Worker) receiveLoop() {
	for {
		msg, err := w.channel.Recv(w.ctx)
		if err != nil {
			return
		}
		switch msg.Tag {
		case ipc.TagCancelWorker:
			w.Cancel()
		case ipc.TagUserInputResponse:
			var p struct {
				RequestID string `json:"request_id"`
				Response  string `json:"response"`
			}
			if err := msg.Decode(&p); err != nil {
				if w.log != nil {
					w.log.Warn(obslog.CategoryIPC, "decode_failed").Str("tag", string(msg.Tag)).Err(err).Send()
				}
				continue
			}
			w.mu.Lock()
			ch, ok := w.pendingReqs[p.RequestID]
			if ok {
				delete(w.pendingReqs, p.RequestID)
			}
			w.mu.Unlock()
			if ok {
				ch <- p.Response
			}
		}
	}
}

// Cancel requests worker-level shutdown: every pending/running sub-agent
// observes cancellation at its next suspension point.
func (w *Worker) Cancel() {
	w.cancel()
}

// SpawnAgent schedules one sub-agent under the readers-writer discipline
// and runs exec to completion, appending a command record for the
// invocation itself is the caller's responsibility via Record.
func (w *Worker) SpawnAgent(agentID string, agentType scheduler.AgentType, message string, deadline int, exec AgentExecutor) (*scheduler.Result, error) {
	agentLog := w.log
	if agentLog != nil {
		agentLog = agentLog.WithAgent(agentID)
		agentLog.Info(obslog.CategoryWorker, "agent_spawn").Str("agent_type", string(agentType)).Send()
	}

	result, err := w.sched.Run(w.ctx, agentID, agentType, durationFromMS(deadline), func(ctx context.Context) (string, error) {
		return exec(ctx, w.wt.Path, message)
	})

	if agentLog != nil {
		ev := agentLog.Info(obslog.CategoryWorker, "agent_finished")
		if result != nil {
			ev = ev.Str("state", string(result.State))
		}
		ev.Send()
	}
	return result, err
}

// Record appends one command record to this worker's recorder.
func (w *Worker) Record(rec recorder.Record) {
	w.rec.Append(rec)
}

// RequestUserInput sends request_user_input and blocks for the correlated
// response, or until the worker's context is cancelled.
func (w *Worker) RequestUserInput(prompt string, constraints any) (string, error) {
	requestID := uuid.NewString()
	respCh := make(chan string, 1)

	w.mu.Lock()
	w.pendingReqs[requestID] = respCh
	w.mu.Unlock()

	msg, err := ipc.NewMessage(ipc.TagRequestUserInput, struct {
		RequestID  string `json:"request_id"`
		Prompt     string `json:"prompt"`
		Constraints any   `json:"constraints,omitempty"`
	}{RequestID: requestID, Prompt: prompt, Constraints: constraints})
	if err != nil {
		return "", err
	}
	if err := w.channel.Send(msg); err != nil {
		return "", err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-w.ctx.Done():
		return "", w.ctx.Err()
	}
}

// SendProgress emits a progress message carrying the command records
// appended since the last SendProgress call (deltas, per the open-question
// resolution in DESIGN.md).
func (w *Worker) SendProgress(note string) error {
	w.mu.Lock()
	delta := w.rec.Delta(w.progressLen)
	w.progressLen = w.rec.Len()
	w.mu.Unlock()

	msg, err := ipc.NewMessage(ipc.TagProgress, struct {
		CommandsDelta []recorder.Record `json:"commands_delta,omitempty"`
		Note          string            `json:"note,omitempty"`
	}{CommandsDelta: delta, Note: note})
	if err != nil {
		return err
	}
	return w.channel.Send(msg)
}

// Finalize drains the scheduler, computes the diff, and emits exactly one
// worker_result message. It is the only path that produces a Result; it
// must be called exactly once.
func (w *Worker) Finalize(summary string) (*Result, error) {
	w.mu.Lock()
	if w.finalized {
		w.mu.Unlock()
		return nil, errs.New(errs.Internal, "Finalize called more than once")
	}
	w.finalized = true
	w.mu.Unlock()

	w.sched.Drain()

	status := Completed
	cancelled := w.ctx.Err() != nil
	if cancelled {
		status = Cancelled
		if summary == "" {
			summary = "cancelled"
		}
	}

	// The diff always reflects worktree state at finalization, including a
	// cancelled run's partial edits; a collector failure fails the worker
	// (unless it was already cancelled, which takes precedence) and yields
	// an empty diff, never a partial one.
	diff, err := diffcollect.Collect(w.wt.Path, w.wt.BaselineRef, w.log)
	if err != nil {
		if status != Cancelled {
			status = Failed
		}
		diff = ""
		if w.log != nil {
			w.log.Error(obslog.CategoryDiff, "collect_failed").Err(err).Send()
		}
	}

	result := &Result{
		Summary:  summary,
		Diff:     diff,
		Commands: w.rec.Snapshot(),
		Status:   status,
	}

	msg, err := ipc.NewMessage(ipc.TagWorkerResult, struct {
		Summary  string            `json:"summary"`
		Diff     string            `json:"diff"`
		Commands []recorder.Record `json:"commands"`
		Status   Status            `json:"status"`
	}{Summary: result.Summary, Diff: result.Diff, Commands: result.Commands, Status: result.Status})
	if err == nil {
		_ = w.channel.Send(msg)
	}

	_ = w.wtMgr.Dispose(context.Background(), w.wt, w.cfg.Worktree.KeepOnFailure, status != Completed)

	return result, nil
}

func durationFromMS(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
