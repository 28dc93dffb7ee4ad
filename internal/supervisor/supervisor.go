// Package supervisor owns the set of live workers: it spawns one per task,
// multiplexes their IPC traffic, routes request_user_input to the front end,
// and aggregates the resulting WorkerResults.
//
// Grounded on pkg/parallel/coordinator.go's Coordinator (own many workers,
// run them, collect an ExecutionReport), simplified because this core has no
// auto-merge-to-target-branch step: each worker already owns its worktree
// end to end and the supervisor's job ends at collecting the result.
package supervisor

import (
	"context"
	"sync"

	"github.com/odvcencio/agenttree/internal/errs"
	"github.com/odvcencio/agenttree/internal/ipc"
	"github.com/odvcencio/agenttree/internal/obslog"
	"github.com/odvcencio/agenttree/internal/recorder"
	"github.com/odvcencio/agenttree/internal/worker"
)

// Task describes one unit of work to hand to a fresh worker.
type Task struct {
	ID          string
	BaselineRef string
	Message     string
}

// WorkerHandle is a live worker process: its IPC channel, and a way to reap
// it once the channel traffic is done.
//
//go:generate mockgen -package=supervisor -destination=mock_workerhandle_test.go github.com/odvcencio/agenttree/internal/supervisor WorkerHandle
type WorkerHandle interface {
	Channel() *ipc.Channel
	Wait() error
}

// Launcher starts one worker process for a task and returns a handle to it.
// The supervisor package is agnostic to how a worker is actually launched
// (that is cmd/supervisor's concern); tests supply an in-process fake.
type Launcher func(ctx context.Context, task Task) (WorkerHandle, error)

// UserInputRequest is the decoded payload of a request_user_input message.
type UserInputRequest struct {
	RequestID   string
	Prompt      string
	Constraints any
}

// UserInputHandler forwards a worker's prompt to the human front end and
// returns its response. taskID identifies which worker asked, for a front
// end that multiplexes several tasks.
type UserInputHandler func(ctx context.Context, taskID string, req UserInputRequest) (string, error)

// Outcome is one task's terminal state as observed by the supervisor.
type Outcome struct {
	TaskID string
	Result worker.Result
	// LaunchErr is set instead of Result when the worker could never be
	// started at all (no worktree, no process, nothing to report).
	LaunchErr error
}

// Supervisor spawns and multiplexes a set of workers.
type Supervisor struct {
	launch      Launcher
	onUserInput UserInputHandler
	log         *obslog.Logger
	maxWorkers  int

	mu       sync.Mutex
	channels map[string]*ipc.Channel
}

// New constructs a Supervisor. maxWorkers <= 0 means unbounded.
func New(launch Launcher, onUserInput UserInputHandler, log *obslog.Logger, maxWorkers int) *Supervisor {
	return &Supervisor{
		launch:      launch,
		onUserInput: onUserInput,
		log:         log,
		maxWorkers:  maxWorkers,
		channels:    make(map[string]*ipc.Channel),
	}
}

// Cancel routes a cancel_worker message to the named task's live worker, the
// graceful counterpart to cmd/supervisor's process-group SIGTERM teardown.
// It returns errs.UnknownTask if the task has no live worker (never
// launched, or already finished).
func (s *Supervisor) Cancel(taskID string) error {
	s.mu.Lock()
	channel, ok := s.channels[taskID]
	s.mu.Unlock()
	if !ok {
		return errs.New(errs.UnknownTask, "no live worker for task").WithContext("task_id", taskID)
	}

	msg, err := ipc.NewMessage(ipc.TagCancelWorker, struct{}{})
	if err != nil {
		return err
	}
	return channel.Send(msg)
}

// CancelAll routes cancel_worker to every currently live worker, best
// effort: a send failure for one task does not stop the others.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	channels := make([]*ipc.Channel, 0, len(s.channels))
	for _, channel := range s.channels {
		channels = append(channels, channel)
	}
	s.mu.Unlock()

	msg, err := ipc.NewMessage(ipc.TagCancelWorker, struct{}{})
	if err != nil {
		return
	}
	for _, channel := range channels {
		_ = channel.Send(msg)
	}
}

func (s *Supervisor) registerChannel(taskID string, channel *ipc.Channel) {
	s.mu.Lock()
	s.channels[taskID] = channel
	s.mu.Unlock()
}

func (s *Supervisor) deregisterChannel(taskID string) {
	s.mu.Lock()
	delete(s.channels, taskID)
	s.mu.Unlock()
}

// Run spawns one worker per task, routes their traffic to completion, and
// returns one Outcome per task (in task order, regardless of completion
// order).
func (s *Supervisor) Run(ctx context.Context, tasks []Task) []Outcome {
	outcomes := make([]Outcome, len(tasks))

	var sem chan struct{}
	if s.maxWorkers > 0 {
		sem = make(chan struct{}, s.maxWorkers)
	}

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, t Task) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			outcomes[idx] = s.runOne(ctx, t)
		}(i, task)
	}
	wg.Wait()

	return outcomes
}

func (s *Supervisor) runOne(ctx context.Context, task Task) Outcome {
	handle, err := s.launch(ctx, task)
	if err != nil {
		return Outcome{TaskID: task.ID, LaunchErr: err}
	}
	defer func() {
		if waitErr := handle.Wait(); waitErr != nil && s.log != nil {
			s.log.Warn(obslog.CategorySupervisor, "worker_wait_error").Str("task_id", task.ID).Err(waitErr).Send()
		}
	}()

	channel := handle.Channel()
	s.registerChannel(task.ID, channel)
	defer s.deregisterChannel(task.ID)

	startMsg, err := ipc.NewMessage(ipc.TagStartWorker, struct {
		BaselineRef string `json:"baseline_ref"`
		Task        string `json:"task"`
	}{BaselineRef: task.BaselineRef, Task: task.Message})
	if err != nil {
		return Outcome{TaskID: task.ID, LaunchErr: err}
	}
	if err := channel.Send(startMsg); err != nil {
		return Outcome{TaskID: task.ID, LaunchErr: err}
	}

	var accumulated []recorder.Record

	for {
		msg, err := channel.Recv(ctx)
		if err != nil {
			// Channel closed (or the context was cancelled) before a
			// worker_result arrived: treat it as a crash. Whatever was
			// collected via progress messages is all that survives.
			return Outcome{
				TaskID: task.ID,
				Result: worker.Result{
					Status:   worker.Failed,
					Diff:     "",
					Commands: accumulated,
				},
			}
		}

		switch msg.Tag {
		case ipc.TagRequestUserInput:
			s.handleUserInput(ctx, channel, task.ID, msg)

		case ipc.TagProgress:
			var p struct {
				CommandsDelta []recorder.Record `json:"commands_delta,omitempty"`
			}
			if msg.Decode(&p) == nil && len(p.CommandsDelta) > 0 {
				accumulated = append(accumulated, p.CommandsDelta...)
			}

		case ipc.TagWorkerResult:
			var p struct {
				Summary  string            `json:"summary"`
				Diff     string            `json:"diff"`
				Commands []recorder.Record `json:"commands"`
				Status   worker.Status     `json:"status"`
			}
			if err := msg.Decode(&p); err != nil {
				if s.log != nil {
					s.log.Warn(obslog.CategoryIPC, "decode_failed").Str("tag", string(msg.Tag)).Str("task_id", task.ID).Err(err).Send()
				}
				return Outcome{TaskID: task.ID, LaunchErr: errs.Wrap(err, errs.ProtocolError, "decode worker_result")}
			}
			return Outcome{
				TaskID: task.ID,
				Result: worker.Result{
					Summary:  p.Summary,
					Diff:     p.Diff,
					Commands: p.Commands,
					Status:   p.Status,
				},
			}
		}
	}
}

func (s *Supervisor) handleUserInput(ctx context.Context, channel *ipc.Channel, taskID string, msg ipc.Message) {
	var p struct {
		RequestID   string `json:"request_id"`
		Prompt      string `json:"prompt"`
		Constraints any    `json:"constraints,omitempty"`
	}
	if err := msg.Decode(&p); err != nil {
		if s.log != nil {
			s.log.Warn(obslog.CategoryIPC, "decode_failed").Str("tag", string(msg.Tag)).Str("task_id", taskID).Err(err).Send()
		}
		return
	}

	var response string
	if s.onUserInput != nil {
		response, _ = s.onUserInput(ctx, taskID, UserInputRequest{
			RequestID:   p.RequestID,
			Prompt:      p.Prompt,
			Constraints: p.Constraints,
		})
	}

	reply, err := ipc.NewMessage(ipc.TagUserInputResponse, struct {
		RequestID string `json:"request_id"`
		Response  string `json:"response"`
	}{RequestID: p.RequestID, Response: response})
	if err != nil {
		return
	}
	_ = channel.Send(reply)
}
