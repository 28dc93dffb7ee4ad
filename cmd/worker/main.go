// Command worker is the L2 process launched once per task by the
// supervisor: it owns one worktree, runs the sub-agent scheduler over it,
// and reports exactly one WorkerResult before exiting.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/odvcencio/agenttree/internal/config"
	"github.com/odvcencio/agenttree/internal/errs"
	"github.com/odvcencio/agenttree/internal/ipc"
	"github.com/odvcencio/agenttree/internal/obslog"
	"github.com/odvcencio/agenttree/internal/recorder"
	"github.com/odvcencio/agenttree/internal/scheduler"
	"github.com/odvcencio/agenttree/internal/worker"
	"github.com/odvcencio/agenttree/internal/worktree"
)

func main() {
	os.Exit(run())
}

func run() int {
	repoPath := flag.String("repo", "", "path to the git repository to branch the worktree from")
	worktreeRoot := flag.String("worktree-root", "", "parent directory for new worktrees (default: alongside the repo)")
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "worker: load config:", err)
			return 1
		}
		cfg = loaded
	}

	if *repoPath == "" {
		fmt.Fprintln(os.Stderr, "worker: -repo is required")
		return 1
	}

	var log *obslog.Logger
	if l, err := obslog.New(cfg.Observability.SessionLogDir, sessionIDFromEnv()); err == nil {
		log = l
		defer log.Close()
	} else {
		fmt.Fprintln(os.Stderr, "worker: logger init failed, continuing without it:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	channel := ipc.New(os.Stdin, os.Stdout)

	startMsg, err := channel.Recv(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: read start_worker:", err)
		return 3
	}
	if startMsg.Tag != ipc.TagStartWorker {
		fmt.Fprintln(os.Stderr, "worker: expected start_worker, got", startMsg.Tag)
		return 3
	}
	var start worker.StartPayload
	if err := startMsg.Decode(&start); err != nil {
		fmt.Fprintln(os.Stderr, "worker: decode start_worker:", err)
		return 3
	}

	wtMgr, err := worktree.NewManager(*repoPath, *worktreeRoot, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: worktree manager:", err)
		return 1
	}

	w, err := worker.New(ctx, wtMgr, channel, cfg, log, start)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: start:", err)
		return exitCodeForError(err)
	}

	// The model-driven decision of which sub-agents to spawn and what to
	// tell them is out of scope here; a single editor agent carries out the
	// task as an opaque shell command, exercising the scheduler, recorder,
	// and diff collector end to end.
	res, runErr := w.SpawnAgent("primary", scheduler.Editor, start.Task, 0, shellExecutor(w, cfg))
	if runErr == nil && res != nil && res.State == scheduler.Failed {
		runErr = res.Err
	}
	if runErr != nil && log != nil {
		log.Warn(obslog.CategoryWorker, "primary_agent_failed").Err(runErr).Send()
	}

	result, err := w.Finalize(summaryFor(runErr))
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: finalize:", err)
		return 1
	}
	return result.Status.ExitCode()
}

func summaryFor(runErr error) string {
	if runErr != nil {
		return "task failed: " + runErr.Error()
	}
	return "task completed"
}

// shellExecutor runs a sub-agent's message as an opaque shell command in the
// worktree, recording the invocation. It stands in for the model-driven
// agent loop, which lives outside this core. When pty_interactive is set,
// the command runs attached to a pseudo-terminal instead of plain pipes, for
// sub-agent commands that behave differently under a tty (progress bars,
// prompts); both paths feed the same tail buffers and command record.
func shellExecutor(w *worker.Worker, cfg config.Config) worker.AgentExecutor {
	if cfg.Agent.PTYInteractive {
		return ptyExecutor(w, cfg)
	}
	return func(ctx context.Context, worktreePath, message string) (string, error) {
		start := time.Now()

		cmd := exec.CommandContext(ctx, "sh", "-c", message)
		cmd.Dir = worktreePath
		stdout := recorder.NewTailBuffer(cfg.Recorder.StdoutTailBytes)
		stderr := recorder.NewTailBuffer(cfg.Recorder.StderrTailBytes)
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		runErr := cmd.Run()
		exitCode := 0
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if runErr != nil {
			exitCode = -1
		}

		w.Record(recorder.Record{
			Cmd:        message,
			ExitCode:   exitCode,
			StdoutTail: stdout.String(),
			StderrTail: stderr.String(),
			DurationMS: time.Since(start).Milliseconds(),
			AgentID:    "primary",
		})

		if runErr != nil && exitErr == nil {
			return stdout.String(), errs.Wrap(runErr, errs.AgentFailed, "run sub-agent command")
		}
		if exitCode != 0 {
			return stdout.String(), errs.New(errs.AgentFailed, "sub-agent command exited non-zero").WithContext("exit_code", exitCode)
		}
		return stdout.String(), nil
	}
}

// ptyExecutor runs the sub-agent command attached to a pseudo-terminal
// instead of plain stdout/stderr pipes, for commands that render
// differently when they detect a tty. All PTY output is interleaved, so it
// is recorded into the stdout tail only; stderr stays empty in this mode.
func ptyExecutor(w *worker.Worker, cfg config.Config) worker.AgentExecutor {
	return func(ctx context.Context, worktreePath, message string) (string, error) {
		start := time.Now()

		cmd := exec.CommandContext(ctx, "sh", "-c", message)
		cmd.Dir = worktreePath

		ptmx, err := pty.Start(cmd)
		if err != nil {
			return "", errs.Wrap(err, errs.AgentFailed, "start pty for sub-agent command")
		}
		defer ptmx.Close()

		stdout := recorder.NewTailBuffer(cfg.Recorder.StdoutTailBytes)
		_, copyErr := io.Copy(stdout, ptmx)
		// A dead child's pty master reliably returns an I/O error on read
		// once the slave side closes; that is the normal end-of-output
		// signal here, not a failure in its own right.
		_ = copyErr

		runErr := cmd.Wait()
		exitCode := 0
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if runErr != nil {
			exitCode = -1
		}

		w.Record(recorder.Record{
			Cmd:        message,
			ExitCode:   exitCode,
			StdoutTail: stdout.String(),
			DurationMS: time.Since(start).Milliseconds(),
			AgentID:    "primary",
		})

		if runErr != nil && exitErr == nil {
			return stdout.String(), errs.Wrap(runErr, errs.AgentFailed, "run sub-agent command under pty")
		}
		if exitCode != 0 {
			return stdout.String(), errs.New(errs.AgentFailed, "sub-agent command exited non-zero").WithContext("exit_code", exitCode)
		}
		return stdout.String(), nil
	}
}

func sessionIDFromEnv() string {
	if id := os.Getenv("AGENTTREE_SESSION_ID"); id != "" {
		return id
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	if errs.Is(err, errs.ProtocolError) {
		return 3
	}
	return 1
}
