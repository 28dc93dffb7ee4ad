// Command supervisor is the L1 process: it spawns one worker subprocess per
// task, routes user-input prompts to the terminal, and prints the
// aggregated results when every worker has reported in or crashed.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/odvcencio/agenttree/internal/ipc"
	"github.com/odvcencio/agenttree/internal/obslog"
	"github.com/odvcencio/agenttree/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	repoPath := flag.String("repo", "", "path to the git repository workers branch their worktrees from")
	baselineRef := flag.String("baseline", "HEAD", "baseline revision each worker starts from")
	workerPath := flag.String("worker-bin", "", "path to the worker binary (default: look up agenttree-worker on PATH)")
	maxWorkers := flag.Int("max-workers", 0, "cap on concurrently running workers (0 = unbounded)")
	sessionLogDir := flag.String("session-log-dir", "", "directory for session JSON-lines logs")
	flag.Parse()

	tasks := flag.Args()
	if *repoPath == "" || len(tasks) == 0 {
		fmt.Fprintln(os.Stderr, "usage: supervisor -repo <path> [-baseline <ref>] <task> [<task> ...]")
		return 1
	}

	log, err := obslog.New(*sessionLogDir, sessionID())
	if err != nil {
		fmt.Fprintln(os.Stderr, "supervisor: logger init failed, continuing without it:", err)
		log = nil
	} else {
		defer log.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	binPath := resolveWorkerBinary(*workerPath)

	launch := processLauncher(binPath, *repoPath)
	onUserInput := terminalPrompt()

	sup := supervisor.New(launch, onUserInput, log, *maxWorkers)

	// Best-effort graceful shutdown: on SIGINT/SIGTERM, ask every live worker
	// to wind down via cancel_worker before the process-group kill (wired
	// through cmd.Cancel in processLauncher) forces the issue.
	go func() {
		<-ctx.Done()
		sup.CancelAll()
	}()

	supTasks := make([]supervisor.Task, len(tasks))
	for i, t := range tasks {
		supTasks[i] = supervisor.Task{ID: fmt.Sprintf("task-%d", i+1), BaselineRef: *baselineRef, Message: t}
	}

	outcomes := sup.Run(ctx, supTasks)

	exitCode := 0
	for _, o := range outcomes {
		if o.LaunchErr != nil {
			fmt.Printf("%s: launch failed: %v\n", o.TaskID, o.LaunchErr)
			exitCode = 1
			continue
		}
		fmt.Printf("%s: %s\n", o.TaskID, o.Result.Status)
		fmt.Printf("  summary: %s\n", o.Result.Summary)
		fmt.Printf("  commands recorded: %d\n", len(o.Result.Commands))
		if o.Result.Diff != "" {
			fmt.Println("  diff:")
			fmt.Println(o.Result.Diff)
		}
		if string(o.Result.Status) != "completed" {
			exitCode = 1
		}
	}
	return exitCode
}

// processLauncher spawns one worker subprocess per task, wiring its
// stdin/stdout as the framed IPC channel and its stderr to the supervisor's
// own, per the environment surface in SPEC_FULL.md §6.
func processLauncher(binPath, repoPath string) supervisor.Launcher {
	return func(ctx context.Context, task supervisor.Task) (supervisor.WorkerHandle, error) {
		cmd := exec.CommandContext(ctx, binPath, "-repo", repoPath)
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(),
			"AGENTTREE_HELPER_PATH="+helperSearchPath(binPath),
			"AGENTTREE_MANAGED_BY=agenttree-supervisor",
		)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}

		cmd.SysProcAttr = processGroupAttr()
		cmd.Cancel = func() error {
			return terminateProcessGroup(cmd)
		}
		cmd.WaitDelay = 5 * time.Second

		if err := cmd.Start(); err != nil {
			return nil, err
		}

		channel := ipc.New(stdout, stdin)
		return &processHandle{cmd: cmd, channel: channel}, nil
	}
}

type processHandle struct {
	cmd     *exec.Cmd
	channel *ipc.Channel
}

func (h *processHandle) Channel() *ipc.Channel { return h.channel }

func (h *processHandle) Wait() error {
	h.channel.Close()
	return h.cmd.Wait()
}

func terminalPrompt() supervisor.UserInputHandler {
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, taskID string, req supervisor.UserInputRequest) (string, error) {
		fmt.Printf("[%s] %s\n> ", taskID, req.Prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		return trimNewline(line), nil
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func resolveWorkerBinary(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p, err := exec.LookPath("agenttree-worker"); err == nil {
		return p
	}
	return "agenttree-worker"
}

func helperSearchPath(binPath string) string {
	if dir := os.Getenv("AGENTTREE_HELPER_PATH"); dir != "" {
		return dir
	}
	return dirOf(binPath)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func sessionID() string {
	if id := os.Getenv("AGENTTREE_SESSION_ID"); id != "" {
		return id
	}
	return fmt.Sprintf("supervisor-%d", os.Getpid())
}
