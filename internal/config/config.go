// Package config defines the runtime knobs recognized by the orchestrator
// core, loaded from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultStdoutTailBytes = 64 * 1024
	DefaultStderrTailBytes = 64 * 1024
	DefaultWriterDeadline  = 0 // disabled
	DefaultKeepOnFailure   = true
	DefaultMaxReaders      = 0 // unlimited
)

// Recorder holds Command Recorder tail-capture limits.
type Recorder struct {
	StdoutTailBytes int `yaml:"stdout_tail_bytes"`
	StderrTailBytes int `yaml:"stderr_tail_bytes"`
}

// Scheduler holds Sub-Agent Scheduler admission knobs.
type Scheduler struct {
	WriterDeadlineMS  int `yaml:"writer_deadline_ms"`
	MaxConcurrentReaders int `yaml:"max_concurrent_readers"`
}

// Worktree holds Worktree Manager disposal policy.
type Worktree struct {
	KeepOnFailure bool `yaml:"keep_worktree_on_failure"`
}

// Observability holds ambient logging configuration.
type Observability struct {
	SessionLogDir string `yaml:"session_log_dir"`
}

// Agent holds sub-agent execution substrate knobs.
type Agent struct {
	PTYInteractive bool `yaml:"pty_interactive"`
}

// Config is the full recognized configuration surface for the core.
type Config struct {
	Recorder      Recorder      `yaml:"recorder"`
	Scheduler     Scheduler     `yaml:"scheduler"`
	Worktree      Worktree      `yaml:"worktree"`
	Observability Observability `yaml:"observability"`
	Agent         Agent         `yaml:"agent"`
}

// Default returns a Config populated with the spec's documented defaults.
func Default() Config {
	return Config{
		Recorder: Recorder{
			StdoutTailBytes: DefaultStdoutTailBytes,
			StderrTailBytes: DefaultStderrTailBytes,
		},
		Scheduler: Scheduler{
			WriterDeadlineMS:     DefaultWriterDeadline,
			MaxConcurrentReaders: DefaultMaxReaders,
		},
		Worktree: Worktree{
			KeepOnFailure: DefaultKeepOnFailure,
		},
	}
}

// Load reads and parses a YAML configuration file, filling unset fields from
// Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
