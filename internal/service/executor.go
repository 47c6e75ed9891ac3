// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/juju/errors"

	"github.com/canonical/benchd/core/bench"
)

// commandTimeout bounds the prepare and clean subprocesses. Preparing
// a large dataset is slow but anything beyond a day is a hang.
const commandTimeout = 24 * time.Hour

// ExecutionFailedError reports that the external benchmark command
// itself failed. It surfaces to the operator and poisons the group
// phase to error.
type ExecutionFailedError struct {
	Command string
	Output  string
	Err     error
}

// Error is part of the error interface.
func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("benchmark command %q failed: %v", e.Command, e.Err)
}

// Unwrap returns the underlying subprocess error.
func (e *ExecutionFailedError) Unwrap() error {
	return e.Err
}

// IsExecutionFailedError reports whether err was caused by a failed
// benchmark command.
func IsExecutionFailedError(err error) bool {
	_, ok := errors.Cause(err).(*ExecutionFailedError)
	return ok
}

// CommandRunner runs one command to completion, returning its combined
// output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ExecutorConfig holds the construction options of an Executor.
type ExecutorConfig struct {
	// Runner defaults to running real subprocesses.
	Runner CommandRunner

	// RunnerPath defaults to DefaultRunnerPath.
	RunnerPath string

	// Timeout defaults to commandTimeout.
	Timeout time.Duration
}

// Executor runs the blocking prepare and clean steps of the workload
// runner. Callers treat these as long blocking calls; cancellation
// only happens through the context.
type Executor struct {
	runner  CommandRunner
	binary  string
	timeout time.Duration
}

// NewExecutor returns an executor using the given config.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Runner == nil {
		cfg.Runner = execRunner{}
	}
	if cfg.RunnerPath == "" {
		cfg.RunnerPath = DefaultRunnerPath
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = commandTimeout
	}
	return &Executor{
		runner:  cfg.Runner,
		binary:  cfg.RunnerPath,
		timeout: cfg.Timeout,
	}
}

// Prepare seeds the target database. Leftovers from a previous run are
// cleaned first; a failed clean is ignored since prepare has the final
// word.
func (e *Executor) Prepare(ctx context.Context, opts bench.ExecutionOptions, script string, labels []string) error {
	if err := e.run(ctx, opts, script, "clean", labels); err != nil {
		logger.Debugf("pre-prepare clean failed (ignored): %v", err)
	}
	return errors.Trace(e.run(ctx, opts, script, "prepare", labels))
}

// Clean removes the seeded dataset from the target database.
func (e *Executor) Clean(ctx context.Context, opts bench.ExecutionOptions, script string, labels []string) error {
	return errors.Trace(e.run(ctx, opts, script, "clean", labels))
}

func (e *Executor) run(ctx context.Context, opts bench.ExecutionOptions, script, command string, labels []string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	logger.Infof("running benchmark %s step", command)
	output, err := e.runner.Run(ctx, e.binary, commandArgs(opts, script, command, labels)...)
	if err != nil {
		return &ExecutionFailedError{
			Command: command,
			Output:  string(output),
			Err:     err,
		}
	}
	return nil
}
