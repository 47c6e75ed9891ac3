// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service controls the local long-running benchmark service:
// its systemd unit, the prepared marker and the prepare/clean
// subprocess. The rest of the agent only consumes the Controller
// interface; the process protocol behind it is not its business.
package service

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/canonical/benchd/core/bench"
	"github.com/canonical/benchd/core/phase"
)

var logger = loggo.GetLogger("benchd.service")

// Controller queries and drives the benchmark service. All operations
// are idempotent: starting a running service or resetting an already
// clean one is a no-op.
type Controller interface {
	// IsPrepared reports whether the prepare step has completed.
	IsPrepared(ctx context.Context) (bool, error)

	// IsRunning reports whether the benchmark service is active.
	IsRunning(ctx context.Context) (bool, error)

	// IsStopped reports whether the service is prepared but neither
	// running nor failed.
	IsStopped(ctx context.Context) (bool, error)

	// IsFailed reports whether the service has failed.
	IsFailed(ctx context.Context) (bool, error)

	// Start starts the benchmark service. No-op when already running.
	Start(ctx context.Context) error

	// Stop stops the benchmark service. No-op when already stopped.
	Stop(ctx context.Context) error

	// RenderAndApply writes the service definition for the given
	// execution and reloads the service manager.
	RenderAndApply(ctx context.Context, opts bench.ExecutionOptions, script string, labels []string) error

	// MarkPrepared persists the marker recording that the prepare
	// step completed.
	MarkPrepared(ctx context.Context) error

	// Reset removes all persisted markers and configuration. It
	// tolerates missing files and never fails on already-clean state.
	Reset(ctx context.Context) error
}

// LocalPhase derives the locally observed execution phase from the
// controller's view of the service.
func LocalPhase(ctx context.Context, ctl Controller) (phase.Phase, error) {
	prepared, err := ctl.IsPrepared(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}
	if !prepared {
		return phase.Unset, nil
	}
	failed, err := ctl.IsFailed(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}
	if failed {
		return phase.Error, nil
	}
	running, err := ctl.IsRunning(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}
	if running {
		return phase.Running, nil
	}
	stopped, err := ctl.IsStopped(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}
	if stopped {
		return phase.Stopped, nil
	}
	return phase.Prepared, nil
}

// PhaseSource adapts a Controller to the reconciler's view of the
// locally observed phase.
type PhaseSource struct {
	Controller Controller
}

// LocalPhase returns the phase observed from the local service.
func (s PhaseSource) LocalPhase(ctx context.Context) (phase.Phase, error) {
	p, err := LocalPhase(ctx, s.Controller)
	return p, errors.Trace(err)
}
