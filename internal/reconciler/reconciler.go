// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler merges the locally observed benchmark phase with
// the peer-published records in the shared store and produces one
// authoritative phase per call. Agents only ever see their own service
// and an eventually-consistent shared store, so transient disagreement
// with the leader is expected; it is reported as a retryable result,
// never as an operator-visible failure.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"

	"github.com/canonical/benchd/core/phase"
	"github.com/canonical/benchd/internal/store"
)

var logger = loggo.GetLogger("benchd.reconciler")

const (
	// defaultBackoffMin and defaultBackoffMax bound the delay between
	// reconcile retries while waiting for the leader's record to
	// propagate.
	defaultBackoffMin = 5 * time.Second
	defaultBackoffMax = 5 * time.Minute

	// defaultMaxRetries bounds how many consecutive Retry results a
	// divergence episode may produce before it is reported as fatal.
	// The source of truth may legitimately lag, but not forever.
	defaultMaxRetries = 32
)

// WrongStateError reports a transient disagreement between the locally
// observed phase and the leader's group record. It means the leader's
// authoritative update has not propagated yet; callers defer and retry.
type WrongStateError struct {
	Local phase.Phase
	Group phase.Phase
}

// Error is part of the error interface.
func (e *WrongStateError) Error() string {
	return fmt.Sprintf("local phase %q diverges from group phase %q", e.Local, e.Group)
}

// IsWrongStateError reports whether err was caused by local/group
// phase divergence.
func IsWrongStateError(err error) bool {
	_, ok := errors.Cause(err).(*WrongStateError)
	return ok
}

// PhaseSource provides the phase observed from the local service.
type PhaseSource interface {
	LocalPhase(ctx context.Context) (phase.Phase, error)
}

// ResultKind classifies a reconciliation outcome.
type ResultKind string

const (
	// Ready means the phase is authoritative for this call.
	Ready ResultKind = "ready"

	// RetryLater means local and group phases diverge; the caller
	// should repeat the triggering operation after Delay.
	RetryLater ResultKind = "retry"

	// Fatal means reconciliation cannot proceed without intervention.
	Fatal ResultKind = "fatal"
)

// Result is the outcome of one reconciliation call. Exactly the
// fields relevant to Kind are set.
type Result struct {
	Kind ResultKind

	// Phase is the authoritative phase when Kind is Ready.
	Phase phase.Phase

	// Local and Group describe the divergence when Kind is RetryLater.
	Local phase.Phase
	Group phase.Phase

	// Delay is how long the caller should wait before retrying.
	Delay time.Duration

	// Err is set when Kind is Fatal.
	Err error
}

// Config holds the dependencies and tunables of a Reconciler.
type Config struct {
	Status *store.StatusData
	Local  PhaseSource

	// UnitName is this agent's unit, the only unit record it writes.
	UnitName string

	// IsLeader marks the sole writer of the group record.
	IsLeader bool

	// GroupSize is the number of units in the group. With one unit
	// there is nothing to reconcile against.
	GroupSize int

	// BackoffMin, BackoffMax and MaxRetries tune the bounded retry
	// policy for divergence episodes. Zero values take the defaults.
	BackoffMin time.Duration
	BackoffMax time.Duration
	MaxRetries int
}

// Validate ensures that the config values are valid.
func (c *Config) Validate() error {
	if c.Status == nil {
		return errors.NotValidf("missing Status")
	}
	if c.Local == nil {
		return errors.NotValidf("missing Local")
	}
	if c.UnitName == "" {
		return errors.NotValidf("missing UnitName")
	}
	if c.GroupSize < 1 {
		return errors.NotValidf("group size %d", c.GroupSize)
	}
	return nil
}

// Reconciler implements the status state machine. It is invoked
// synchronously and sequentially by the agent's event loop and keeps
// only the divergence episode counter between calls.
type Reconciler struct {
	cfg     Config
	backoff func(time.Duration, int) time.Duration
	retries int
}

// New returns a reconciler using the given config.
func New(cfg Config) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.BackoffMin == 0 {
		cfg.BackoffMin = defaultBackoffMin
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Reconciler{
		cfg:     cfg,
		backoff: retry.ExpBackoff(cfg.BackoffMin, cfg.BackoffMax, 2, true),
	}, nil
}

// Reconcile computes the authoritative phase for this call.
//
// The trivial case first: a group of one, or a group whose records do
// not exist yet, reconciles to the local observation with no writes.
// An error recorded anywhere poisons the whole group. Otherwise the
// agent publishes its local observation; the leader also publishes it
// as group truth and trusts it unconditionally, while a follower
// compares against the group record and defers when it has not caught
// up yet. The follower's own record is always written before the
// divergence is reported, so it is never left stale while
// reconciliation stalls.
func (r *Reconciler) Reconcile(ctx context.Context) Result {
	local, err := r.cfg.Local.LocalPhase(ctx)
	if err != nil {
		return r.fatal(errors.Annotate(err, "observing local service"))
	}

	if r.cfg.GroupSize <= 1 {
		return r.ready(local)
	}

	_, err = r.cfg.Status.UnitPhase(ctx, r.cfg.UnitName)
	if err != nil && !errors.Is(err, errors.NotFound) {
		return r.fatal(errors.Annotate(err, "reading unit record"))
	}
	haveUnit := err == nil

	groupPhase, err := r.cfg.Status.GroupPhase(ctx)
	if err != nil && !errors.Is(err, errors.NotFound) {
		return r.fatal(errors.Annotate(err, "reading group record"))
	}
	haveGroup := err == nil

	// Bootstrap: no peer data to compare against yet.
	if !haveUnit || !haveGroup {
		return r.ready(local)
	}

	poisoned, err := r.cfg.Status.AnyError(ctx)
	if err != nil {
		return r.fatal(errors.Annotate(err, "scanning unit records"))
	}
	if poisoned {
		return r.ready(phase.Error)
	}

	if err := r.cfg.Status.SetUnitPhase(ctx, r.cfg.UnitName, local); err != nil {
		return r.fatal(errors.Annotate(err, "writing unit record"))
	}

	if r.cfg.IsLeader {
		if err := r.cfg.Status.SetGroupPhase(ctx, local); err != nil {
			return r.fatal(errors.Annotate(err, "writing group record"))
		}
		return r.ready(local)
	}

	if local != groupPhase {
		return r.retryLater(local, groupPhase)
	}
	return r.ready(local)
}

func (r *Reconciler) ready(p phase.Phase) Result {
	r.retries = 0
	return Result{Kind: Ready, Phase: p}
}

func (r *Reconciler) retryLater(local, group phase.Phase) Result {
	r.retries++
	if r.retries > r.cfg.MaxRetries {
		return r.fatal(errors.Annotatef(
			&WrongStateError{Local: local, Group: group},
			"group phase did not converge after %d retries", r.cfg.MaxRetries))
	}
	delay := r.backoff(0, r.retries-1)
	logger.Debugf("phase divergence (local %q, group %q), retry %d in %v",
		local, group, r.retries, delay)
	return Result{
		Kind:  RetryLater,
		Local: local,
		Group: group,
		Delay: delay,
	}
}

func (r *Reconciler) fatal(err error) Result {
	r.retries = 0
	return Result{Kind: Fatal, Err: err}
}
