// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package agent runs the benchmark agent's event loop. Actions arrive
// over the hub from the HTTP API, relation changes arrive from the
// payload watcher, and every event ends with a status reconciliation
// whose outcome is what operators see.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
	"gopkg.in/tomb.v2"

	"github.com/canonical/benchd/core/bench"
	"github.com/canonical/benchd/core/phase"
	"github.com/canonical/benchd/internal/reconciler"
	"github.com/canonical/benchd/internal/relation"
	"github.com/canonical/benchd/internal/service"
	"github.com/canonical/benchd/internal/store"
)

var logger = loggo.GetLogger("benchd.agent")

// Hub topics carrying benchmark actions to the agent.
const (
	PrepareTopic = "action.prepare"
	RunTopic     = "action.run"
	StopTopic    = "action.stop"
	CleanTopic   = "action.clean"
)

const relationChangedEvent = "relation-changed"

var actionTopics = map[string]string{
	"prepare": PrepareTopic,
	"run":     RunTopic,
	"stop":    StopTopic,
	"clean":   CleanTopic,
}

// Actions returns the action names the agent accepts.
func Actions() set.Strings {
	actions := set.NewStrings()
	for name := range actionTopics {
		actions.Add(name)
	}
	return actions
}

// ActionTopic maps an action name to the hub topic it is published on.
func ActionTopic(name string) (string, bool) {
	topic, ok := actionTopics[name]
	return topic, ok
}

// StatusInfo is the agent status reported to operators.
type StatusInfo struct {
	Phase   phase.Phase `json:"phase"`
	Message string      `json:"message,omitempty"`
	Blocked bool        `json:"blocked,omitempty"`
}

// WorkerConfig holds the dependencies of the agent worker.
type WorkerConfig struct {
	Hub        *pubsub.SimpleHub
	Clock      clock.Clock
	Status     *store.StatusData
	Reconciler *reconciler.Reconciler
	Selector   *relation.Selector
	Controller service.Controller
	Executor   *service.Executor

	// Metrics is optional; without it the agent simply does not
	// record instrumentation.
	Metrics *Collector

	UnitName  string
	IsLeader  bool
	GroupSize int

	// Threads and Duration parameterise every execution started by
	// this agent.
	Threads  int
	Duration int
}

// Validate ensures that the config values are valid.
func (c *WorkerConfig) Validate() error {
	if c.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Status == nil {
		return errors.NotValidf("missing Status")
	}
	if c.Reconciler == nil {
		return errors.NotValidf("missing Reconciler")
	}
	if c.Selector == nil {
		return errors.NotValidf("missing Selector")
	}
	if c.Controller == nil {
		return errors.NotValidf("missing Controller")
	}
	if c.Executor == nil {
		return errors.NotValidf("missing Executor")
	}
	if c.UnitName == "" {
		return errors.NotValidf("missing UnitName")
	}
	if c.GroupSize < 1 {
		return errors.NotValidf("group size %d", c.GroupSize)
	}
	if c.Threads < 1 {
		return errors.NotValidf("thread count %d", c.Threads)
	}
	return nil
}

// Worker is the agent's event loop. Events are handled strictly
// sequentially; the hub callbacks only ever enqueue.
type Worker struct {
	tomb tomb.Tomb
	cfg  WorkerConfig

	events chan string

	mu      sync.Mutex
	info    StatusInfo
	blocked string
}

// NewWorker starts the agent event loop.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		cfg:    cfg,
		events: make(chan string, 16),
		info:   StatusInfo{Phase: phase.Unset},
	}
	var unsubs []func()
	for name, topic := range actionTopics {
		name := name
		unsubs = append(unsubs, cfg.Hub.Subscribe(topic, func(string, interface{}) {
			w.enqueue(name)
		}))
	}
	unsubs = append(unsubs, cfg.Hub.Subscribe(relation.ChangedTopic, func(string, interface{}) {
		w.enqueue(relationChangedEvent)
	}))
	w.tomb.Go(func() error {
		defer func() {
			for _, unsub := range unsubs {
				unsub()
			}
		}()
		return w.loop()
	})
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

// Report returns the agent's current externally visible status.
func (w *Worker) Report() StatusInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.info
}

func (w *Worker) enqueue(event string) {
	select {
	case w.events <- event:
	case <-w.tomb.Dying():
	}
}

func (w *Worker) loop() error {
	ctx := w.tomb.Context(context.Background())
	if err := w.seedRecords(ctx); err != nil {
		return errors.Trace(err)
	}
	retry := w.reportStatus(ctx)
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case event := <-w.events:
			w.handle(ctx, event)
			retry = w.reportStatus(ctx)
		case <-retry:
			retry = w.reportStatus(ctx)
		}
	}
}

// seedRecords publishes initial status records so peers have something
// to reconcile against as soon as the group forms. The records default
// to the unset phase; the first reconciliation overwrites them with
// the observed one.
func (w *Worker) seedRecords(ctx context.Context) error {
	if w.cfg.GroupSize <= 1 {
		return nil
	}
	if _, err := w.cfg.Status.UnitPhase(ctx, w.cfg.UnitName); errors.Is(err, errors.NotFound) {
		if err := w.cfg.Status.SetUnitPhase(ctx, w.cfg.UnitName, phase.Unset); err != nil {
			return errors.Trace(err)
		}
	} else if err != nil {
		return errors.Trace(err)
	}
	if !w.cfg.IsLeader {
		return nil
	}
	if _, err := w.cfg.Status.GroupPhase(ctx); errors.Is(err, errors.NotFound) {
		if err := w.cfg.Status.SetGroupPhase(ctx, phase.Unset); err != nil {
			return errors.Trace(err)
		}
	} else if err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, event string) {
	var err error
	switch event {
	case "prepare":
		err = w.prepare(ctx)
	case "run":
		err = w.run(ctx)
	case "stop":
		err = w.cfg.Controller.Stop(ctx)
	case "clean":
		err = w.clean(ctx)
	case relationChangedEvent:
		// Nothing to do beyond the reconciliation that follows.
		logger.Debugf("relation data changed")
		return
	default:
		logger.Warningf("ignoring unknown event %q", event)
		return
	}

	result := "success"
	switch {
	case err == nil:
		w.setBlocked("")
	case bench.IsMissingOptionsError(err),
		relation.IsMultipleConnectionsError(err),
		errors.Is(err, errors.NotFound):
		// Operator-fixable configuration problems block the action
		// without poisoning the group.
		result = "blocked"
		logger.Warningf("action %q blocked: %v", event, err)
		w.setBlocked(err.Error())
	case service.IsExecutionFailedError(err):
		result = "error"
		logger.Errorf("action %q failed: %v", event, err)
		w.setBlocked(err.Error())
		w.poison(ctx)
	default:
		result = "error"
		logger.Errorf("action %q failed: %v", event, err)
		w.setBlocked(err.Error())
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.actionResult(event, result)
	}
}

// poison records this unit's error in the shared store so every peer
// reconciles to the error phase until an explicit clean.
func (w *Worker) poison(ctx context.Context) {
	if w.cfg.GroupSize <= 1 {
		return
	}
	if err := w.cfg.Status.SetUnitPhase(ctx, w.cfg.UnitName, phase.Error); err != nil {
		logger.Errorf("recording error phase: %v", err)
	}
}

func (w *Worker) prepare(ctx context.Context) error {
	opts, script, err := w.execution()
	if err != nil {
		return errors.Trace(err)
	}
	if err := w.cfg.Executor.Prepare(ctx, opts, script, []string{w.cfg.UnitName}); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(w.cfg.Controller.MarkPrepared(ctx))
}

// run renders the service unit before starting it, so every run picks
// up the current connection details and tunables.
func (w *Worker) run(ctx context.Context) error {
	opts, script, err := w.execution()
	if err != nil {
		return errors.Trace(err)
	}
	if err := w.cfg.Controller.RenderAndApply(ctx, opts, script, []string{w.cfg.UnitName}); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(w.cfg.Controller.Start(ctx))
}

func (w *Worker) clean(ctx context.Context) error {
	// Database cleanup needs a usable connection; when none remains
	// there is nothing left to clean remotely.
	if opts, script, err := w.execution(); err == nil {
		if err := w.cfg.Executor.Clean(ctx, opts, script, []string{w.cfg.UnitName}); err != nil {
			logger.Warningf("database cleanup failed: %v", err)
		}
	} else {
		logger.Debugf("skipping database cleanup: %v", err)
	}
	if err := w.cfg.Controller.Reset(ctx); err != nil {
		return errors.Trace(err)
	}
	if w.cfg.GroupSize > 1 {
		if err := w.cfg.Status.Reset(ctx, w.cfg.UnitName, w.cfg.IsLeader); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (w *Worker) execution() (bench.ExecutionOptions, string, error) {
	candidate, err := w.cfg.Selector.Candidate()
	if err != nil {
		return bench.ExecutionOptions{}, "", errors.Trace(err)
	}
	opts, err := bench.NewExecutionOptions(candidate, w.cfg.Threads, w.cfg.Duration)
	if err != nil {
		return bench.ExecutionOptions{}, "", errors.Trace(err)
	}
	script, ok, err := w.cfg.Selector.ScriptPath()
	if err != nil {
		return bench.ExecutionOptions{}, "", errors.Trace(err)
	}
	if !ok {
		return bench.ExecutionOptions{}, "", errors.NotFoundf("workload script")
	}
	return opts, script, nil
}

// reportStatus reconciles and publishes the authoritative status. The
// returned channel is non-nil when reconciliation asked to be retried;
// it fires when the retry is due.
func (w *Worker) reportStatus(ctx context.Context) <-chan time.Time {
	result := w.cfg.Reconciler.Reconcile(ctx)
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.reconcileResult(result)
	}
	switch result.Kind {
	case reconciler.Ready:
		w.setPhase(result.Phase)
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.observePhase(result.Phase)
		}
		return nil
	case reconciler.RetryLater:
		logger.Infof("local phase %q awaiting group record %q, retrying in %v",
			result.Local, result.Group, result.Delay)
		w.setDiverged(result.Local, result.Group)
		return w.cfg.Clock.After(result.Delay)
	case reconciler.Fatal:
		logger.Errorf("status reconciliation failed: %v", result.Err)
		w.setFatal(result.Err)
		return nil
	}
	return nil
}

func (w *Worker) setPhase(p phase.Phase) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.info = StatusInfo{
		Phase:   p,
		Message: w.blocked,
		Blocked: w.blocked != "",
	}
}

func (w *Worker) setDiverged(local, group phase.Phase) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.info = StatusInfo{
		Phase:   local,
		Message: fmt.Sprintf("waiting for group phase %q to reach %q", group, local),
	}
}

func (w *Worker) setFatal(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.info = StatusInfo{
		Phase:   phase.Error,
		Message: err.Error(),
		Blocked: true,
	}
}

func (w *Worker) setBlocked(message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blocked = message
}
