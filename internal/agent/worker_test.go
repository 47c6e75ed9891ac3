// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package agent_test

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/canonical/benchd/core/bench"
	"github.com/canonical/benchd/core/phase"
	"github.com/canonical/benchd/internal/agent"
	"github.com/canonical/benchd/internal/reconciler"
	"github.com/canonical/benchd/internal/relation"
	"github.com/canonical/benchd/internal/secrets"
	"github.com/canonical/benchd/internal/service"
	"github.com/canonical/benchd/internal/store"
)

const (
	longWait  = 10 * time.Second
	shortWait = 10 * time.Millisecond
)

// fakeController is a stateful in-memory stand-in for systemd.
type fakeController struct {
	mu       sync.Mutex
	prepared bool
	rendered bool
	running  bool
	failed   bool
	resets   int
}

func (f *fakeController) IsPrepared(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepared, nil
}

func (f *fakeController) IsRunning(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepared && f.rendered && f.running, nil
}

func (f *fakeController) IsStopped(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepared && f.rendered && !f.running && !f.failed, nil
}

func (f *fakeController) IsFailed(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepared && f.rendered && f.failed, nil
}

func (f *fakeController) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeController) RenderAndApply(context.Context, bench.ExecutionOptions, string, []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rendered = true
	return nil
}

func (f *fakeController) MarkPrepared(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = true
	return nil
}

func (f *fakeController) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = false
	f.rendered = false
	f.running = false
	f.failed = false
	f.resets++
	return nil
}

func (f *fakeController) set(mutate func(*fakeController)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mutate(f)
}

func (f *fakeController) snapshot() fakeController {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeController{
		prepared: f.prepared,
		rendered: f.rendered,
		running:  f.running,
		failed:   f.failed,
		resets:   f.resets,
	}
}

type stubSource struct {
	mu       sync.Mutex
	payloads map[bench.Kind]relation.Payload
}

func (s *stubSource) Payload(kind bench.Kind) (relation.Payload, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.payloads[kind]
	return payload, ok, nil
}

func (s *stubSource) set(kind bench.Kind, payload relation.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[kind] = payload
}

type stubSecrets struct {
	creds map[string]secrets.Credentials
}

func (s *stubSecrets) Lookup(ref string) (secrets.Credentials, error) {
	creds, ok := s.creds[ref]
	if !ok {
		return secrets.Credentials{}, errors.NotFoundf("credentials %q", ref)
	}
	return creds, nil
}

type stubRunner struct {
	*testing.Stub

	output []byte
}

func (r *stubRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	callArgs := make([]interface{}, 0, len(args)+1)
	callArgs = append(callArgs, name)
	for _, arg := range args {
		callArgs = append(callArgs, arg)
	}
	r.Stub.AddCall("Run", callArgs...)
	return r.output, r.NextErr()
}

func (r *stubRunner) commands(c *gc.C) []string {
	var commands []string
	for _, call := range r.Stub.Calls() {
		for _, arg := range call.Args {
			text, ok := arg.(string)
			c.Assert(ok, jc.IsTrue)
			if strings.HasPrefix(text, "--command=") {
				commands = append(commands, strings.TrimPrefix(text, "--command="))
			}
		}
	}
	return commands
}

type workerSuite struct {
	testing.IsolationSuite

	hub     *pubsub.SimpleHub
	backing *store.MemoryStore
	status  *store.StatusData
	source  *stubSource
	secrets *stubSecrets
	runner  *stubRunner
	ctl     *fakeController
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.hub = pubsub.NewSimpleHub(nil)
	s.backing = store.NewMemoryStore()
	s.status = store.NewStatusData(s.backing)
	s.source = &stubSource{payloads: make(map[bench.Kind]relation.Payload)}
	s.secrets = &stubSecrets{creds: make(map[string]secrets.Credentials)}
	s.runner = &stubRunner{Stub: &testing.Stub{}}
	s.ctl = &fakeController{}
}

func (s *workerSuite) configureMySQL() {
	s.source.set(bench.MySQL, relation.Payload{
		Endpoint:       "10.0.0.4:3306",
		CredentialsRef: "db-creds",
		Database:       "benchd-db",
	})
	s.secrets.creds["db-creds"] = secrets.Credentials{
		Username: "operator",
		Password: "sekrit",
	}
}

func (s *workerSuite) startWorker(c *gc.C, unit string, leader bool, groupSize int, clk clock.Clock) *agent.Worker {
	selector, err := relation.NewSelector(relation.SelectorConfig{
		Source:     s.source,
		Secrets:    s.secrets,
		ScriptsDir: "/usr/share/benchd/scripts",
		Tables:     10,
		Scale:      5,
	})
	c.Assert(err, jc.ErrorIsNil)
	rec, err := reconciler.New(reconciler.Config{
		Status:    s.status,
		Local:     service.PhaseSource{Controller: s.ctl},
		UnitName:  unit,
		IsLeader:  leader,
		GroupSize: groupSize,
	})
	c.Assert(err, jc.ErrorIsNil)
	w, err := agent.NewWorker(agent.WorkerConfig{
		Hub:        s.hub,
		Clock:      clk,
		Status:     s.status,
		Reconciler: rec,
		Selector:   selector,
		Controller: s.ctl,
		Executor:   service.NewExecutor(service.ExecutorConfig{Runner: s.runner}),
		Metrics:    agent.NewMetricsCollector(),
		UnitName:   unit,
		IsLeader:   leader,
		GroupSize:  groupSize,
		Threads:    8,
		Duration:   600,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, w) })
	return w
}

func (s *workerSuite) publish(c *gc.C, topic string) {
	select {
	case <-pubsub.Wait(s.hub.Publish(topic, nil)):
	case <-time.After(longWait):
		c.Fatalf("timed out publishing %q", topic)
	}
}

func (s *workerSuite) waitStatus(c *gc.C, w *agent.Worker, match func(agent.StatusInfo) bool) agent.StatusInfo {
	timeout := time.After(longWait)
	for {
		info := w.Report()
		if match(info) {
			return info
		}
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for status, last %+v", info)
		case <-time.After(shortWait):
		}
	}
}

func (s *workerSuite) waitPhase(c *gc.C, w *agent.Worker, p phase.Phase) {
	s.waitStatus(c, w, func(info agent.StatusInfo) bool {
		return info.Phase == p && !info.Blocked
	})
}

func (s *workerSuite) TestActionTopics(c *gc.C) {
	c.Check(agent.Actions().SortedValues(), gc.DeepEquals, []string{"clean", "prepare", "run", "stop"})
	topic, ok := agent.ActionTopic("prepare")
	c.Check(ok, jc.IsTrue)
	c.Check(topic, gc.Equals, agent.PrepareTopic)
	_, ok = agent.ActionTopic("detonate")
	c.Check(ok, jc.IsFalse)
}

func (s *workerSuite) TestSeedsGroupRecords(c *gc.C) {
	w := s.startWorker(c, "benchd/0", true, 3, clock.WallClock)
	s.waitPhase(c, w, phase.Unset)

	p, err := s.status.UnitPhase(context.Background(), "benchd/0")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(p, gc.Equals, phase.Unset)
	p, err = s.status.GroupPhase(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(p, gc.Equals, phase.Unset)
}

func (s *workerSuite) TestPrepareAction(c *gc.C) {
	s.configureMySQL()
	w := s.startWorker(c, "benchd/0", true, 1, clock.WallClock)

	s.publish(c, agent.PrepareTopic)
	s.waitPhase(c, w, phase.Prepared)

	c.Check(s.runner.commands(c), gc.DeepEquals, []string{"clean", "prepare"})
	snapshot := s.ctl.snapshot()
	c.Check(snapshot.prepared, jc.IsTrue)
	c.Check(snapshot.rendered, jc.IsFalse)
}

func (s *workerSuite) TestPrepareBlockedOnMissingOptions(c *gc.C) {
	// A connection without credentials cannot produce a candidate.
	s.source.set(bench.MySQL, relation.Payload{
		Endpoint: "10.0.0.4:3306",
		Database: "benchd-db",
	})
	w := s.startWorker(c, "benchd/0", true, 1, clock.WallClock)

	s.publish(c, agent.PrepareTopic)
	info := s.waitStatus(c, w, func(info agent.StatusInfo) bool {
		return info.Blocked
	})
	c.Check(info.Message, jc.Contains, "password")
	c.Check(s.runner.Calls(), gc.HasLen, 0)
	c.Check(s.ctl.snapshot().prepared, jc.IsFalse)

	// Supplying the credentials unblocks the next attempt.
	s.configureMySQL()
	s.publish(c, agent.PrepareTopic)
	s.waitPhase(c, w, phase.Prepared)
}

func (s *workerSuite) TestPrepareBlockedOnMultipleConnections(c *gc.C) {
	s.configureMySQL()
	s.source.set(bench.PostgreSQL, relation.Payload{
		Endpoint:       "10.0.0.5:5432",
		CredentialsRef: "db-creds",
		Database:       "benchd-db",
	})
	w := s.startWorker(c, "benchd/0", true, 1, clock.WallClock)

	s.publish(c, agent.PrepareTopic)
	info := s.waitStatus(c, w, func(info agent.StatusInfo) bool {
		return info.Blocked
	})
	c.Check(info.Message, jc.Contains, "multiple database connections")
	c.Check(s.ctl.snapshot().prepared, jc.IsFalse)
}

func (s *workerSuite) TestRunAndStop(c *gc.C) {
	s.configureMySQL()
	w := s.startWorker(c, "benchd/0", true, 1, clock.WallClock)

	s.publish(c, agent.PrepareTopic)
	s.waitPhase(c, w, phase.Prepared)

	s.publish(c, agent.RunTopic)
	s.waitPhase(c, w, phase.Running)
	c.Check(s.ctl.snapshot().rendered, jc.IsTrue)

	s.publish(c, agent.StopTopic)
	s.waitPhase(c, w, phase.Stopped)
}

func (s *workerSuite) TestCleanAction(c *gc.C) {
	s.configureMySQL()
	w := s.startWorker(c, "benchd/0", true, 3, clock.WallClock)

	s.publish(c, agent.PrepareTopic)
	s.waitPhase(c, w, phase.Prepared)

	s.publish(c, agent.CleanTopic)
	s.waitPhase(c, w, phase.Unset)

	c.Check(s.ctl.snapshot().resets, gc.Equals, 1)
	// The final runner invocation cleaned the database.
	commands := s.runner.commands(c)
	c.Check(commands[len(commands)-1], gc.Equals, "clean")

	p, err := s.status.UnitPhase(context.Background(), "benchd/0")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(p, gc.Equals, phase.Unset)
	p, err = s.status.GroupPhase(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(p, gc.Equals, phase.Unset)
}

func (s *workerSuite) TestPrepareFailurePoisonsGroup(c *gc.C) {
	s.configureMySQL()
	// The clean pass succeeds, the prepare pass fails.
	s.runner.SetErrors(nil, errors.New("exit status 1"))
	s.runner.output = []byte("FATAL: cannot connect")
	w := s.startWorker(c, "benchd/0", true, 3, clock.WallClock)

	s.publish(c, agent.PrepareTopic)
	info := s.waitStatus(c, w, func(info agent.StatusInfo) bool {
		return info.Phase == phase.Error
	})
	c.Check(info.Message, jc.Contains, `benchmark command "prepare" failed`)

	p, err := s.status.UnitPhase(context.Background(), "benchd/0")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(p, gc.Equals, phase.Error)
}

func (s *workerSuite) TestRelationChangeRefreshesStatus(c *gc.C) {
	w := s.startWorker(c, "benchd/0", true, 1, clock.WallClock)
	s.waitPhase(c, w, phase.Unset)

	// The service state changed behind the agent's back; a relation
	// event triggers re-reconciliation.
	s.ctl.set(func(f *fakeController) { f.prepared = true })
	s.publish(c, relation.ChangedTopic)
	s.waitPhase(c, w, phase.Prepared)
}

func (s *workerSuite) TestFollowerDivergenceWaitsForGroup(c *gc.C) {
	s.configureMySQL()
	ctx := context.Background()
	c.Assert(s.status.SetUnitPhase(ctx, "benchd/1", phase.Prepared), jc.ErrorIsNil)
	c.Assert(s.status.SetGroupPhase(ctx, phase.Prepared), jc.ErrorIsNil)
	s.ctl.set(func(f *fakeController) {
		f.prepared = true
		f.rendered = true
		f.running = true
	})

	clk := testclock.NewClock(time.Time{})
	w := s.startWorker(c, "benchd/1", false, 3, clk)

	s.waitStatus(c, w, func(info agent.StatusInfo) bool {
		return info.Phase == phase.Running && strings.Contains(info.Message, "waiting for group")
	})

	// The leader catches up; the scheduled retry converges.
	c.Assert(s.status.SetGroupPhase(ctx, phase.Running), jc.ErrorIsNil)
	err := clk.WaitAdvance(10*time.Minute, longWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.waitPhase(c, w, phase.Running)
}

func (s *workerSuite) TestValidateConfig(c *gc.C) {
	_, err := agent.NewWorker(agent.WorkerConfig{})
	c.Assert(err, gc.ErrorMatches, "missing Hub not valid")
}
