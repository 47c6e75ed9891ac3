// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// benchd is the benchmark orchestration agent. It drives a sysbench
// workload against the database its relations select, keeps the
// benchmark phase in step with the rest of its group through a shared
// status store, and serves actions, status and metrics over HTTP.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/benchd/internal/agent"
	"github.com/canonical/benchd/internal/api"
	"github.com/canonical/benchd/internal/reconciler"
	"github.com/canonical/benchd/internal/relation"
	"github.com/canonical/benchd/internal/secrets"
	"github.com/canonical/benchd/internal/service"
	"github.com/canonical/benchd/internal/store"
)

var logger = loggo.GetLogger("benchd.cmd")

const version = "1.0.0"

const defaultConfigPath = "/etc/benchd/benchd.yaml"

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main parses flags and runs the agent, returning the process exit
// code.
func Main(args []string) int {
	flags := gnuflag.NewFlagSet("benchd", gnuflag.ContinueOnError)
	configPath := flags.String("config", defaultConfigPath, "path to the agent configuration file")
	showVersion := flags.Bool("version", false, "print the agent version and exit")
	if err := flags.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "benchd: %v\n", err)
		return 2
	}
	if *showVersion {
		fmt.Fprintln(os.Stdout, version)
		return 0
	}
	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "benchd: %v\n", err)
		return 1
	}
	return 0
}

func run(configPath string) error {
	cfg, err := agent.ReadConfig(configPath)
	if err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers(cfg.LoggingConfig); err != nil {
		return errors.Annotate(err, "configuring loggers")
	}
	logger.Infof("benchd %s starting as %s (group of %d, leader=%v)",
		version, cfg.UnitName, cfg.GroupSize, cfg.Leader)

	for _, dir := range []string{cfg.DataDir, cfg.RelationsDir(), cfg.SecretsDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errors.Annotatef(err, "creating %q", dir)
		}
	}

	st, err := store.NewSQLiteStore(cfg.StorePath())
	if err != nil {
		return errors.Annotate(err, "opening status store")
	}
	defer func() { _ = st.Close() }()
	status := store.NewStatusData(st)

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("benchd.hub"),
	})

	selector, err := relation.NewSelector(relation.SelectorConfig{
		Source:     relation.NewDirSource(cfg.RelationsDir()),
		Secrets:    secrets.NewDirResolver(cfg.SecretsDir()),
		ScriptsDir: cfg.ScriptsDir,
		Tables:     cfg.Tables,
		Scale:      cfg.Scale,
	})
	if err != nil {
		return errors.Trace(err)
	}

	controller := service.NewSystemdController(service.SystemdConfig{
		RunnerPath: cfg.RunnerPath,
	})
	executor := service.NewExecutor(service.ExecutorConfig{
		RunnerPath: cfg.RunnerPath,
	})

	rec, err := reconciler.New(reconciler.Config{
		Status:     status,
		Local:      service.PhaseSource{Controller: controller},
		UnitName:   cfg.UnitName,
		IsLeader:   cfg.Leader,
		GroupSize:  cfg.GroupSize,
		MaxRetries: cfg.MaxStatusRetries,
	})
	if err != nil {
		return errors.Trace(err)
	}

	metrics := agent.NewMetricsCollector()
	registry := prometheus.NewRegistry()
	if err := registry.Register(metrics); err != nil {
		return errors.Annotate(err, "registering metrics")
	}

	watcher, err := relation.NewWatcher(cfg.RelationsDir(), hub)
	if err != nil {
		return errors.Trace(err)
	}

	agentWorker, err := agent.NewWorker(agent.WorkerConfig{
		Hub:        hub,
		Clock:      clock.WallClock,
		Status:     status,
		Reconciler: rec,
		Selector:   selector,
		Controller: controller,
		Executor:   executor,
		Metrics:    metrics,
		UnitName:   cfg.UnitName,
		IsLeader:   cfg.Leader,
		GroupSize:  cfg.GroupSize,
		Threads:    cfg.Threads,
		Duration:   cfg.Duration,
	})
	if err != nil {
		_ = worker.Stop(watcher)
		return errors.Trace(err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		_ = worker.Stop(agentWorker)
		_ = worker.Stop(watcher)
		return errors.Annotatef(err, "listening on %q", cfg.ListenAddr)
	}
	server, err := api.NewServer(api.ServerConfig{
		Listener: listener,
		Hub:      hub,
		Reporter: agentWorker,
		Registry: registry,
	})
	if err != nil {
		_ = listener.Close()
		_ = worker.Stop(agentWorker)
		_ = worker.Stop(watcher)
		return errors.Trace(err)
	}

	workers := map[string]worker.Worker{
		"relation-watcher": watcher,
		"agent":            agentWorker,
		"api-server":       server,
	}
	failures := make(chan error, len(workers))
	for name, w := range workers {
		name, w := name, w
		go func() {
			if err := w.Wait(); err != nil {
				failures <- errors.Annotatef(err, "worker %q", name)
			} else {
				failures <- nil
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-signals:
		logger.Infof("caught %v, shutting down", sig)
	case runErr = <-failures:
	}

	for name, w := range workers {
		if err := worker.Stop(w); err != nil {
			logger.Warningf("stopping worker %q: %v", name, err)
		}
	}
	return errors.Trace(runErr)
}
