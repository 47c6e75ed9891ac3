// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"os"
	"path"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/errors"

	"github.com/canonical/benchd/core/bench"
)

const (
	// EtcSystemdDir is where the agent writes its unit files.
	EtcSystemdDir = "/etc/systemd/system"

	// DefaultServiceName is the benchmark service unit name.
	DefaultServiceName = "benchd"

	// DefaultRunnerPath is the workload runner the service executes.
	DefaultRunnerPath = "/usr/bin/benchd-sysbench"
)

// DBusAPI is the narrow slice of the systemd D-Bus connection the
// controller uses, so tests can stub it.
type DBusAPI interface {
	ListUnits() ([]dbus.UnitStatus, error)
	StartUnit(name string, mode string, ch chan<- string) (int, error)
	StopUnit(name string, mode string, ch chan<- string) (int, error)
	Reload() error
	Close()
}

// DBusAPIFactory creates a D-Bus API connection per operation.
type DBusAPIFactory = func() (DBusAPI, error)

// NewDBusAPI connects to the local systemd instance.
var NewDBusAPI = func() (DBusAPI, error) {
	return dbus.New()
}

// FileSystemOps abstracts the file operations the controller performs,
// so tests can intercept them.
type FileSystemOps interface {
	WriteFile(name string, data []byte, perm os.FileMode) error
	Remove(name string) error
	Exists(name string) bool
}

type fileSystemOps struct{}

func (fileSystemOps) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (fileSystemOps) Remove(name string) error {
	return os.Remove(name)
}

func (fileSystemOps) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// SystemdConfig holds the construction options of a SystemdController.
type SystemdConfig struct {
	// ServiceName defaults to DefaultServiceName.
	ServiceName string

	// InitDir defaults to EtcSystemdDir.
	InitDir string

	// RunnerPath defaults to DefaultRunnerPath.
	RunnerPath string

	// NewDBus defaults to NewDBusAPI.
	NewDBus DBusAPIFactory

	// FileOps defaults to the real filesystem.
	FileOps FileSystemOps
}

// SystemdController implements Controller on top of systemd. The
// prepared marker is a target unit: once the prepare step completes
// the target is installed and started, and its active state survives
// service restarts.
type SystemdController struct {
	svcName  string
	unitName string
	target   string
	initDir  string
	runner   string

	newDBus DBusAPIFactory
	fs      FileSystemOps
}

// NewSystemdController returns a controller over the local systemd.
func NewSystemdController(cfg SystemdConfig) *SystemdController {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.InitDir == "" {
		cfg.InitDir = EtcSystemdDir
	}
	if cfg.RunnerPath == "" {
		cfg.RunnerPath = DefaultRunnerPath
	}
	if cfg.NewDBus == nil {
		cfg.NewDBus = NewDBusAPI
	}
	if cfg.FileOps == nil {
		cfg.FileOps = fileSystemOps{}
	}
	return &SystemdController{
		svcName:  cfg.ServiceName,
		unitName: cfg.ServiceName + ".service",
		target:   cfg.ServiceName + "-prepared.target",
		initDir:  cfg.InitDir,
		runner:   cfg.RunnerPath,
		newDBus:  cfg.NewDBus,
		fs:       cfg.FileOps,
	}
}

func (s *SystemdController) servicePath() string {
	return path.Join(s.initDir, s.unitName)
}

func (s *SystemdController) targetPath() string {
	return path.Join(s.initDir, s.target)
}

// withConn runs f with a fresh D-Bus connection, closing it after.
func (s *SystemdController) withConn(f func(DBusAPI) error) error {
	conn, err := s.newDBus()
	if err != nil {
		return errors.Annotate(err, "connecting to systemd")
	}
	defer conn.Close()
	return f(conn)
}

// activeState returns the unit's ActiveState, or false when systemd
// does not know the unit.
func (s *SystemdController) activeState(conn DBusAPI, name string) (string, bool, error) {
	units, err := conn.ListUnits()
	if err != nil {
		return "", false, errors.Annotate(err, "listing systemd units")
	}
	for _, unit := range units {
		if unit.Name == name {
			return unit.ActiveState, true, nil
		}
	}
	return "", false, nil
}

func (s *SystemdController) unitActive(name string) (bool, error) {
	var active bool
	err := s.withConn(func(conn DBusAPI) error {
		state, found, err := s.activeState(conn, name)
		if err != nil {
			return errors.Trace(err)
		}
		active = found && state == "active"
		return nil
	})
	return active, errors.Trace(err)
}

func (s *SystemdController) unitFailed(name string) (bool, error) {
	var failed bool
	err := s.withConn(func(conn DBusAPI) error {
		state, found, err := s.activeState(conn, name)
		if err != nil {
			return errors.Trace(err)
		}
		failed = found && state == "failed"
		return nil
	})
	return failed, errors.Trace(err)
}

// IsPrepared is part of the Controller interface.
func (s *SystemdController) IsPrepared(ctx context.Context) (bool, error) {
	active, err := s.unitActive(s.target)
	return active, errors.Trace(err)
}

// IsRunning is part of the Controller interface.
func (s *SystemdController) IsRunning(ctx context.Context) (bool, error) {
	prepared, err := s.IsPrepared(ctx)
	if err != nil || !prepared {
		return false, errors.Trace(err)
	}
	if !s.fs.Exists(s.servicePath()) {
		return false, nil
	}
	active, err := s.unitActive(s.unitName)
	return active, errors.Trace(err)
}

// IsFailed is part of the Controller interface.
func (s *SystemdController) IsFailed(ctx context.Context) (bool, error) {
	prepared, err := s.IsPrepared(ctx)
	if err != nil || !prepared {
		return false, errors.Trace(err)
	}
	if !s.fs.Exists(s.servicePath()) {
		return false, nil
	}
	failed, err := s.unitFailed(s.unitName)
	return failed, errors.Trace(err)
}

// IsStopped is part of the Controller interface.
func (s *SystemdController) IsStopped(ctx context.Context) (bool, error) {
	prepared, err := s.IsPrepared(ctx)
	if err != nil || !prepared {
		return false, errors.Trace(err)
	}
	if !s.fs.Exists(s.servicePath()) {
		return false, nil
	}
	running, err := s.IsRunning(ctx)
	if err != nil || running {
		return false, errors.Trace(err)
	}
	failed, err := s.IsFailed(ctx)
	if err != nil || failed {
		return false, errors.Trace(err)
	}
	return true, nil
}

// startUnit starts the named unit and waits for the job to finish.
func (s *SystemdController) startUnit(ctx context.Context, name string) error {
	return s.withConn(func(conn DBusAPI) error {
		ch := make(chan string, 1)
		if _, err := conn.StartUnit(name, "replace", ch); err != nil {
			return errors.Annotatef(err, "starting %q", name)
		}
		select {
		case result := <-ch:
			if result != "done" {
				return errors.Errorf("starting %q: job result %q", name, result)
			}
			return nil
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	})
}

func (s *SystemdController) stopUnit(ctx context.Context, name string) error {
	return s.withConn(func(conn DBusAPI) error {
		ch := make(chan string, 1)
		if _, err := conn.StopUnit(name, "replace", ch); err != nil {
			return errors.Annotatef(err, "stopping %q", name)
		}
		select {
		case result := <-ch:
			if result != "done" {
				return errors.Errorf("stopping %q: job result %q", name, result)
			}
			return nil
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	})
}

// Start is part of the Controller interface.
func (s *SystemdController) Start(ctx context.Context) error {
	running, err := s.IsRunning(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if running {
		return nil
	}
	logger.Infof("starting benchmark service %q", s.unitName)
	return errors.Trace(s.startUnit(ctx, s.unitName))
}

// Stop is part of the Controller interface.
func (s *SystemdController) Stop(ctx context.Context) error {
	running, err := s.IsRunning(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !running {
		return nil
	}
	logger.Infof("stopping benchmark service %q", s.unitName)
	return errors.Trace(s.stopUnit(ctx, s.unitName))
}

// RenderAndApply is part of the Controller interface.
func (s *SystemdController) RenderAndApply(ctx context.Context, opts bench.ExecutionOptions, script string, labels []string) error {
	data, err := renderServiceUnit(s.runner, opts, script, labels)
	if err != nil {
		return errors.Trace(err)
	}
	if err := s.fs.WriteFile(s.servicePath(), data, 0o640); err != nil {
		return errors.Annotatef(err, "writing %q", s.servicePath())
	}
	return s.withConn(func(conn DBusAPI) error {
		return errors.Annotate(conn.Reload(), "reloading systemd")
	})
}

// MarkPrepared is part of the Controller interface.
func (s *SystemdController) MarkPrepared(ctx context.Context) error {
	if err := s.fs.WriteFile(s.targetPath(), []byte(preparedTargetUnit), 0o644); err != nil {
		return errors.Annotatef(err, "writing %q", s.targetPath())
	}
	if err := s.withConn(func(conn DBusAPI) error {
		return errors.Annotate(conn.Reload(), "reloading systemd")
	}); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.startUnit(ctx, s.target))
}

// Reset is part of the Controller interface.
func (s *SystemdController) Reset(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		logger.Warningf("stopping service during reset: %v", err)
	}
	if active, err := s.unitActive(s.target); err == nil && active {
		if err := s.stopUnit(ctx, s.target); err != nil {
			logger.Warningf("stopping prepared target during reset: %v", err)
		}
	}
	for _, file := range []string{s.servicePath(), s.targetPath()} {
		if err := s.fs.Remove(file); err != nil && !os.IsNotExist(err) {
			logger.Warningf("removing %q during reset: %v", file, err)
		}
	}
	return s.withConn(func(conn DBusAPI) error {
		return errors.Annotate(conn.Reload(), "reloading systemd")
	})
}
