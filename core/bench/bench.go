// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package bench holds the models describing a benchmark execution: the
// database the workload runs against and the tunables applied to it.
package bench

import (
	"sort"
	"strings"

	"github.com/juju/errors"
)

// Kind identifies one candidate backing-store connection kind. The
// kinds are mutually exclusive alternatives; at most one may be active
// at any time.
type Kind string

const (
	MySQL      Kind = "mysql"
	PostgreSQL Kind = "postgresql"
)

// Kinds lists every connection kind the agent understands, in the
// order they are considered for selection.
func Kinds() []Kind {
	return []Kind{MySQL, PostgreSQL}
}

// DatabaseCandidate holds the details needed to connect the benchmark
// to one backing database. Candidates are derived transiently from
// relation data on every call and never persisted.
type DatabaseCandidate struct {
	Kind     Kind
	Host     string
	Port     int
	Socket   string
	Username string
	Password string
	Database string
	Tables   int
	Scale    int
}

// Validate checks the candidate in a single pass. Every missing
// required field is reported at once through a MissingOptionsError
// rather than one at a time, so the operator sees the whole picture on
// the first failure.
func (d DatabaseCandidate) Validate() error {
	var missing []string
	if d.Username == "" {
		missing = append(missing, "username")
	}
	if d.Password == "" {
		missing = append(missing, "password")
	}
	if d.Database == "" {
		missing = append(missing, "database")
	}

	hostPort := d.Host != "" && d.Port > 0
	if !hostPort && d.Socket == "" {
		missing = append(missing, "endpoint (host:port or unix socket)")
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &MissingOptionsError{Fields: missing}
	}
	if hostPort && d.Socket != "" {
		return errors.NotValidf("both host:port and unix socket endpoints")
	}
	return nil
}

// ExecutionOptions holds everything needed to run the benchmark
// against the selected database.
type ExecutionOptions struct {
	Threads  int
	Duration int
	Database DatabaseCandidate
}

// NewExecutionOptions validates the candidate and the runtime tunables
// and builds the options for one benchmark execution.
func NewExecutionOptions(candidate DatabaseCandidate, threads, duration int) (ExecutionOptions, error) {
	if err := candidate.Validate(); err != nil {
		return ExecutionOptions{}, errors.Trace(err)
	}
	if threads <= 0 {
		return ExecutionOptions{}, errors.NotValidf("thread count %d", threads)
	}
	if duration < 0 {
		return ExecutionOptions{}, errors.NotValidf("duration %d", duration)
	}
	return ExecutionOptions{
		Threads:  threads,
		Duration: duration,
		Database: candidate,
	}, nil
}

// MissingOptionsError reports every required connection option absent
// from a candidate. It is user-fixable and surfaces as a blocked state.
type MissingOptionsError struct {
	Fields []string
}

// Error is part of the error interface.
func (e *MissingOptionsError) Error() string {
	return "missing database options: " + strings.Join(e.Fields, ", ")
}

// IsMissingOptionsError reports whether err was caused by incomplete
// connection options.
func IsMissingOptionsError(err error) bool {
	_, ok := errors.Cause(err).(*MissingOptionsError)
	return ok
}
