// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation

import (
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/canonical/benchd/core/bench"
	"github.com/canonical/benchd/internal/secrets"
)

var logger = loggo.GetLogger("benchd.relation")

// Source supplies the current relation payload for a connection kind.
type Source interface {
	// Payload returns the payload for kind, and whether a connection
	// of that kind exists at all.
	Payload(kind bench.Kind) (Payload, bool, error)
}

// SelectorConfig holds the dependencies and tunables of a Selector.
type SelectorConfig struct {
	Source     Source
	Secrets    secrets.Resolver
	ScriptsDir string

	// Tables and Scale are workload tunables copied into every
	// candidate; they come from agent configuration, not the relation.
	Tables int
	Scale  int
}

// Validate ensures that the config values are valid.
func (c *SelectorConfig) Validate() error {
	if c.Source == nil {
		return errors.NotValidf("missing Source")
	}
	if c.Secrets == nil {
		return errors.NotValidf("missing Secrets")
	}
	return nil
}

// Selector chooses the single active backing-store connection among
// the candidate kinds. Candidates are rebuilt from relation data on
// every call; nothing is cached or persisted.
type Selector struct {
	cfg SelectorConfig
}

// NewSelector returns a selector using the given config.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Selector{cfg: cfg}, nil
}

// StatusOf returns the status of one connection kind: NotAvailable if
// no connection exists, Configured if a valid candidate can be built
// from it, Available otherwise.
func (s *Selector) StatusOf(kind bench.Kind) (Status, error) {
	payload, ok, err := s.cfg.Source.Payload(kind)
	if err != nil {
		return "", errors.Trace(err)
	}
	if !ok {
		return NotAvailable, nil
	}
	if _, err := s.candidate(kind, payload); err != nil {
		logger.Debugf("connection %q present but not configured: %v", kind, err)
		return Available, nil
	}
	return Configured, nil
}

// AggregateStatus returns the status of all connection kinds combined.
// More than one kind simultaneously non-NotAvailable is ambiguous and
// returns a MultipleConnectionsError.
func (s *Selector) AggregateStatus() (Status, error) {
	aggregate := NotAvailable
	var active []bench.Kind
	for _, kind := range bench.Kinds() {
		status, err := s.StatusOf(kind)
		if err != nil {
			return "", errors.Trace(err)
		}
		if status == NotAvailable {
			continue
		}
		active = append(active, kind)
		aggregate = status
	}
	if len(active) > 1 {
		return "", &MultipleConnectionsError{Kinds: active}
	}
	return aggregate, nil
}

// SelectedConfig returns the candidate of the first kind found in
// Configured state, or false when none is. It never reports ambiguity;
// that is AggregateStatus's job.
func (s *Selector) SelectedConfig() (bench.DatabaseCandidate, bool, error) {
	for _, kind := range bench.Kinds() {
		payload, ok, err := s.cfg.Source.Payload(kind)
		if err != nil {
			return bench.DatabaseCandidate{}, false, errors.Trace(err)
		}
		if !ok {
			continue
		}
		candidate, err := s.candidate(kind, payload)
		if err != nil {
			continue
		}
		return candidate, true, nil
	}
	return bench.DatabaseCandidate{}, false, nil
}

// SelectedKind returns the kind currently in Available or Configured
// state, for deriving kind-specific paths.
func (s *Selector) SelectedKind() (bench.Kind, bool, error) {
	for _, kind := range bench.Kinds() {
		status, err := s.StatusOf(kind)
		if err != nil {
			return "", false, errors.Trace(err)
		}
		if status == Available || status == Configured {
			return kind, true, nil
		}
	}
	return "", false, nil
}

// Candidate returns the validated database candidate for the selected
// connection. Unlike SelectedConfig it surfaces why the connection is
// not usable: ambiguity, a missing connection, or the candidate's
// validation error with the full list of missing options.
func (s *Selector) Candidate() (bench.DatabaseCandidate, error) {
	if _, err := s.AggregateStatus(); err != nil {
		return bench.DatabaseCandidate{}, errors.Trace(err)
	}
	kind, ok, err := s.SelectedKind()
	if err != nil {
		return bench.DatabaseCandidate{}, errors.Trace(err)
	}
	if !ok {
		return bench.DatabaseCandidate{}, errors.NotFoundf("database connection")
	}
	payload, _, err := s.cfg.Source.Payload(kind)
	if err != nil {
		return bench.DatabaseCandidate{}, errors.Trace(err)
	}
	return s.candidate(kind, payload)
}

// ScriptPath returns the workload script for the selected kind, or
// false when no kind is selected.
func (s *Selector) ScriptPath() (string, bool, error) {
	kind, ok, err := s.SelectedKind()
	if err != nil || !ok {
		return "", false, errors.Trace(err)
	}
	switch kind {
	case bench.MySQL:
		return filepath.Join(s.cfg.ScriptsDir, "mysql.lua"), true, nil
	case bench.PostgreSQL:
		return filepath.Join(s.cfg.ScriptsDir, "pgsql.lua"), true, nil
	}
	return "", false, errors.NotValidf("connection kind %q", kind)
}

// candidate builds and validates a database candidate from the kind's
// payload, resolving the credentials reference.
func (s *Selector) candidate(kind bench.Kind, payload Payload) (bench.DatabaseCandidate, error) {
	candidate := bench.DatabaseCandidate{
		Kind:     kind,
		Database: payload.Database,
		Tables:   s.cfg.Tables,
		Scale:    s.cfg.Scale,
	}
	if err := parseEndpoint(payload.Endpoint, &candidate); err != nil {
		return bench.DatabaseCandidate{}, errors.Trace(err)
	}
	if payload.CredentialsRef != "" {
		creds, err := s.cfg.Secrets.Lookup(payload.CredentialsRef)
		if err != nil {
			return bench.DatabaseCandidate{}, errors.Trace(err)
		}
		candidate.Username = creds.Username
		candidate.Password = creds.Password
	}
	if err := candidate.Validate(); err != nil {
		return bench.DatabaseCandidate{}, errors.Trace(err)
	}
	return candidate, nil
}
