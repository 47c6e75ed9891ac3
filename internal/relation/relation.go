// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package relation tracks the candidate backing-store connections
// related to the agent and selects the single one the benchmark may
// run against. Several kinds can be related at once, for instance
// trial relations during a migration; the selector refuses to guess
// between them and raises instead, so the benchmark never runs against
// the wrong store.
package relation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/canonical/benchd/core/bench"
)

// Status describes one candidate connection kind.
type Status string

const (
	// NotAvailable means no connection of the kind exists.
	NotAvailable Status = "not-available"

	// Available means the connection exists but its data is incomplete.
	Available Status = "available"

	// Configured means a valid database candidate can be built from
	// the connection.
	Configured Status = "configured"
)

// Payload is the connection data published for one kind. Endpoint is
// either "host:port" or "file://<socket path>"; CredentialsRef is an
// opaque secret reference resolved out of band.
type Payload struct {
	Endpoint       string `yaml:"endpoint"`
	CredentialsRef string `yaml:"credentials-ref"`
	Database       string `yaml:"database"`
}

// MultipleConnectionsError reports that more than one backing-store
// connection is active at once. This is a fatal misconfiguration: the
// operator must remove one of the connections.
type MultipleConnectionsError struct {
	Kinds []bench.Kind
}

// Error is part of the error interface.
func (e *MultipleConnectionsError) Error() string {
	names := make([]string, len(e.Kinds))
	for i, kind := range e.Kinds {
		names[i] = string(kind)
	}
	return fmt.Sprintf("multiple database connections active (%s); remove all but one", strings.Join(names, ", "))
}

// IsMultipleConnectionsError reports whether err was caused by more
// than one simultaneously active connection.
func IsMultipleConnectionsError(err error) bool {
	_, ok := errors.Cause(err).(*MultipleConnectionsError)
	return ok
}

func parseEndpoint(endpoint string, candidate *bench.DatabaseCandidate) error {
	if endpoint == "" {
		return nil
	}
	if socket, ok := strings.CutPrefix(endpoint, "file://"); ok {
		candidate.Socket = socket
		return nil
	}
	host, portText, ok := strings.Cut(endpoint, ":")
	if !ok {
		return errors.NotValidf("endpoint %q", endpoint)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return errors.NotValidf("endpoint port %q", portText)
	}
	candidate.Host = host
	candidate.Port = port
	return nil
}
