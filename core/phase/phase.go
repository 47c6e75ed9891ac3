// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package phase defines the cluster-wide execution phase of the
// benchmark and the transitions allowed between phases.
//
// The phase machine is:
//
//	unset -> prepared -> running -> stopped -> unset
//
// Error is reachable from prepared, running or stopped, never directly
// from unset, and is terminal until an explicit reset returns the group
// to unset.
package phase

import (
	"github.com/juju/errors"
)

// Phase represents one execution phase of the benchmark workload. The
// same values are published verbatim to the shared status records, so
// they form part of the cross-agent wire contract.
type Phase string

const (
	// Unset means no benchmark has been prepared on this unit yet, or
	// an explicit reset has cleared all previous state.
	Unset Phase = "unset"

	// Prepared means the prepare step completed and the prepared
	// marker exists, but the benchmark has not been started.
	Prepared Phase = "prepared"

	// Running means the benchmark service is actively running.
	Running Phase = "running"

	// Stopped means the benchmark was prepared and has run, but the
	// service is not currently active and has not failed.
	Stopped Phase = "stopped"

	// Error means the benchmark service failed. Error is sticky across
	// the whole group until an explicit reset.
	Error Phase = "error"
)

// String returns a string representation of the Phase.
func (p Phase) String() string {
	return string(p)
}

// KnownPhase reports whether value is one of the valid phases.
func (p Phase) KnownPhase() bool {
	switch p {
	case Unset, Prepared, Running, Stopped, Error:
		return true
	}
	return false
}

// ParsePhase converts the given string into a Phase.
func ParsePhase(value string) (Phase, error) {
	p := Phase(value)
	if !p.KnownPhase() {
		return "", errors.NotValidf("phase %q", value)
	}
	return p, nil
}

// CanTransition reports whether moving from p to target is a legal step
// of the phase machine. Error cannot be entered from Unset and cannot
// be left except through a reset to Unset.
func (p Phase) CanTransition(target Phase) bool {
	switch p {
	case Unset:
		return target == Prepared
	case Prepared:
		return target == Running || target == Error
	case Running:
		return target == Stopped || target == Error
	case Stopped:
		return target == Unset || target == Error
	case Error:
		return target == Unset
	}
	return false
}
