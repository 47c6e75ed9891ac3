// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"context"

	"github.com/juju/errors"

	"github.com/canonical/benchd/core/phase"
)

// statusKey is the shared-store key holding execution phases, both in
// the unit and group scopes.
const statusKey = "status"

// StatusData layers the phase semantics over the raw Store: it maps
// the per-unit and group "status" keys to typed phases.
type StatusData struct {
	store Store
}

// NewStatusData wraps the given store.
func NewStatusData(store Store) *StatusData {
	return &StatusData{store: store}
}

// UnitPhase returns the phase last written by the named unit, or an
// error satisfying errors.NotFound when the unit has never reported.
func (s *StatusData) UnitPhase(ctx context.Context, unit string) (phase.Phase, error) {
	value, err := s.store.GetUnit(ctx, unit, statusKey)
	if err != nil {
		return "", errors.Trace(err)
	}
	p, err := phase.ParsePhase(value)
	return p, errors.Trace(err)
}

// SetUnitPhase records the phase for the named unit. The caller must
// be the agent owning the unit record.
func (s *StatusData) SetUnitPhase(ctx context.Context, unit string, p phase.Phase) error {
	return errors.Trace(s.store.SetUnit(ctx, unit, statusKey, p.String()))
}

// GroupPhase returns the authoritative group phase written by the
// leader, or an error satisfying errors.NotFound before the leader's
// first write.
func (s *StatusData) GroupPhase(ctx context.Context) (phase.Phase, error) {
	value, err := s.store.GetGroup(ctx, statusKey)
	if err != nil {
		return "", errors.Trace(err)
	}
	p, err := phase.ParsePhase(value)
	return p, errors.Trace(err)
}

// SetGroupPhase records the authoritative group phase. Leader only.
func (s *StatusData) SetGroupPhase(ctx context.Context, p phase.Phase) error {
	return errors.Trace(s.store.SetGroup(ctx, statusKey, p.String()))
}

// AnyError reports whether any unit's record, or the group record,
// currently reads the error phase. Error poisons the whole group until
// an explicit reset.
func (s *StatusData) AnyError(ctx context.Context) (bool, error) {
	values, err := s.store.UnitValues(ctx, statusKey)
	if err != nil {
		return false, errors.Trace(err)
	}
	for _, value := range values {
		if phase.Phase(value) == phase.Error {
			return true, nil
		}
	}
	group, err := s.store.GetGroup(ctx, statusKey)
	if errors.Is(err, errors.NotFound) {
		return false, nil
	} else if err != nil {
		return false, errors.Trace(err)
	}
	return phase.Phase(group) == phase.Error, nil
}

// Reset returns this unit's record to unset and, when the caller is
// the leader, the group record too. This is the only way a sticky
// error phase is cleared.
func (s *StatusData) Reset(ctx context.Context, unit string, isLeader bool) error {
	if err := s.SetUnitPhase(ctx, unit, phase.Unset); err != nil {
		return errors.Trace(err)
	}
	if isLeader {
		return errors.Trace(s.SetGroupPhase(ctx, phase.Unset))
	}
	return nil
}
