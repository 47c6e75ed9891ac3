// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package store provides the shared status store: small string-valued
// records visible to every agent in the group. The store is
// last-writer-wins per key with no multi-key transactions; eventual
// consistency between agents is the contract, not a bug. Each key has
// exactly one writer (a unit writes only its own records, the leader
// alone writes group records), so no locking is layered on top.
package store

import (
	"context"
)

// Store is the cross-agent key-value area. Reads of absent keys return
// an error satisfying errors.NotFound.
type Store interface {
	// GetUnit returns the value stored for one unit's key.
	GetUnit(ctx context.Context, unit, key string) (string, error)

	// SetUnit writes the value for one unit's key. Callers must only
	// write records for their own unit.
	SetUnit(ctx context.Context, unit, key, value string) error

	// UnitValues returns the values stored under key for every unit
	// that has written one, keyed by unit name.
	UnitValues(ctx context.Context, key string) (map[string]string, error)

	// GetGroup returns the group-scoped value for key.
	GetGroup(ctx context.Context, key string) (string, error)

	// SetGroup writes the group-scoped value for key. Only the leader
	// may call this.
	SetGroup(ctx context.Context, key, value string) error
}
