// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

// MemoryStore is an in-process Store. It backs tests and single-unit
// deployments where no storage is shared with peers.
type MemoryStore struct {
	mu    sync.Mutex
	unit  map[string]map[string]string
	group map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		unit:  make(map[string]map[string]string),
		group: make(map[string]string),
	}
}

// GetUnit is part of the Store interface.
func (s *MemoryStore) GetUnit(_ context.Context, unit, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.unit[unit][key]; ok {
		return value, nil
	}
	return "", errors.NotFoundf("unit %q key %q", unit, key)
}

// SetUnit is part of the Store interface.
func (s *MemoryStore) SetUnit(_ context.Context, unit, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unit[unit] == nil {
		s.unit[unit] = make(map[string]string)
	}
	s.unit[unit][key] = value
	return nil
}

// UnitValues is part of the Store interface.
func (s *MemoryStore) UnitValues(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make(map[string]string)
	for unit, data := range s.unit {
		if value, ok := data[key]; ok {
			values[unit] = value
		}
	}
	return values, nil
}

// GetGroup is part of the Store interface.
func (s *MemoryStore) GetGroup(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.group[key]; ok {
		return value, nil
	}
	return "", errors.NotFoundf("group key %q", key)
}

// SetGroup is part of the Store interface.
func (s *MemoryStore) SetGroup(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.group[key] = value
	return nil
}
