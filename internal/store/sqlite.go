// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS unit_data (
    unit_name TEXT NOT NULL,
    key       TEXT NOT NULL,
    value     TEXT NOT NULL,
    PRIMARY KEY (unit_name, key)
);

CREATE TABLE IF NOT EXISTS group_data (
    key   TEXT NOT NULL PRIMARY KEY,
    value TEXT NOT NULL
);
`

type unitRecord struct {
	Unit  string `db:"unit_name"`
	Key   string `db:"key"`
	Value string `db:"value"`
}

type groupRecord struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// SQLiteStore persists the shared status records in a single SQLite
// file. In a deployment the file lives on storage shared between the
// agents; every write is an upsert, giving last-writer-wins per key.
type SQLiteStore struct {
	db  *sqlair.DB
	raw *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the store at path.
// The special path ":memory:" opens a private in-memory store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "opening status store %q", path)
	}
	// A single connection keeps the in-memory variant coherent and is
	// ample for the agent's sequential access pattern.
	raw.SetMaxOpenConns(1)
	if _, err := raw.ExecContext(context.Background(), schemaDDL); err != nil {
		_ = raw.Close()
		return nil, errors.Annotate(err, "creating status store schema")
	}
	return &SQLiteStore{db: sqlair.NewDB(raw), raw: raw}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return errors.Trace(s.raw.Close())
}

// GetUnit is part of the Store interface.
func (s *SQLiteStore) GetUnit(ctx context.Context, unit, key string) (string, error) {
	rec := unitRecord{Unit: unit, Key: key}
	stmt, err := sqlair.Prepare(`
SELECT &unitRecord.*
FROM   unit_data
WHERE  unit_name = $unitRecord.unit_name
AND    key = $unitRecord.key`, unitRecord{})
	if err != nil {
		return "", errors.Trace(err)
	}
	var out unitRecord
	err = s.db.Query(ctx, stmt, rec).Get(&out)
	if errors.Is(err, sqlair.ErrNoRows) {
		return "", errors.NotFoundf("unit %q key %q", unit, key)
	} else if err != nil {
		return "", errors.Trace(err)
	}
	return out.Value, nil
}

// SetUnit is part of the Store interface.
func (s *SQLiteStore) SetUnit(ctx context.Context, unit, key, value string) error {
	rec := unitRecord{Unit: unit, Key: key, Value: value}
	stmt, err := sqlair.Prepare(`
INSERT INTO unit_data (unit_name, key, value)
VALUES ($unitRecord.unit_name, $unitRecord.key, $unitRecord.value)
ON CONFLICT (unit_name, key) DO UPDATE SET value = excluded.value`, unitRecord{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.db.Query(ctx, stmt, rec).Run())
}

// UnitValues is part of the Store interface.
func (s *SQLiteStore) UnitValues(ctx context.Context, key string) (map[string]string, error) {
	rec := unitRecord{Key: key}
	stmt, err := sqlair.Prepare(`
SELECT &unitRecord.*
FROM   unit_data
WHERE  key = $unitRecord.key`, unitRecord{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []unitRecord
	err = s.db.Query(ctx, stmt, rec).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return map[string]string{}, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Unit] = row.Value
	}
	return values, nil
}

// GetGroup is part of the Store interface.
func (s *SQLiteStore) GetGroup(ctx context.Context, key string) (string, error) {
	rec := groupRecord{Key: key}
	stmt, err := sqlair.Prepare(`
SELECT &groupRecord.*
FROM   group_data
WHERE  key = $groupRecord.key`, groupRecord{})
	if err != nil {
		return "", errors.Trace(err)
	}
	var out groupRecord
	err = s.db.Query(ctx, stmt, rec).Get(&out)
	if errors.Is(err, sqlair.ErrNoRows) {
		return "", errors.NotFoundf("group key %q", key)
	} else if err != nil {
		return "", errors.Trace(err)
	}
	return out.Value, nil
}

// SetGroup is part of the Store interface.
func (s *SQLiteStore) SetGroup(ctx context.Context, key, value string) error {
	rec := groupRecord{Key: key, Value: value}
	stmt, err := sqlair.Prepare(`
INSERT INTO group_data (key, value)
VALUES ($groupRecord.key, $groupRecord.value)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`, groupRecord{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.db.Query(ctx, stmt, rec).Run())
}
