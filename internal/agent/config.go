// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package agent

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/names/v5"
	"github.com/juju/schema"
	"gopkg.in/yaml.v2"
)

var configFields = schema.Fields{
	"unit-name":          schema.String(),
	"group-size":         schema.Int(),
	"leader":             schema.Bool(),
	"data-dir":           schema.String(),
	"scripts-dir":        schema.String(),
	"runner-path":        schema.String(),
	"listen-addr":        schema.String(),
	"threads":            schema.Int(),
	"duration":           schema.Int(),
	"tables":             schema.Int(),
	"scale":              schema.Int(),
	"logging-config":     schema.String(),
	"max-status-retries": schema.Int(),
}

var configDefaults = schema.Defaults{
	"group-size":         int64(1),
	"leader":             false,
	"data-dir":           "/var/lib/benchd",
	"scripts-dir":        "/usr/share/benchd/scripts",
	"runner-path":        "/usr/bin/benchd-sysbench",
	"listen-addr":        ":8089",
	"threads":            int64(8),
	"duration":           int64(0),
	"tables":             int64(10),
	"scale":              int64(100),
	"logging-config":     "benchd=INFO",
	"max-status-retries": int64(32),
}

// Config holds the agent's static configuration, read once at startup.
type Config struct {
	// UnitName identifies this agent within its benchmark group.
	UnitName string

	// GroupSize is the number of agents in the group; Leader marks
	// the one that publishes the group status record.
	GroupSize int
	Leader    bool

	// DataDir is the root for everything the agent persists: relation
	// payloads, secrets and the shared status database.
	DataDir string

	// ScriptsDir holds the per-database workload scripts.
	ScriptsDir string

	// RunnerPath is the benchmark runner binary.
	RunnerPath string

	// ListenAddr is the HTTP API and metrics address.
	ListenAddr string

	// Threads, Duration, Tables and Scale are the workload tunables.
	Threads  int
	Duration int
	Tables   int
	Scale    int

	// LoggingConfig is a loggo specification, eg "benchd=DEBUG".
	LoggingConfig string

	// MaxStatusRetries bounds a single status divergence episode.
	MaxStatusRetries int
}

// RelationsDir returns the directory holding relation payload files.
func (c Config) RelationsDir() string {
	return filepath.Join(c.DataDir, "relations")
}

// SecretsDir returns the directory holding credential files.
func (c Config) SecretsDir() string {
	return filepath.Join(c.DataDir, "secrets")
}

// StorePath returns the shared status database file.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, "benchd.db")
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if !names.IsValidUnit(c.UnitName) {
		return errors.NotValidf("unit name %q", c.UnitName)
	}
	if c.GroupSize < 1 {
		return errors.NotValidf("group size %d", c.GroupSize)
	}
	if c.Threads < 1 {
		return errors.NotValidf("thread count %d", c.Threads)
	}
	if c.Duration < 0 {
		return errors.NotValidf("duration %d", c.Duration)
	}
	if c.Tables < 1 {
		return errors.NotValidf("table count %d", c.Tables)
	}
	if c.Scale < 1 {
		return errors.NotValidf("scale %d", c.Scale)
	}
	if c.MaxStatusRetries < 1 {
		return errors.NotValidf("max status retries %d", c.MaxStatusRetries)
	}
	return nil
}

// ParseConfig parses and validates a YAML agent configuration.
func ParseConfig(data []byte) (Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Annotate(err, "parsing configuration")
	}
	coerced, err := schema.FieldMap(configFields, configDefaults).Coerce(raw, nil)
	if err != nil {
		return Config{}, errors.Annotate(err, "validating configuration")
	}
	m := coerced.(map[string]interface{})
	cfg := Config{
		UnitName:         m["unit-name"].(string),
		GroupSize:        int(m["group-size"].(int64)),
		Leader:           m["leader"].(bool),
		DataDir:          m["data-dir"].(string),
		ScriptsDir:       m["scripts-dir"].(string),
		RunnerPath:       m["runner-path"].(string),
		ListenAddr:       m["listen-addr"].(string),
		Threads:          int(m["threads"].(int64)),
		Duration:         int(m["duration"].(int64)),
		Tables:           int(m["tables"].(int64)),
		Scale:            int(m["scale"].(int64)),
		LoggingConfig:    m["logging-config"].(string),
		MaxStatusRetries: int(m["max-status-retries"].(int64)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// ReadConfig loads the agent configuration from a YAML file.
func ReadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading configuration")
	}
	cfg, err := ParseConfig(data)
	return cfg, errors.Trace(err)
}
