// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package secrets resolves opaque credential references from relation
// payloads into usable credentials. The agent never stores credentials
// itself; the payload carries only a reference.
package secrets

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"gopkg.in/yaml.v2"
)

// Credentials holds one resolved username/password pair.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Resolver turns a credentialsRef from a relation payload into
// credentials.
type Resolver interface {
	// Lookup resolves ref. A missing reference returns an error
	// satisfying errors.NotFound.
	Lookup(ref string) (Credentials, error)
}

// DirResolver resolves references against YAML files named after the
// reference inside a directory, the way the runtime delivers granted
// secrets to the agent.
type DirResolver struct {
	dir string
}

// NewDirResolver returns a resolver reading from dir.
func NewDirResolver(dir string) *DirResolver {
	return &DirResolver{dir: dir}
}

// Lookup is part of the Resolver interface.
func (r *DirResolver) Lookup(ref string) (Credentials, error) {
	if ref == "" {
		return Credentials{}, errors.NotValidf("empty credentials reference")
	}
	data, err := os.ReadFile(filepath.Join(r.dir, filepath.Base(ref)+".yaml"))
	if os.IsNotExist(err) {
		return Credentials{}, errors.NotFoundf("credentials %q", ref)
	} else if err != nil {
		return Credentials{}, errors.Annotatef(err, "reading credentials %q", ref)
	}
	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return Credentials{}, errors.Annotatef(err, "parsing credentials %q", ref)
	}
	return creds, nil
}
