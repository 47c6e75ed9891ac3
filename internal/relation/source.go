// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"gopkg.in/yaml.v2"

	"github.com/canonical/benchd/core/bench"
)

// DirSource reads relation payloads from one YAML file per connection
// kind inside a directory. The runtime materialises relation data as
// <dir>/<kind>.yaml and removes the file when the relation is broken.
type DirSource struct {
	dir string
}

// NewDirSource returns a source reading from dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Payload is part of the Source interface.
func (s *DirSource) Payload(kind bench.Kind) (Payload, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, string(kind)+".yaml"))
	if os.IsNotExist(err) {
		return Payload{}, false, nil
	} else if err != nil {
		return Payload{}, false, errors.Annotatef(err, "reading relation payload for %q", kind)
	}
	var payload Payload
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return Payload{}, false, errors.Annotatef(err, "parsing relation payload for %q", kind)
	}
	return payload, true, nil
}
