// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"bytes"
	"text/template"

	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"

	"github.com/canonical/benchd/core/bench"
)

var serviceUnitTemplate = template.Must(template.New("service").Parse(`[Unit]
Description=benchd {{.Driver}} workload
Wants=network-online.target
After=network-online.target

[Service]
Type=simple
ExecStart={{.ExecStart}}
Restart=no
TimeoutStartSec=0

[Install]
WantedBy=multi-user.target
`))

const preparedTargetUnit = `[Unit]
Description=benchd prepare step completed
`

// renderServiceUnit produces the systemd service definition running
// the workload until stopped or its duration elapses.
func renderServiceUnit(binary string, opts bench.ExecutionOptions, script string, labels []string) ([]byte, error) {
	command := append([]string{binary}, commandArgs(opts, script, "run", labels)...)
	var buf bytes.Buffer
	err := serviceUnitTemplate.Execute(&buf, struct {
		Driver    string
		ExecStart string
	}{
		Driver:    driverName(opts.Database.Kind),
		ExecStart: shellquote.Join(command...),
	})
	if err != nil {
		return nil, errors.Annotate(err, "rendering service unit")
	}
	return buf.Bytes(), nil
}
