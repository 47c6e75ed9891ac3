// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"fmt"
	"strings"

	"github.com/canonical/benchd/core/bench"
)

// driverName maps a connection kind to the workload driver argument.
func driverName(kind bench.Kind) string {
	if kind == bench.PostgreSQL {
		return "pgsql"
	}
	return "mysql"
}

// commandArgs assembles the workload runner's argument list for one of
// its commands (prepare, run, clean).
func commandArgs(opts bench.ExecutionOptions, script, command string, labels []string) []string {
	db := opts.Database
	args := []string{
		"--tpcc-script=" + script,
		"--db-driver=" + driverName(db.Kind),
		fmt.Sprintf("--threads=%d", opts.Threads),
		fmt.Sprintf("--tables=%d", db.Tables),
		fmt.Sprintf("--scale=%d", db.Scale),
		"--db-name=" + db.Database,
		"--db-user=" + db.Username,
		"--db-password=" + db.Password,
	}
	if db.Socket != "" {
		args = append(args, "--db-socket="+db.Socket)
	} else {
		args = append(args,
			"--db-host="+db.Host,
			fmt.Sprintf("--db-port=%d", db.Port),
		)
	}
	args = append(args,
		fmt.Sprintf("--duration=%d", opts.Duration),
		"--command="+command,
		"--extra-labels="+strings.Join(labels, ","),
	)
	return args
}
