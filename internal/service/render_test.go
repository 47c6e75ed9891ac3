// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"strings"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/benchd/core/bench"
)

type renderSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&renderSuite{})

func (s *renderSuite) TestRenderServiceUnit(c *gc.C) {
	data, err := renderServiceUnit("/usr/bin/benchd-sysbench", testOptions(), "/usr/share/benchd/scripts/mysql.lua", []string{"m", "benchd/0"})
	c.Assert(err, jc.ErrorIsNil)

	unit := string(data)
	c.Check(unit, jc.Contains, "Description=benchd mysql workload")
	c.Check(unit, jc.Contains, "--db-driver=mysql")
	c.Check(unit, jc.Contains, "--db-host=10.0.0.4")
	c.Check(unit, jc.Contains, "--db-port=3306")
	c.Check(unit, jc.Contains, "--threads=8")
	c.Check(unit, jc.Contains, "--duration=600")
	c.Check(unit, jc.Contains, "--command=run")
	c.Check(unit, jc.Contains, "WantedBy=multi-user.target")
}

func (s *renderSuite) TestRenderQuotesCredentials(c *gc.C) {
	opts := testOptions()
	opts.Database.Password = "pa ss'word"
	data, err := renderServiceUnit("/usr/bin/benchd-sysbench", opts, "script.lua", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), jc.Contains, `'--db-password=pa ss'\''word'`)
}

func (s *renderSuite) TestRenderSocketEndpoint(c *gc.C) {
	opts := testOptions()
	opts.Database.Host = ""
	opts.Database.Port = 0
	opts.Database.Socket = "/var/run/mysqld/mysqld.sock"
	data, err := renderServiceUnit("/usr/bin/benchd-sysbench", opts, "script.lua", nil)
	c.Assert(err, jc.ErrorIsNil)

	unit := string(data)
	c.Check(unit, jc.Contains, "--db-socket=/var/run/mysqld/mysqld.sock")
	c.Check(unit, gc.Not(jc.Contains), "--db-host")
}

func (s *renderSuite) TestCommandArgsPostgres(c *gc.C) {
	opts := testOptions()
	opts.Database.Kind = bench.PostgreSQL
	args := commandArgs(opts, "pgsql.lua", "prepare", nil)
	c.Check(strings.Join(args, "\n"), jc.Contains, "--db-driver=pgsql")
	c.Check(strings.Join(args, "\n"), jc.Contains, "--command=prepare")
}
