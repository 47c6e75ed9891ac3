// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package api_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"github.com/prometheus/client_golang/prometheus"
	gc "gopkg.in/check.v1"

	"github.com/canonical/benchd/core/phase"
	"github.com/canonical/benchd/internal/agent"
	"github.com/canonical/benchd/internal/api"
)

const longWait = 10 * time.Second

type stubReporter struct {
	info agent.StatusInfo
}

func (r *stubReporter) Report() agent.StatusInfo {
	return r.info
}

type serverSuite struct {
	testing.IsolationSuite

	hub      *pubsub.SimpleHub
	reporter *stubReporter
	server   *api.Server
}

var _ = gc.Suite(&serverSuite{})

func (s *serverSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.hub = pubsub.NewSimpleHub(nil)
	s.reporter = &stubReporter{info: agent.StatusInfo{Phase: phase.Unset}}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)

	registry := prometheus.NewRegistry()
	c.Assert(registry.Register(agent.NewMetricsCollector()), jc.ErrorIsNil)

	s.server, err = api.NewServer(api.ServerConfig{
		Listener: listener,
		Hub:      s.hub,
		Reporter: s.reporter,
		Registry: registry,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, s.server) })
}

func (s *serverSuite) url(path string) string {
	return fmt.Sprintf("http://%s%s", s.server.Addr(), path)
}

func (s *serverSuite) TestActionPublishes(c *gc.C) {
	received := make(chan string, 1)
	unsub := s.hub.Subscribe(agent.RunTopic, func(topic string, _ interface{}) {
		received <- topic
	})
	defer unsub()

	resp, err := http.Post(s.url("/v1/actions/run"), "application/json", nil)
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusAccepted)

	var body struct {
		Action string `json:"action"`
		Queued bool   `json:"queued"`
	}
	c.Assert(json.NewDecoder(resp.Body).Decode(&body), jc.ErrorIsNil)
	c.Check(body.Action, gc.Equals, "run")
	c.Check(body.Queued, jc.IsTrue)

	select {
	case topic := <-received:
		c.Check(topic, gc.Equals, agent.RunTopic)
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for published action")
	}
}

func (s *serverSuite) TestUnknownAction(c *gc.C) {
	resp, err := http.Post(s.url("/v1/actions/detonate"), "application/json", nil)
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusNotFound)

	var body struct {
		Error string `json:"error"`
	}
	c.Assert(json.NewDecoder(resp.Body).Decode(&body), jc.ErrorIsNil)
	c.Check(body.Error, gc.Equals, `unknown action "detonate"`)
}

func (s *serverSuite) TestActionRequiresPost(c *gc.C) {
	resp, err := http.Get(s.url("/v1/actions/run"))
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusMethodNotAllowed)
}

func (s *serverSuite) TestStatus(c *gc.C) {
	s.reporter.info = agent.StatusInfo{
		Phase:   phase.Running,
		Message: "all good",
	}
	resp, err := http.Get(s.url("/v1/status"))
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(resp.Header.Get("Content-Type"), gc.Equals, "application/json")

	var info agent.StatusInfo
	c.Assert(json.NewDecoder(resp.Body).Decode(&info), jc.ErrorIsNil)
	c.Check(info, jc.DeepEquals, s.reporter.info)
}

func (s *serverSuite) TestMetrics(c *gc.C) {
	resp, err := http.Get(s.url("/metrics"))
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(strings.Contains(string(body), "benchd_status_divergences_total"), jc.IsTrue)
}

func (s *serverSuite) TestValidateConfig(c *gc.C) {
	_, err := api.NewServer(api.ServerConfig{})
	c.Assert(err, gc.ErrorMatches, "missing Listener not valid")
}
