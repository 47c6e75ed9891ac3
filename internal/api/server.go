// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package api exposes the agent's operator surface over HTTP: the
// benchmark actions, the reconciled status and the metrics endpoint.
// Actions are not executed in-request; they are published to the hub
// and picked up by the agent loop.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/tomb.v2"

	"github.com/canonical/benchd/internal/agent"
)

var logger = loggo.GetLogger("benchd.api")

const shutdownTimeout = 5 * time.Second

// StatusReporter provides the agent status served by the API.
type StatusReporter interface {
	Report() agent.StatusInfo
}

// ServerConfig holds the dependencies of the API server.
type ServerConfig struct {
	// Listener is the server's listening socket; the server takes
	// ownership and closes it on shutdown.
	Listener net.Listener

	Hub      *pubsub.SimpleHub
	Reporter StatusReporter

	// Registry is optional; when set the server also serves /metrics.
	Registry prometheus.Gatherer
}

// Validate ensures that the config values are valid.
func (c *ServerConfig) Validate() error {
	if c.Listener == nil {
		return errors.NotValidf("missing Listener")
	}
	if c.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if c.Reporter == nil {
		return errors.NotValidf("missing Reporter")
	}
	return nil
}

// Server serves the agent API until killed.
type Server struct {
	tomb tomb.Tomb
	cfg  ServerConfig
	srv  *http.Server
}

// NewServer starts the API server on the config's listener.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Server{cfg: cfg}

	router := mux.NewRouter()
	router.HandleFunc("/v1/actions/{action}", s.handleAction).Methods("POST")
	router.HandleFunc("/v1/status", s.handleStatus).Methods("GET")
	if cfg.Registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})).Methods("GET")
	}
	s.srv = &http.Server{Handler: router}

	s.tomb.Go(s.loop)
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.tomb.Wait()
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.cfg.Listener.Addr().String()
}

func (s *Server) loop() error {
	logger.Infof("serving agent API on %s", s.Addr())
	served := make(chan error, 1)
	go func() {
		served <- s.srv.Serve(s.cfg.Listener)
	}()
	select {
	case <-s.tomb.Dying():
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			logger.Warningf("shutting down API server: %v", err)
		}
		<-served
		return tomb.ErrDying
	case err := <-served:
		if err == http.ErrServerClosed {
			return tomb.ErrDying
		}
		return errors.Trace(err)
	}
}

type actionResponse struct {
	Action string `json:"action"`
	Queued bool   `json:"queued"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["action"]
	topic, ok := agent.ActionTopic(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{
			Error: fmt.Sprintf("unknown action %q", name),
		})
		return
	}
	logger.Infof("queueing action %q", name)
	s.cfg.Hub.Publish(topic, nil)
	s.writeJSON(w, http.StatusAccepted, actionResponse{Action: name, Queued: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Reporter.Report())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		logger.Errorf("writing response: %v", err)
	}
}
