// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package mgmt serves Prometheus metrics and health checks for a
// running dispatcher or pool-drain worker.
package mgmt

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gogo/protobuf/jsonpb"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

// Server serves GET /metrics, /metrics.json, and /_health/ping.
type Server struct {
	// Listening address, e.g., ":9090" or "localhost:0".
	Addr string
	// If not empty, requests must carry "Authorization: Bearer
	// {Token}".
	Token string
	// If positive, limit the number of concurrent connections.
	MaxConns int
	Registry *prometheus.Registry
	Logger   logrus.FieldLogger
	// Additional health checks, served at /_health/{name}.
	Checks Routes

	setupOnce sync.Once
	handler   http.Handler
	srv       *http.Server
	ln        net.Listener
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.setupOnce.Do(s.setup)
	s.handler.ServeHTTP(w, r)
}

func (s *Server) setup() {
	if s.Logger == nil {
		s.Logger = logrus.StandardLogger()
	}
	reg := s.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	mux := httprouter.New()
	metricsH := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: s.Logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.Handler("GET", "/metrics.json", exportJSON(reg, s.Logger))
	mux.Handler("GET", "/_health/:check", &healthHandler{
		Prefix: "/_health/",
		Routes: s.Checks,
	})
	s.handler = logRequests(s.Logger, requireToken(s.Token, mux))
}

// Start listens on Addr and serves requests in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	if s.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.MaxConns)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: time.Minute,
	}
	go func() {
		err := s.srv.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			s.Logger.WithError(err).Error("management server stopped")
		}
	}()
	s.setupOnce.Do(s.setup)
	s.Logger.WithField("Listen", ln.Addr().String()).Info("serving metrics and health checks")
	return nil
}

// Address returns the address the server is listening on, or "" if
// it has not been started.
func (s *Server) Address() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops the server.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// exportJSON serves the gathered metric families as a JSON array.
func exportJSON(reg *prometheus.Registry, logger logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mfs, err := reg.Gather()
		if err != nil {
			logger.WithError(err).Warn("error gathering metrics")
		}
		jm := jsonpb.Marshaler{Indent: "  "}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte{'['})
		for i, mf := range mfs {
			if i > 0 {
				w.Write([]byte{','})
			}
			jm.Marshal(w, mf)
		}
		w.Write([]byte{']'})
	})
}

func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ah := r.Header.Get("Authorization"); ah == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
		} else if ah != "Bearer "+token {
			http.Error(w, "authorization error", http.StatusForbidden)
		} else {
			next.ServeHTTP(w, r)
		}
	})
}
