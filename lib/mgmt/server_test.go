// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mgmt

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"git.tinkerhpc.org/jobdispatch.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ServerSuite{})

type ServerSuite struct {
	reg *prometheus.Registry
}

func (s *ServerSuite) SetUpTest(c *check.C) {
	s.reg = prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobdispatch",
		Name:      "test_gauge",
		Help:      "test",
	})
	g.Set(3)
	s.reg.MustRegister(g)
}

func (s *ServerSuite) do(c *check.C, h http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func (s *ServerSuite) TestOpen(c *check.C) {
	srv := &Server{Registry: s.reg, Logger: ctxlog.TestLogger(c)}
	resp := s.do(c, srv, "/metrics", "")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*^jobdispatch_test_gauge 3$.*`)

	resp = s.do(c, srv, "/_health/ping", "")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Equals, `{"health":"OK"}`+"\n")

	resp = s.do(c, srv, "/_health/bogus", "")
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *ServerSuite) TestMetricsJSON(c *check.C) {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobdispatch",
		Name:      "test_total",
		Help:      "test counter",
	}, []string{"class"})
	cv.WithLabelValues("GPU").Add(2)
	s.reg.MustRegister(cv)

	srv := &Server{Registry: s.reg, Token: "secret", Logger: ctxlog.TestLogger(c)}
	c.Check(s.do(c, srv, "/metrics.json", "").Code, check.Equals, http.StatusUnauthorized)
	resp := s.do(c, srv, "/metrics.json", "secret")
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Header().Get("Content-Type"), check.Equals, "application/json")
	var ents []struct {
		Name   string
		Help   string
		Type   string
		Metric []struct {
			Label []struct {
				Name  string
				Value string
			}
			Counter struct{ Value float64 }
			Gauge   struct{ Value float64 }
		}
	}
	c.Assert(json.NewDecoder(resp.Body).Decode(&ents), check.IsNil)
	c.Assert(ents, check.HasLen, 2)
	// families are sorted by name
	c.Check(ents[0].Name, check.Equals, "jobdispatch_test_gauge")
	c.Check(ents[0].Type, check.Equals, "GAUGE")
	c.Assert(ents[0].Metric, check.HasLen, 1)
	c.Check(ents[0].Metric[0].Gauge.Value, check.Equals, 3.0)
	c.Check(ents[1].Name, check.Equals, "jobdispatch_test_total")
	c.Check(ents[1].Help, check.Equals, "test counter")
	c.Check(ents[1].Type, check.Equals, "COUNTER")
	c.Assert(ents[1].Metric, check.HasLen, 1)
	c.Check(ents[1].Metric[0].Label[0].Name, check.Equals, "class")
	c.Check(ents[1].Metric[0].Label[0].Value, check.Equals, "GPU")
	c.Check(ents[1].Metric[0].Counter.Value, check.Equals, 2.0)
}

func (s *ServerSuite) TestToken(c *check.C) {
	srv := &Server{Registry: s.reg, Token: "secret", Logger: ctxlog.TestLogger(c)}
	c.Check(s.do(c, srv, "/metrics", "").Code, check.Equals, http.StatusUnauthorized)
	c.Check(s.do(c, srv, "/metrics", "wrong").Code, check.Equals, http.StatusForbidden)
	c.Check(s.do(c, srv, "/metrics", "secret").Code, check.Equals, http.StatusOK)
	c.Check(s.do(c, srv, "/_health/ping", "").Code, check.Equals, http.StatusUnauthorized)
	c.Check(s.do(c, srv, "/_health/ping", "secret").Code, check.Equals, http.StatusOK)
}

func (s *ServerSuite) TestFailingCheck(c *check.C) {
	srv := &Server{
		Registry: s.reg,
		Logger:   ctxlog.TestLogger(c),
		Checks:   Routes{"lock": func() error { return errors.New("lock service unreachable") }},
	}
	resp := s.do(c, srv, "/_health/lock", "")
	c.Check(resp.Code, check.Equals, http.StatusInternalServerError)
	c.Check(resp.Body.String(), check.Equals, `{"error":"lock service unreachable","health":"ERROR"}`+"\n")
}

func (s *ServerSuite) TestListen(c *check.C) {
	srv := &Server{Addr: "127.0.0.1:0", MaxConns: 2, Registry: s.reg, Logger: ctxlog.TestLogger(c)}
	c.Check(srv.Address(), check.Equals, "")
	c.Assert(srv.Start(), check.IsNil)
	defer srv.Close()
	resp, err := http.Get("http://" + srv.Address() + "/metrics")
	c.Assert(err, check.IsNil)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	c.Check(err, check.IsNil)
	c.Check(string(body), check.Matches, `(?ms).*jobdispatch_test_gauge 3.*`)
}

func (s *ServerSuite) TestRequestLog(c *check.C) {
	var logbuf bytes.Buffer
	srv := &Server{Registry: s.reg, Token: "secret", Logger: ctxlog.New(&logbuf, "json", "debug")}
	s.do(c, srv, "/metrics", "secret")
	s.do(c, srv, "/metrics", "wrong")
	c.Check(logbuf.String(), check.Matches, `(?ms).*"level":"debug".*"reqPath":"/metrics".*"respStatusCode":200.*`)
	c.Check(logbuf.String(), check.Matches, `(?ms).*"level":"info".*"respStatusCode":403.*`)
}
