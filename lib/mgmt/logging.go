// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mgmt

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(p []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(p)
	rr.bytes += int64(n)
	return n, err
}

// logRequests logs each response via logger. Successful requests are
// logged at debug level, since metrics are typically scraped every
// few seconds.
func logRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t0 := time.Now()
		rr := &responseRecorder{ResponseWriter: w}
		h.ServeHTTP(rr, req)
		status := rr.status
		if status == 0 {
			status = http.StatusOK
		}
		lgr := logger.WithFields(logrus.Fields{
			"remoteAddr":     req.RemoteAddr,
			"reqMethod":      req.Method,
			"reqPath":        req.URL.Path,
			"respStatusCode": status,
			"respBytes":      rr.bytes,
			"timeTotal":      time.Since(t0).Seconds(),
		})
		if status >= 400 {
			lgr.Info("response")
		} else {
			lgr.Debug("response")
		}
	})
}
