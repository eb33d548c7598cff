// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/hashicorp/go-hclog"
	"github.com/rs/cors"
)

// allowCORS sets permissive CORS headers for the read endpoints so local
// UIs can poll task state.
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer wraps an Agent and exposes it over HTTP.
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger
	Addr       string
}

// NewHTTPServer starts the HTTP server over the agent.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", config.HTTPAddr())
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %w", err)
	}

	srv := &HTTPServer{
		agent:      agent,
		mux:        http.NewServeMux(),
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.logger.Named("http"),
		Addr:       ln.Addr().String(),
	}
	srv.registerHandlers(config.EnableDebug)

	gzip, err := gziphandler.GzipHandlerWithOpts(gziphandler.MinSize(0))
	if err != nil {
		ln.Close()
		return nil, err
	}

	go func() {
		defer close(srv.listenerCh)
		http.Serve(ln, gzip(srv.mux))
	}()

	srv.logger.Info("http server started", "address", srv.Addr)
	return srv, nil
}

// Shutdown closes the listener and waits for the serve loop to return.
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		s.listener.Close()
		<-s.listenerCh
	}
}

func (s *HTTPServer) registerHandlers(enableDebug bool) {
	s.mux.HandleFunc("/v1/tasks", s.wrap(s.TasksRequest))
	s.mux.HandleFunc("/v1/tasks/", s.wrap(s.TaskSpecificRequest))
	s.mux.Handle("/v1/zones", allowCORS.Handler(http.HandlerFunc(s.wrap(s.ZonesRequest))))
	s.mux.Handle("/v1/agent/health", allowCORS.Handler(http.HandlerFunc(s.wrap(s.HealthRequest))))

	if enableDebug {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// HTTPCodedError carries an HTTP status code alongside the error.
type HTTPCodedError interface {
	error
	Code() int
}

// CodedError builds an HTTPCodedError.
func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string { return e.s }
func (e *codedError) Code() int     { return e.code }

// wrap turns an (obj, error) endpoint into an http.HandlerFunc: errors map
// to status codes, objects are rendered as JSON.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
		}()

		obj, err := handler(resp, req)
		if err != nil {
			code := 500
			if coded, ok := err.(HTTPCodedError); ok {
				code = coded.Code()
			}
			s.logger.Error("request failed", "method", req.Method, "path", reqURL, "error", err, "code", code)
			resp.WriteHeader(code)
			resp.Write([]byte(err.Error()))
			return
		}
		if obj == nil {
			return
		}

		buf, err := json.Marshal(obj)
		if err != nil {
			s.logger.Error("failed to encode response", "path", reqURL, "error", err)
			resp.WriteHeader(500)
			resp.Write([]byte(err.Error()))
			return
		}
		resp.Header().Set("Content-Type", "application/json")
		resp.Write(buf)
	}
}
