// Package api exposes the monitor over HTTP: JSON endpoints for status,
// tracks and the incident catalogue, plus the alert WebSocket and the live
// MJPEG preview.
package api

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"sentinai/internal/auth"
	"sentinai/internal/database"
	apimw "sentinai/internal/middleware"
	"sentinai/internal/pipeline"
)

// MonitorInfo is the read side of the pipeline monitor
type MonitorInfo interface {
	Stats() pipeline.MonitorStats
	Tracks() []pipeline.TrackView
}

// Store is the incident catalogue
type Store interface {
	GetIncident(id string) (*database.IncidentRecord, error)
	ListIncidents(f database.IncidentFilter) ([]*database.IncidentRecord, error)
	ListThreatEvents(cameraID string, since *time.Time, limit int) ([]*database.ThreatEventRecord, error)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) bool

// Options configures the HTTP server
type Options struct {
	Monitor MonitorInfo
	Store   Store                  // optional; incident routes answer 503 without it
	Auth    *auth.Authenticator    // optional; nil disables authentication
	Alerts  http.Handler           // optional; mounted on /ws/alerts
	Live    http.Handler           // optional; mounted on /video/live
	Checks  map[string]HealthCheck // readiness checks
	Debug   bool                   // dump JSON request and response bodies
	Logger  *log.Logger
}

// Mount describes a route for startup logging
type Mount struct {
	Verb    string
	Pattern string
}

// Server routes HTTP requests to the monitor
type Server struct {
	opts    Options
	logger  *log.Logger
	mux     goahttp.Muxer
	handler http.Handler
	started time.Time

	// Mounts lists the mounted routes
	Mounts []Mount
}

// New builds the server and mounts every route
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	s := &Server{
		opts:    opts,
		logger:  logger,
		mux:     goahttp.NewMuxer(),
		started: time.Now(),
	}

	access := httpmdlwr.Log(middleware.NewLogger(logger))
	logged := func(h http.Handler) http.Handler {
		if opts.Debug {
			h = httpmdlwr.Debug(s.mux, os.Stdout)(h)
		}
		return access(h)
	}
	secured := apimw.AuthMiddleware(opts.Auth)

	public := func(h http.HandlerFunc) http.Handler { return logged(h) }
	private := func(h http.HandlerFunc) http.Handler { return logged(secured(h)) }

	s.handle("GET", "/health", public(s.healthz))
	s.handle("GET", "/ready", public(s.readyz))
	s.handle("POST", "/api/auth/login", public(s.login))
	s.handle("GET", "/api/auth/status", public(s.authStatus))

	s.handle("GET", "/api/status", private(s.status))
	s.handle("GET", "/api/tracks", private(s.tracks))
	s.handle("GET", "/api/threats", private(s.threats))
	s.handle("GET", "/api/incidents", private(s.listIncidents))
	s.handle("GET", "/api/incidents/{id}", private(s.getIncident))
	s.handle("GET", "/api/incidents/{id}/report", private(s.incidentReport))
	s.handle("GET", "/api/incidents/{id}/video", private(s.incidentVideo))
	s.handle("GET", "/api/incidents/{id}/snapshot", private(s.incidentSnapshot))

	// Streams hijack or flush the connection, so they skip the log wrapper
	if opts.Alerts != nil {
		s.handle("GET", "/ws/alerts", opts.Alerts)
	}
	if opts.Live != nil {
		s.handle("GET", "/video/live", opts.Live)
	}

	s.handler = httpmdlwr.RequestID()(s.mux)
	return s
}

func (s *Server) handle(verb, pattern string, h http.Handler) {
	s.mux.Handle(verb, pattern, h.ServeHTTP)
	s.Mounts = append(s.Mounts, Mount{Verb: verb, Pattern: pattern})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ErrorBody is the JSON body of every error response
type ErrorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) encode(w http.ResponseWriter, r *http.Request, status int, v any) {
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.logger.Printf("[%s] ERROR: encoding: %s", requestID(r.Context()), err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	id := requestID(r.Context())
	if status >= http.StatusInternalServerError {
		s.logger.Printf("[%s] ERROR: %s", id, err)
	}
	s.encode(w, r, status, ErrorBody{Error: err.Error(), RequestID: id})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}
