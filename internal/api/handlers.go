package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"

	"sentinai/internal/auth"
	"sentinai/internal/database"
	apimw "sentinai/internal/middleware"
	"sentinai/internal/pipeline"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var errNoStore = errors.New("incident catalogue is not enabled")

// HealthResult is returned by the health probes
type HealthResult struct {
	Status string          `json:"status"`
	Checks map[string]bool `json:"checks,omitempty"`
}

// healthz is the liveness probe: the process is alive if it answers
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, HealthResult{Status: "ok"})
}

// readyz runs every dependency check
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	res := HealthResult{Status: "ok", Checks: make(map[string]bool, len(s.opts.Checks))}
	status := http.StatusOK
	for name, check := range s.opts.Checks {
		ok := check(r.Context())
		res.Checks[name] = ok
		if !ok {
			res.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	s.encode(w, r, status, res)
}

// LoginPayload is the body of POST /api/auth/login
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult carries the issued token
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if s.opts.Auth == nil || !s.opts.Auth.IsEnabled() {
		s.fail(w, r, http.StatusUnauthorized, errors.New("authentication is disabled"))
		return
	}

	var payload LoginPayload
	if err := goahttp.RequestDecoder(r).Decode(&payload); err != nil {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("invalid login payload: %w", err))
		return
	}

	token, expiresAt, err := s.opts.Auth.Authenticate(payload.Username, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.fail(w, r, http.StatusUnauthorized, errors.New("invalid username or password"))
			return
		}
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	s.encode(w, r, http.StatusOK, LoginResult{Token: token, ExpiresAt: expiresAt})
}

// AuthStatus reports whether authentication is on and the caller's identity
type AuthStatus struct {
	Enabled       bool    `json:"enabled"`
	Authenticated bool    `json:"authenticated"`
	Username      *string `json:"username,omitempty"`
}

func (s *Server) authStatus(w http.ResponseWriter, r *http.Request) {
	var res AuthStatus
	if s.opts.Auth != nil && s.opts.Auth.IsEnabled() {
		res.Enabled = true
		if token, ok := apimw.BearerToken(r); ok {
			if claims, err := s.opts.Auth.ValidateToken(token); err == nil {
				res.Authenticated = true
				res.Username = &claims.Username
			}
		}
	}
	s.encode(w, r, http.StatusOK, res)
}

// StatusResult is the body of GET /api/status
type StatusResult struct {
	pipeline.MonitorStats
	UptimeSeconds int64 `json:"uptime_seconds"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, StatusResult{
		MonitorStats:  s.opts.Monitor.Stats(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) tracks(w http.ResponseWriter, r *http.Request) {
	tracks := s.opts.Monitor.Tracks()
	if tracks == nil {
		tracks = []pipeline.TrackView{}
	}
	s.encode(w, r, http.StatusOK, tracks)
}

func (s *Server) threats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		s.fail(w, r, http.StatusServiceUnavailable, errNoStore)
		return
	}
	q := r.URL.Query()
	since, err := parseSince(q.Get("since"))
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	events, err := s.opts.Store.ListThreatEvents(q.Get("camera_id"), since, limit)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []*database.ThreatEventRecord{}
	}
	s.encode(w, r, http.StatusOK, events)
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		s.fail(w, r, http.StatusServiceUnavailable, errNoStore)
		return
	}
	q := r.URL.Query()
	since, err := parseSince(q.Get("since"))
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	incidents, err := s.opts.Store.ListIncidents(database.IncidentFilter{
		CameraID: q.Get("camera_id"),
		Status:   q.Get("status"),
		Since:    since,
		Limit:    limit,
	})
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if incidents == nil {
		incidents = []*database.IncidentRecord{}
	}
	s.encode(w, r, http.StatusOK, incidents)
}

// lookup resolves the {id} path parameter, writing the error response itself
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*database.IncidentRecord, bool) {
	if s.opts.Store == nil {
		s.fail(w, r, http.StatusServiceUnavailable, errNoStore)
		return nil, false
	}
	id := s.mux.Vars(r)["id"]
	rec, err := s.opts.Store.GetIncident(id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("incident %s not found", id))
		return nil, false
	case err != nil:
		s.fail(w, r, http.StatusInternalServerError, err)
		return nil, false
	}
	return rec, true
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request) {
	if rec, ok := s.lookup(w, r); ok {
		s.encode(w, r, http.StatusOK, rec)
	}
}

func (s *Server) incidentReport(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	path := rec.ReportPath
	if path == "" {
		path = pipeline.ReportPath(rec.VideoPath)
	}
	s.serveArtifact(w, r, path, "application/json", "report")
}

func (s *Server) incidentVideo(w http.ResponseWriter, r *http.Request) {
	if rec, ok := s.lookup(w, r); ok {
		s.serveArtifact(w, r, rec.VideoPath, "", "video")
	}
}

func (s *Server) incidentSnapshot(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	path := rec.SnapshotPath
	if path == "" {
		path = pipeline.SnapshotPath(rec.VideoPath)
	}
	s.serveArtifact(w, r, path, "image/jpeg", "snapshot")
}

// serveArtifact streams a file written by the pipeline, with range support
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, path, contentType, what string) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.fail(w, r, http.StatusNotFound, fmt.Errorf("%s not available", what))
			return
		}
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// parseSince accepts an RFC 3339 timestamp or a duration relative to now
func parseSince(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		t := time.Now().Add(-d)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid since %q: want RFC 3339 or a duration", v)
	}
	return &t, nil
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return min(n, maxListLimit), nil
}
