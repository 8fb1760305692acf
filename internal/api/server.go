// Package api exposes the pipeline over HTTP: JSON snapshots of the link and
// engine state, a command passthrough, and a Server-Sent-Events stream for
// dashboards.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/bioforge-data/emgrip/internal/db"
	"github.com/bioforge-data/emgrip/internal/devicelink"
	"github.com/bioforge-data/emgrip/internal/emg"
	"github.com/bioforge-data/emgrip/internal/engine"
	"github.com/bioforge-data/emgrip/internal/gesture"
	"github.com/bioforge-data/emgrip/internal/httputil"
	"github.com/bioforge-data/emgrip/internal/version"
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Device is the link surface the handlers consume. *devicelink.Link
// implements it; tests substitute fakes.
type Device interface {
	Send(command string)
	SendServoAngles(angles []int)
	SetMode(m devicelink.Mode)
	LatestReading() (emg.Reading, bool)
	Stats() devicelink.LinkStats
	SubscribeReadings() (string, chan emg.Reading)
	UnsubscribeReadings(id string)
	SubscribeStatus() (string, chan devicelink.StatusEvent)
	UnsubscribeStatus(id string)
}

// Engine is the inference surface the handlers consume.
type Engine interface {
	Running() bool
	State() engine.State
	Status() engine.Status
	SubscribeGestures() (string, chan engine.GestureEvent)
	UnsubscribeGestures(id string)
}

// Server holds the handler dependencies. The store may be nil when the daemon
// runs without persistence.
type Server struct {
	dev   Device
	eng   Engine
	store *db.DB
}

// NewServer builds an API server over the link, engine, and optional store.
func NewServer(dev Device, eng Engine, store *db.DB) *Server {
	return &Server{dev: dev, eng: eng, store: store}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux mounts all API handlers.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/reading", s.showReading)
	mux.HandleFunc("/api/gesture", s.showGesture)
	mux.HandleFunc("/api/angles", s.showAngles)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/gestures", s.listGestures)
	mux.HandleFunc("/api/command", s.sendCommand)
	mux.HandleFunc("/api/mode", s.setMode)
	mux.HandleFunc("/api/servo", s.setServo)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/events", s.streamEvents)
	mux.HandleFunc("/healthz", s.healthz)
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

type readingResponse struct {
	Values   []float64 `json:"values"`
	Channels int       `json:"channels"`
	At       time.Time `json:"at"`
}

func (s *Server) showReading(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	reading, ok := s.dev.LatestReading()
	if !ok {
		httputil.NotFound(w, "no reading received yet")
		return
	}
	httputil.WriteJSONOK(w, readingResponse{
		Values:   reading.Values,
		Channels: reading.Channels(),
		At:       reading.At,
	})
}

func (s *Server) showGesture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.eng.State())
}

func (s *Server) showAngles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"angles": s.eng.State().Angles,
	})
}

type statusResponse struct {
	Version   string               `json:"version"`
	GitSHA    string               `json:"git_sha"`
	Link      devicelink.LinkStats `json:"link"`
	Engine    engine.Status        `json:"engine"`
	Store     *db.Counts           `json:"store,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := statusResponse{
		Version:   version.Version,
		GitSHA:    version.GitSHA,
		Link:      s.dev.Stats(),
		Engine:    s.eng.Status(),
		Timestamp: time.Now(),
	}
	if s.store != nil {
		counts, err := s.store.StoreCounts()
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to read store counts: %v", err))
			return
		}
		resp.Store = &counts
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) listGestures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, gesture.Catalog())
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		httputil.BadRequest(w, "command is required")
		return
	}
	s.dev.Send(req.Command)
	httputil.WriteJSONOK(w, map[string]string{"status": "queued"})
}

type modeRequest struct {
	Mode *int `json:"mode"`
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	if req.Mode == nil {
		httputil.BadRequest(w, "mode is required")
		return
	}
	m := devicelink.Mode(*req.Mode)
	if !m.Valid() {
		httputil.BadRequest(w, fmt.Sprintf("mode %d is not 0, 1, or 2", *req.Mode))
		return
	}
	s.dev.SetMode(m)
	httputil.WriteJSONOK(w, map[string]string{"status": "queued", "mode": m.String()})
}

type servoRequest struct {
	Angles []int `json:"angles"`
}

func (s *Server) setServo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.eng.Running() {
		httputil.WriteJSONError(w, http.StatusConflict, "inference engine is driving the servos; stop it first")
		return
	}
	var req servoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Angles) == 0 {
		httputil.BadRequest(w, "angles are required")
		return
	}
	s.dev.SendServoAngles(req.Angles)
	httputil.WriteJSONOK(w, map[string]string{"status": "queued"})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "session store is not enabled")
		return
	}
	sessions, err := s.store.ListSessions()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}
