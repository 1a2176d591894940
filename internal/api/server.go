// Package api exposes session control, live SSE streams and recorded data
// over HTTP. One session runs at a time; the server owns its lifecycle and
// hands its sinks to any number of stream subscribers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/biostream/internal/config"
	"github.com/banshee-data/biostream/internal/db"
	"github.com/banshee-data/biostream/internal/pipeline"
	"github.com/banshee-data/biostream/internal/serialport"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// PortOpener opens the serial link for a new session. Dev mode injects a
// mock here; production opens the configured device.
type PortOpener func() (serialport.Porter, error)

type Server struct {
	cfg      *config.SensorConfig
	openPort PortOpener
	portName string
	db       *db.DB       // nil disables persistence endpoints
	recorder *db.Recorder // nil disables recording

	mu      sync.Mutex
	current *pipeline.Session
}

// NewServer builds the API server. database may be nil, in which case
// sessions run unrecorded and the recorded-data endpoints report an error.
func NewServer(cfg *config.SensorConfig, openPort PortOpener, portName string, database *db.DB) *Server {
	s := &Server{
		cfg:      cfg,
		openPort: openPort,
		portName: portName,
		db:       database,
	}
	if database != nil {
		s.recorder = db.NewRecorder(database)
	}
	return s
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

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/start", s.startSession)
	mux.HandleFunc("/api/session/stop", s.stopSession)
	mux.HandleFunc("/api/session/reset", s.resetSession)
	mux.HandleFunc("/api/session/status", s.sessionStatus)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/command", s.sendCommandHandler)
	mux.HandleFunc("/api/stream/samples", s.streamSamples)
	mux.HandleFunc("/api/stream/features", s.streamFeatures)
	mux.HandleFunc("/api/stream/events", s.streamEvents)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// session returns the current session, running or not.
func (s *Server) session() *pipeline.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Shutdown stops the running session, if any, and waits for recording to
// flush. Called when the process is going down.
func (s *Server) Shutdown() {
	if session := s.session(); session != nil {
		session.Stop()
	}
	if s.recorder != nil {
		s.recorder.Wait()
	}
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.Status() == "running" {
		s.writeJSONError(w, http.StatusConflict,
			fmt.Sprintf("session %s already running", s.current.ID))
		return
	}

	port, err := s.openPort()
	if err != nil {
		s.writeJSONError(w, http.StatusBadGateway,
			fmt.Sprintf("failed to open serial port: %v", err))
		return
	}

	session, err := pipeline.NewSession(port, s.cfg)
	if err != nil {
		port.Close()
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("failed to build session: %v", err))
		return
	}
	if s.recorder != nil {
		if err := s.recorder.Record(session, s.portName, r.FormValue("notes")); err != nil {
			port.Close()
			s.writeJSONError(w, http.StatusInternalServerError,
				fmt.Sprintf("failed to start recording: %v", err))
			return
		}
	}
	if err := session.Start(context.Background()); err != nil {
		port.Close()
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("failed to start session: %v", err))
		return
	}

	s.current = session
	json.NewEncoder(w).Encode(map[string]string{"session_id": session.ID})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	session := s.session()
	if session == nil {
		s.writeJSONError(w, http.StatusNotFound, "no session")
		return
	}
	session.Stop()
	json.NewEncoder(w).Encode(session.Counters())
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	session := s.session()
	if session == nil {
		s.writeJSONError(w, http.StatusNotFound, "no session")
		return
	}
	session.ResetState()
	json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	session := s.session()
	if session == nil {
		json.NewEncoder(w).Encode(map[string]string{"status": "idle"})
		return
	}
	json.NewEncoder(w).Encode(session.Counters())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	sessions, err := s.db.Sessions(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.SessionRecord{}
	}
	json.NewEncoder(w).Encode(sessions)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := json.NewEncoder(w).Encode(s.cfg); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
	}
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session := s.session()
	if session == nil {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}
	command := r.FormValue("command")
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}
	if err := session.SendCommand(command); err != nil {
		http.Error(w, "Failed to send command", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "Command sent successfully")
}

// serveStream pumps one sink's messages to the client as Server-Sent
// Events, JSON-encoded one per event. The subscription ends when the
// client goes away or the session's sinks close.
func serveStream[T any](w http.ResponseWriter, r *http.Request, sink *pipeline.Sink[T]) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := sink.Subscribe()
	defer sink.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	w.(http.Flusher).Flush()

	for {
		select {
		case payload, ok := <-c:
			if !ok {
				return
			}
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) streamSamples(w http.ResponseWriter, r *http.Request) {
	session := s.session()
	if session == nil {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}
	serveStream(w, r, session.Samples)
}

func (s *Server) streamFeatures(w http.ResponseWriter, r *http.Request) {
	session := s.session()
	if session == nil {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}
	serveStream(w, r, session.Features)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	session := s.session()
	if session == nil {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}
	serveStream(w, r, session.Events)
}
