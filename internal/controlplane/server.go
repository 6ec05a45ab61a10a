// Package controlplane is the rover's HTTP surface: status reporting,
// snapshot uploads and the robot and control websockets.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/robot"
	"github.com/fentz26/rover/internal/store"
)

// Version is reported by /health. Set at build time with -ldflags.
var Version = "0.1.0-dev"

const (
	maxUploadBytes      = 32 << 20
	defaultDecisionsMax = 50

	defaultInteractionsMax = 20
)

// Server provides the HTTP API.
type Server struct {
	service *Service
	kv      store.KV
	hub     *robot.Hub
	addr    string
	server  *http.Server
	logger  *zap.Logger
}

// NewServer creates a server. hub may be nil when no robot is served.
func NewServer(service *Service, kv store.KV, hub *robot.Hub, addr string, logger *zap.Logger) *Server {
	s := &Server{
		service: service,
		kv:      kv,
		hub:     hub,
		addr:    addr,
		logger:  logger.Named("http"),
	}
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/manual_active_tasks", s.handleManualTasks)
	mux.HandleFunc("/decisions", s.handleDecisions)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/interactions", s.handleInteractions)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/trigger", s.handleTrigger)
	if s.hub != nil {
		mux.HandleFunc("/ws/robot", s.hub.HandleRobot)
		mux.HandleFunc("/ws/control", s.hub.HandleControl)
	}
	return mux
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown drains HTTP requests and drops websocket peers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Store   string `json:"store"`
	Robot   bool   `json:"robot_connected"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := HealthResponse{OK: true, Store: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	if s.hub != nil {
		resp.Robot = s.hub.Connected()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	if err := s.kv.Ping(ctx); err != nil {
		resp.OK = false
		resp.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.service.Status(r.Context())
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleManualTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	byMember, err := s.service.ManualTasks(r.Context())
	if err != nil {
		s.fail(w, "manual tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, byMember)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, ok := queryLimit(w, r, defaultDecisionsMax)
	if !ok {
		return
	}
	decisions, err := s.service.Decisions(r.Context(), limit)
	if err != nil {
		s.fail(w, "decisions", err)
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.service.Tasks(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		s.fail(w, "tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, ok := queryLimit(w, r, defaultInteractionsMax)
	if !ok {
		return
	}
	snaps, err := s.service.Interactions(r.Context(), limit)
	if err != nil {
		s.fail(w, "interactions", err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// queryLimit reads ?limit=, writing a 400 when it is not a positive integer.
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

type uploadResponse struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.fail(w, "upload", ErrUploadTooBig)
			return
		}
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	saved, err := s.service.SaveUpload(r.Context(), r.FormValue("request_id"), header.Filename, file)
	if err != nil {
		s.fail(w, "upload", err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Status: "success", Filename: saved.Filename, Path: saved.Path})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.service.Snapshot(r.Context(), r.URL.Query().Get("location"))
	if err != nil {
		s.fail(w, "snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type triggerRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.service.Trigger(r.Context(), req.Name); err != nil {
		s.fail(w, "trigger", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "name": req.Name})
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error(op+" failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
