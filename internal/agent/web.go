package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"scout/internal/archive"
	"scout/internal/config"
	"scout/internal/prompts"
	"scout/internal/session"
	"scout/internal/tooling"
)

// Server exposes the polling API over HTTP. Handlers never block on a
// running agent; submissions return immediately and clients poll for
// progress.
type Server struct {
	store       *session.Store
	cfg         *config.Config
	archive     *archive.Store
	downloadDir string
	logger      *log.Logger
}

func NewServer(store *session.Store, cfg *config.Config, arch *archive.Store, logger *log.Logger) (*Server, error) {
	dir, err := filepath.Abs(cfg.Download.BaseDir)
	if err != nil {
		return nil, err
	}
	return &Server{store: store, cfg: cfg, archive: arch, downloadDir: dir, logger: logger}, nil
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	clean := strings.TrimSpace(addr)
	if clean == "" {
		clean = s.cfg.ListenAddr
	}
	listener, err := net.Listen("tcp", clean)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    listener.Addr().String(),
		Handler: s.logRequests(s.Handler()),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Printf("scout API listening on http://%s", listener.Addr().String())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler builds the route table. Exposed separately so tests can mount
// it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/chat/", s.handlePoll)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/config/prompts", s.handlePrompts)
	mux.HandleFunc("/api/config/system", s.handleSystemPrompt)
	mux.HandleFunc("/api/files/download", s.handleFileDownload)
	return mux
}

type chatRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id"`
}

// handleChat accepts a research task, binds it to a session and launches
// the run in the background. The response carries only the chat id;
// everything else arrives via polling.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload chatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid payload")
		return
	}
	message := strings.TrimSpace(payload.Message)
	if message == "" {
		s.respondError(w, r, http.StatusBadRequest, "message is required")
		return
	}

	// Unknown ids fall through to a fresh session; clients must adopt
	// the id echoed back here.
	sess := s.store.CreateOrGet(payload.ChatID)
	if err := s.store.StartRun(sess.ID(), message); err != nil {
		if errors.Is(err, session.ErrAlreadyProcessing) {
			s.respondError(w, r, http.StatusConflict, "chat is already processing a request")
			return
		}
		s.respondError(w, r, http.StatusInternalServerError, fmt.Sprintf("start run: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"chat_id": sess.ID(), "accepted": true})
}

// handlePoll serves GET /api/chat/{id}?since=N.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/chat/")
	if id == "" || strings.Contains(id, "/") {
		s.respondError(w, r, http.StatusNotFound, "chat not found")
		return
	}
	since := 0
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.respondError(w, r, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = parsed
	}
	snapshot, err := s.store.SnapshotSince(id, since)
	if err != nil {
		s.respondError(w, r, http.StatusNotFound, "chat not found")
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": s.store.List()})
}

// handleRuns lists archived runs, newest first.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.archive == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"runs": []archive.Run{}})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	runs, err := s.archive.List(limit)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, fmt.Sprintf("list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []archive.Run{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	list := s.cfg.PrebuiltPrompts
	if list == nil {
		list = []config.PrebuiltPrompt{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"prompts": list})
}

func (s *Server) handleSystemPrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"system_prompt": prompts.Combine(s.cfg.SystemPrompt),
		"model":         s.cfg.Model,
	})
}

// handleFileDownload serves files from the download directory. The path
// parameter is confined to that directory; anything that resolves
// outside it is rejected.
func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := r.URL.Query().Get("path")
	if name == "" {
		s.respondError(w, r, http.StatusBadRequest, "path is required")
		return
	}
	resolved, ok := tooling.ResolveWithin(s.downloadDir, name)
	if !ok {
		s.respondError(w, r, http.StatusForbidden, "path escapes the download directory")
		return
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		s.respondError(w, r, http.StatusNotFound, "file not found")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(resolved)))
	http.ServeFile(w, r, resolved)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("[web] encode response: %v", err)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("[%s] %s %s (%s)", r.RemoteAddr, r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.logger.Printf("[web] error status=%d method=%s path=%s remote=%s: %s",
		status, r.Method, r.URL.Path, r.RemoteAddr, message)
	s.writeJSON(w, status, map[string]string{"error": message})
}
