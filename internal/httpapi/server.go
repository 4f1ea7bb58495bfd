// Package httpapi is the thin request surface over the draft pipelines. The
// drafting endpoints accept work and run it in the background; results are
// observable through /draft-messages and the websocket event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/quill/pkg/pipeline"
)

// Config holds the server wiring.
type Config struct {
	Host     string
	Port     int
	Pipeline *pipeline.Pipeline
	Logger   zerolog.Logger
	// RunTimeout bounds one background pipeline run.
	RunTimeout time.Duration
}

// Server is the HTTP front of the service.
type Server struct {
	cfg      Config
	hub      *Hub
	upgrader websocket.Upgrader
	server   *http.Server
	logger   zerolog.Logger
}

// NewServer creates the server. Call Start to begin listening.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}

	return &Server{
		cfg:    cfg,
		hub:    NewHub(cfg.Logger),
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/send-messages", s.handleSendMessages)
	mux.HandleFunc("/process-feedback", s.handleProcessFeedback)
	mux.HandleFunc("/reject-draft", s.handleRejectDraft)
	mux.HandleFunc("/draft-messages", s.handleDraftMessages)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.Handler(),
	}

	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop drains the server and disconnects websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleSendMessages accepts a thread update and schedules drafting. The
// caller gets 202 immediately; a committed draft shows up later via
// /draft-messages and a draft.created event.
func (s *Server) handleSendMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var update pipeline.ThreadUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if update.UserID == "" || update.ThreadName == "" {
		writeError(w, http.StatusBadRequest, "user_id and thread_name are required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
		defer cancel()

		draftID, err := s.cfg.Pipeline.RunDraftPipeline(ctx, update)
		if err != nil {
			s.logger.Error().Err(err).Str("thread", update.ThreadName).Msg("Draft pipeline failed")
			return
		}
		if draftID != "" {
			s.hub.Broadcast("draft.created", map[string]string{
				"user_id":     update.UserID,
				"thread_name": update.ThreadName,
				"draft_id":    draftID,
			})
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleProcessFeedback schedules a draft revision, 202 like send-messages.
func (s *Server) handleProcessFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req pipeline.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ThreadName == "" || req.DraftMessageID == "" {
		writeError(w, http.StatusBadRequest, "user_id, thread_name and draft_message_id are required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
		defer cancel()

		draftID, err := s.cfg.Pipeline.RunFeedbackPipeline(ctx, req)
		if err != nil {
			s.logger.Error().Err(err).Str("draft_id", req.DraftMessageID).Msg("Feedback pipeline failed")
			return
		}
		if draftID != "" {
			s.hub.Broadcast("draft.revised", map[string]string{
				"user_id":      req.UserID,
				"thread_name":  req.ThreadName,
				"draft_id":     draftID,
				"old_draft_id": req.DraftMessageID,
			})
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleRejectDraft(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req struct {
		UserID         string `json:"user_id"`
		DraftMessageID string `json:"draft_message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.DraftMessageID == "" {
		writeError(w, http.StatusBadRequest, "user_id and draft_message_id are required")
		return
	}

	removed, err := s.cfg.Pipeline.RejectDraft(r.Context(), req.UserID, req.DraftMessageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reject draft")
		return
	}

	if removed {
		s.hub.Broadcast("draft.rejected", map[string]string{
			"user_id":  req.UserID,
			"draft_id": req.DraftMessageID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handleDraftMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	drafts, err := s.cfg.Pipeline.Drafts(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list drafts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"drafts": drafts})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID := s.hub.Add(conn)

	// Clients only listen; the read loop exists to notice disconnects.
	go func() {
		defer s.hub.Remove(clientID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": detail})
}
