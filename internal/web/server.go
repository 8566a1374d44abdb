// Package web implements the HTTP API: chat turns, transcripts, the
// live event stream, and Prometheus metrics.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yuin/goldmark"

	"github.com/fenwick-labs/keel/internal/agent"
	"github.com/fenwick-labs/keel/internal/buildinfo"
	"github.com/fenwick-labs/keel/internal/conversation"
	"github.com/fenwick-labs/keel/internal/events"
)

// writeJSON encodes v as JSON to w, logging failures at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Server is the HTTP API server.
type Server struct {
	address       string
	port          int
	orchestrator  *agent.Orchestrator
	conversations *conversation.Store
	bus           *events.Bus
	registry      *prometheus.Registry
	logger        *slog.Logger
	server        *http.Server
	upgrader      websocket.Upgrader
	markdown      goldmark.Markdown
}

// NewServer creates the API server. registry may be nil to disable the
// metrics endpoint; bus may be nil to disable the event stream.
func NewServer(address string, port int, orch *agent.Orchestrator, conv *conversation.Store, bus *events.Bus, registry *prometheus.Registry, logger *slog.Logger) *Server {
	return &Server{
		address:       address,
		port:          port,
		orchestrator:  orch,
		conversations: conv,
		bus:           bus,
		registry:      registry,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		markdown: goldmark.New(),
	}
}

// Handler builds the route table. Exposed so tests can drive the API
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return s.withLogging(mux)
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.logger != nil {
		s.logger.Info("api server listening", "addr", addr)
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.logger != nil {
			s.logger.Debug("http request",
				"method", r.Method, "path", r.URL.Path,
				"duration_ms", time.Since(start).Milliseconds())
		}
	})
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type chatResponse struct {
	ConversationID string             `json:"conversation_id"`
	Outcome        *agent.TurnOutcome `json:"outcome"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = "default"
	}

	outcome, err := s.orchestrator.RunTurn(r.Context(), req.ConversationID, req.Message)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("turn failed", "conversation", req.ConversationID, "error", err)
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, chatResponse{ConversationID: req.ConversationID, Outcome: outcome}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.conversations.ActiveMessages(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// format=html renders the transcript as markdown; default is JSON.
	if r.URL.Query().Get("format") == "html" {
		s.renderTranscriptHTML(w, id, msgs)
		return
	}

	writeJSON(w, map[string]any{
		"conversation_id": id,
		"messages":        msgs,
	}, s.logger)
}

func (s *Server) renderTranscriptHTML(w http.ResponseWriter, id string, msgs []conversation.Message) {
	var md strings.Builder
	fmt.Fprintf(&md, "# Conversation %s\n\n", id)
	for _, m := range msgs {
		fmt.Fprintf(&md, "**%s** (#%d):\n\n%s\n\n", m.Role, m.Seq, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&md, "> tool call `%s` → `%s`\n\n", tc.ID, tc.Function.Name)
		}
	}

	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(md.String()), &buf); err != nil {
		writeError(w, http.StatusInternalServerError, "render transcript: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleEvents upgrades to a websocket and streams bus events until the
// client disconnects. Slow clients drop events rather than backing up
// the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	// Reader goroutine: detect client disconnect and close notifications.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"version": buildinfo.Version(),
	}, s.logger)
}
