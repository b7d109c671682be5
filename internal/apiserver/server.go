// Package apiserver exposes the orchestrator's own process/process_stream
// interface over HTTP. It deliberately stops at that boundary: translating
// a chat client's wire protocol into orchestrator requests is an adapter's
// job, not this package's.
package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reasonhub/reasonhub/internal/observability"
	"github.com/reasonhub/reasonhub/internal/orchestrator"
	"github.com/reasonhub/reasonhub/internal/output"
)

// Config configures Server.
type Config struct {
	Host         string
	Port         int
	Orchestrator *orchestrator.Orchestrator
	Logger       *observability.Logger
}

// Server is a minimal HTTP front end for one Orchestrator.
type Server struct {
	cfg    Config
	http   *http.Server
	logger *observability.Logger
}

// New builds a Server. Orchestrator must be non-nil.
func New(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("apiserver: orchestrator is required")
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/process", s.handleProcess)
	mux.HandleFunc("/v1/process/stream", s.handleProcessStream)

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start listens and serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("apiserver: listen: %w", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(listener) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type processRequest struct {
	ConversationID string                    `json:"conversation_id"`
	BranchID       string                    `json:"branch_id,omitempty"`
	UserText       string                    `json:"user_text"`
	ChatHistory    []processHistoryMessage   `json:"chat_history,omitempty"`
}

type processHistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type processResponse struct {
	Text         string         `json:"text"`
	Plan         map[string]any `json:"plan,omitempty"`
	UsedDeepPath bool           `json:"used_deep_path,omitempty"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeProcessRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.cfg.Orchestrator.Process(r.Context(), req)
	if err != nil {
		s.warn(r.Context(), "process failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(processResponse{
		Text:         resp.Text,
		Plan:         resp.Plan,
		UsedDeepPath: resp.UsedDeepPath,
	})
}

type streamEventDTO struct {
	ReasoningChunk string            `json:"reasoning_chunk,omitempty"`
	TextChunk      string            `json:"text_chunk,omitempty"`
	Done           bool              `json:"done,omitempty"`
	Response       *processResponse  `json:"response,omitempty"`
	Error          string            `json:"error,omitempty"`
}

func (s *Server) handleProcessStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeProcessRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := s.cfg.Orchestrator.ProcessStream(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for ev := range events {
		dto := streamEventDTO{
			ReasoningChunk: ev.ReasoningChunk,
			TextChunk:      ev.TextChunk,
			Done:           ev.Done,
		}
		if ev.Err != nil {
			dto.Error = ev.Err.Error()
		}
		if ev.Response != nil {
			dto.Response = &processResponse{
				Text:         ev.Response.Text,
				Plan:         ev.Response.Plan,
				UsedDeepPath: ev.Response.UsedDeepPath,
			}
		}
		if err := enc.Encode(dto); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func decodeProcessRequest(r *http.Request) (orchestrator.Request, error) {
	var in processRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		return orchestrator.Request{}, fmt.Errorf("decode request: %w", err)
	}
	if in.UserText == "" {
		return orchestrator.Request{}, fmt.Errorf("user_text is required")
	}
	history := make([]output.HistoryMessage, 0, len(in.ChatHistory))
	for _, m := range in.ChatHistory {
		history = append(history, output.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return orchestrator.Request{
		ConversationID: in.ConversationID,
		BranchID:       in.BranchID,
		UserText:       in.UserText,
		ChatHistory:    history,
	}, nil
}

func (s *Server) warn(ctx context.Context, format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(ctx, fmt.Sprintf(format, args...))
}
