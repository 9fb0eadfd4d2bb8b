package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/webpilot/internal/broadcast"
	"github.com/ent0n29/webpilot/internal/browser"
	"github.com/ent0n29/webpilot/internal/config"
	"github.com/ent0n29/webpilot/internal/controller"
	"github.com/ent0n29/webpilot/internal/observability"
	"github.com/ent0n29/webpilot/internal/protocol"
	"github.com/ent0n29/webpilot/internal/review"
	"github.com/ent0n29/webpilot/internal/runlog"
	"github.com/ent0n29/webpilot/internal/transcript"
)

// RunController is the command surface the HTTP layer translates requests into.
type RunController interface {
	Submit(ctx context.Context, description string) (protocol.Task, error)
	EnqueueFollowUp(ctx context.Context, description string) (protocol.Task, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Reset(ctx context.Context) error
	Status() protocol.StatusSnapshot
	Summaries(ctx context.Context, limit int) ([]runlog.Summary, error)
}

type Server struct {
	cfg         config.Config
	ctrl        RunController
	session     *browser.Manager
	broadcaster *broadcast.Broadcaster
	transcripts *transcript.Log
	analyzer    *review.Analyzer
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, ctrl RunController, session *browser.Manager, broadcaster *broadcast.Broadcaster, transcripts *transcript.Log, analyzer *review.Analyzer, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		ctrl:        ctrl,
		session:     session,
		broadcaster: broadcaster,
		transcripts: transcripts,
		analyzer:    analyzer,
		metrics:     metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/runs", s.handleSubmit)
	r.Post("/v1/runs/follow-up", s.handleFollowUp)
	r.Post("/v1/runs/pause", s.handlePause)
	r.Post("/v1/runs/resume", s.handleResume)
	r.Post("/v1/runs/reset", s.handleReset)
	r.Get("/v1/runs/status", s.handleStatus)
	r.Get("/v1/runs/summaries", s.handleSummaries)
	r.Get("/v1/runs/latency", s.handleLatency)
	r.Get("/v1/runs/stream/ws", s.handleStreamWS)

	r.Get("/api/stream", s.handleStreamSSE)
	r.Get("/api/history", s.handleHistory)
	r.Post("/api/analyze", s.handleAnalyze)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.session != nil && s.session.HealthCheck(r.Context())
	status := http.StatusOK
	text := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		text = "browser unreachable"
	}
	respondJSON(w, status, map[string]any{"status": text})
}

type taskRequest struct {
	Task string `json:"task"`
}

type taskResponse struct {
	Task   protocol.Task `json:"task"`
	Status string        `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "task description is required")
		return
	}

	task, err := s.ctrl.Submit(r.Context(), req.Task)
	if err != nil {
		if errors.Is(err, controller.ErrAlreadyRunning) {
			respondError(w, http.StatusConflict, "already_running", err.Error())
			return
		}
		if errors.Is(err, browser.ErrSessionUnavailable) {
			respondError(w, http.StatusBadGateway, "session_unavailable", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "submit_failed", err.Error())
		return
	}
	// Only accepted commands reach the history the analyzer consumes.
	if s.transcripts != nil {
		s.transcripts.Append("user", task.Description)
	}
	respondJSON(w, http.StatusAccepted, taskResponse{Task: task, Status: "running"})
}

func (s *Server) handleFollowUp(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "task description is required")
		return
	}

	task, err := s.ctrl.EnqueueFollowUp(r.Context(), req.Task)
	if err != nil {
		if errors.Is(err, controller.ErrNotRunning) {
			respondError(w, http.StatusConflict, "not_running", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "follow_up_failed", err.Error())
		return
	}
	if s.transcripts != nil {
		s.transcripts.Append("user", task.Description)
	}
	respondJSON(w, http.StatusAccepted, taskResponse{Task: task, Status: "queued"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, s.ctrl.Pause, "paused")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, s.ctrl.Resume, "running")
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, s.ctrl.Reset, "idle")
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, cmd func(context.Context) error, okStatus string) {
	if err := cmd(r.Context()); err != nil {
		if errors.Is(err, controller.ErrNotRunning) {
			respondError(w, http.StatusConflict, "not_running", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "command_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": okStatus})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n := 0
		for _, ch := range v {
			if ch < '0' || ch > '9' {
				n = 0
				break
			}
			n = n*10 + int(ch-'0')
		}
		if n > 0 {
			limit = n
		}
	}
	summaries, err := s.ctrl.Summaries(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "summaries_failed", err.Error())
		return
	}
	if summaries == nil {
		summaries = []runlog.Summary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"summaries": summaries})
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.Latency())
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	if s.transcripts == nil {
		respondJSON(w, http.StatusOK, map[string]any{"messages": []transcript.Message{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": s.transcripts.Snapshot()})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil || s.transcripts == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "analyzer not configured")
		return
	}
	verdict := s.analyzer.Analyze(r.Context(), s.transcripts.Snapshot())
	if s.metrics != nil {
		outcome := "no_action"
		if verdict.NeedsAction {
			outcome = "needs_action"
		}
		s.metrics.CountVerdict(outcome)
	}
	respondJSON(w, http.StatusOK, verdict)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
