package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/karmaspark/internal/agent"
	"github.com/ent0n29/karmaspark/internal/command"
	"github.com/ent0n29/karmaspark/internal/config"
	"github.com/ent0n29/karmaspark/internal/delivery"
	"github.com/ent0n29/karmaspark/internal/observability"
	"github.com/ent0n29/karmaspark/internal/reminder"
)

type TurnHandler interface {
	HandleTurn(ctx context.Context, req agent.Request) (agent.Reply, error)
}

type Reminders interface {
	Get(ctx context.Context, id string) (reminder.Reminder, error)
	Pending(ctx context.Context, conversationID string) ([]reminder.Reminder, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// Deps are the collaborators the HTTP layer serves. Turns and Commands are
// required; a nil Reminders or Hub disables those routes.
type Deps struct {
	Turns     TurnHandler
	Commands  *command.Registry
	Reminders Reminders
	Hub       *delivery.Hub
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
}

type Server struct {
	cfg      config.Config
	deps     Deps
	verifier *tokenVerifier
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Turns == nil || deps.Commands == nil {
		return nil, errors.New("httpapi: turn handler and command registry are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	verifier, err := newTokenVerifier(cfg.ChatPublicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.deps.Metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/turns", s.handlePerfTurns)

	r.Get("/", s.handleBotDefinition)
	r.Get("/bot_definition", s.handleBotDefinition)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/execute", s.handleExecute)
		r.Post("/v1/turns", s.handleTurn)

		r.Get("/v1/conversations/{id}/reminders", s.handleListReminders)
		r.Delete("/v1/reminders/{id}", s.handleCancelReminder)
		r.Get("/v1/conversations/{id}/ws", s.handleConversationWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"reminders_enabled": s.deps.Reminders != nil,
		"commands":          s.deps.Commands.Names(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleBotDefinition(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Commands.Definitions())
}

type executeRequest struct {
	Command        string         `json:"command"`
	ConversationID string         `json:"conversation_id"`
	AuthorID       string         `json:"author_id"`
	Params         map[string]any `json:"params"`
}

type turnRequest struct {
	ConversationID string `json:"conversation_id"`
	AuthorID       string `json:"author_id"`
	Text           string `json:"text"`
}

type turnResponse struct {
	TurnID     string           `json:"turn_id"`
	Text       string           `json:"text"`
	Markdown   bool             `json:"markdown"`
	Intent     agent.Intent     `json:"intent,omitempty"`
	Blocked    bool             `json:"blocked,omitempty"`
	Degraded   []string         `json:"degraded,omitempty"`
	ReminderID string           `json:"reminder_id,omitempty"`
	MemoryID   string           `json:"memory_id,omitempty"`
	Steps      []agent.PlanStep `json:"steps,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ConversationID, req.AuthorID = scoped(r.Context(), req.ConversationID, req.AuthorID)
	if strings.TrimSpace(req.ConversationID) == "" {
		respondError(w, http.StatusBadRequest, "missing_conversation_id", "conversation_id is required")
		return
	}

	turn, err := s.deps.Commands.Resolve(req.Command, req.ConversationID, req.AuthorID, req.Params)
	if err != nil {
		var pe *command.ParamError
		switch {
		case errors.Is(err, command.ErrUnknownCommand):
			respondError(w, http.StatusNotFound, "unknown_command", err.Error())
		case errors.As(err, &pe):
			respondError(w, http.StatusBadRequest, "invalid_param", err.Error())
		default:
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		}
		return
	}
	s.runTurn(w, r, turn)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ConversationID, req.AuthorID = scoped(r.Context(), req.ConversationID, req.AuthorID)
	if strings.TrimSpace(req.ConversationID) == "" {
		respondError(w, http.StatusBadRequest, "missing_conversation_id", "conversation_id is required")
		return
	}
	if strings.TrimSpace(req.AuthorID) == "" {
		req.AuthorID = "anonymous"
	}
	s.runTurn(w, r, agent.Request{ConversationID: req.ConversationID, AuthorID: req.AuthorID, Text: req.Text})
}

func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, req agent.Request) {
	reply, err := s.deps.Turns.HandleTurn(r.Context(), req)
	resp := newTurnResponse(reply)
	if err != nil {
		resp.Error = errorCode(err)
	}
	respondJSON(w, turnStatus(err), resp)
}

func newTurnResponse(reply agent.Reply) turnResponse {
	resp := turnResponse{
		TurnID:   reply.TurnID,
		Text:     reply.Text,
		Markdown: reply.Markdown,
		Intent:   reply.Intent,
		Blocked:  reply.Blocked,
		Degraded: reply.Degraded,
		MemoryID: reply.MemoryID,
		Steps:    reply.Steps,
	}
	if reply.Reminder != nil {
		resp.ReminderID = reply.Reminder.ID
	}
	return resp
}

func turnStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, agent.ErrNotFound):
		return http.StatusNotFound
	case agent.IsUserError(err), errors.Is(err, agent.ErrPlanStepLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, agent.ErrUpstreamUnavailable),
		errors.Is(err, agent.ErrMemoryUnavailable),
		errors.Is(err, reminder.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, agent.ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, agent.ErrInputTooLong):
		return "input_too_long"
	case errors.Is(err, agent.ErrInvalidReminderTime):
		return "invalid_reminder_time"
	case errors.Is(err, agent.ErrReminderInPast):
		return "reminder_in_past"
	case errors.Is(err, agent.ErrNotFound):
		return "not_found"
	case errors.Is(err, agent.ErrPlanStepLimitExceeded):
		return "plan_step_limit_exceeded"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, agent.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, agent.ErrMemoryUnavailable), errors.Is(err, reminder.ErrUnavailable):
		return "storage_unavailable"
	default:
		return "internal"
	}
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reminders == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "reminders not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if !mayAccess(r.Context(), id) {
		respondError(w, http.StatusForbidden, "forbidden", "token does not cover this conversation")
		return
	}
	pending, err := s.deps.Reminders.Pending(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
		return
	}
	if pending == nil {
		pending = []reminder.Reminder{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"reminders": pending})
}

func (s *Server) handleCancelReminder(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reminders == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "reminders not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if claimsFrom(r.Context()) != nil {
		rem, err := s.deps.Reminders.Get(r.Context(), id)
		if err == nil && !mayAccess(r.Context(), rem.ConversationID) {
			// Reminders of other conversations are reported as missing.
			err = reminder.ErrNotFound
		}
		if err != nil {
			s.respondCancelError(w, err)
			return
		}
	}
	ok, err := s.deps.Reminders.Cancel(r.Context(), id)
	switch {
	case err != nil:
		s.respondCancelError(w, err)
	case !ok:
		respondError(w, http.StatusConflict, "reminder_not_pending", "reminder already fired or was cancelled")
	default:
		respondJSON(w, http.StatusOK, map[string]any{"id": id, "status": reminder.StatusCancelled})
	}
}

func (s *Server) respondCancelError(w http.ResponseWriter, err error) {
	if errors.Is(err, reminder.ErrNotFound) {
		respondError(w, http.StatusNotFound, "reminder_not_found", err.Error())
		return
	}
	respondError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
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
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
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
