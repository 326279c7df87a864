package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/coachlab-research/internal/domain"
	"github.com/ashureev/coachlab-research/internal/identity"
	"github.com/ashureev/coachlab-research/internal/research"
	"github.com/go-chi/chi/v5"
)

// ResearchHandler exposes the registry and archiver to the session layer.
type ResearchHandler struct {
	registry *research.Registry
	archiver *research.Archiver
	logger   *slog.Logger
}

// NewResearchHandler creates a research handler.
func NewResearchHandler(registry *research.Registry, archiver *research.Archiver, logger *slog.Logger) *ResearchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResearchHandler{registry: registry, archiver: archiver, logger: logger}
}

// RegisterRoutes registers research routes. mw runs for every research route
// and must include identity extraction.
func (h *ResearchHandler) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api/research", func(r chi.Router) {
		r.Use(mw...)
		r.Get("/code", h.GetCode)
		r.Post("/sessions", h.ArchiveSession)
		r.Post("/sessions/{code}/messages", h.RetryMessages)
	})
}

type codeResponse struct {
	Exists bool   `json:"exists"`
	Code   string `json:"code,omitempty"`
}

// GetCode reports whether the caller already has a code for a persona.
func (h *ResearchHandler) GetCode(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	persona := r.URL.Query().Get("persona")
	if !h.registry.KnownPersona(persona) {
		Error(w, http.StatusBadRequest, "unknown persona")
		return
	}

	code, ok, err := h.registry.HasCode(r.Context(), userID, persona)
	if err != nil {
		h.logger.Error("Research code lookup failed", "user_id", userID, "persona", persona, "error", err)
		Error(w, http.StatusServiceUnavailable, research.ErrPersistenceUnavailable.Error())
		return
	}
	JSON(w, http.StatusOK, codeResponse{Exists: ok, Code: code})
}

type sessionPayload struct {
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at"`
	TurnsUsed   int                  `json:"turns_used"`
	MaxTurns    int                  `json:"max_turns"`
	Status      domain.SessionStatus `json:"status"`
}

type archiveRequest struct {
	Persona       string                 `json:"persona"`
	Metadata      sessionPayload         `json:"metadata"`
	History       []domain.HistoryEntry  `json:"history"`
	QualityScores []domain.QualityScores `json:"quality_scores"`
}

type retryRequest struct {
	Persona       string                 `json:"persona"`
	StartedAt     time.Time              `json:"started_at"`
	History       []domain.HistoryEntry  `json:"history"`
	QualityScores []domain.QualityScores `json:"quality_scores"`
}

type archiveResponse struct {
	ResearchCode    string               `json:"research_code"`
	Status          domain.SessionStatus `json:"status"`
	SessionCreated  bool                 `json:"session_created"`
	MessagesWritten bool                 `json:"messages_written"`
	MessageCount    int                  `json:"message_count"`
	Partial         bool                 `json:"partial,omitempty"`
}

func newArchiveResponse(res *research.ArchiveResult) archiveResponse {
	return archiveResponse{
		ResearchCode:    res.Session.ResearchCode,
		Status:          res.Session.Status,
		SessionCreated:  res.SessionCreated,
		MessagesWritten: res.MessagesWritten,
		MessageCount:    res.MessageCount,
	}
}

// ArchiveSession registers the caller's code for the persona and archives
// the completed session under it. Only the first completed session per
// persona is stored; later calls report the stored record.
func (h *ResearchHandler) ArchiveSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req archiveRequest
	if err := decodePayload(w, r, schemaArchiveSession, &req); err != nil {
		Error(w, http.StatusBadRequest, publicMessage(err))
		return
	}

	turns, err := research.ConvertHistory(req.History, req.QualityScores, req.Metadata.StartedAt)
	if err != nil {
		Error(w, http.StatusBadRequest, research.ErrInvalidInput.Error())
		return
	}

	code, err := h.registry.CreateCode(r.Context(), userID, req.Persona, 0)
	if err != nil {
		h.fail(w, "Research code creation failed", err)
		return
	}

	meta := domain.SessionMetadata{
		PersonaName: req.Persona,
		StartedAt:   req.Metadata.StartedAt,
		CompletedAt: req.Metadata.CompletedAt,
		TurnsUsed:   req.Metadata.TurnsUsed,
		MaxTurns:    req.Metadata.MaxTurns,
		Status:      req.Metadata.Status,
	}
	res, err := h.archiver.SaveCompleteSession(r.Context(), code, meta, turns)
	if errors.Is(err, research.ErrPartialArchival) && res != nil {
		resp := newArchiveResponse(res)
		resp.Partial = true
		JSON(w, http.StatusAccepted, resp)
		return
	}
	if err != nil {
		h.fail(w, "Research session archival failed", err)
		return
	}

	status := http.StatusOK
	if res.SessionCreated {
		status = http.StatusCreated
	}
	JSON(w, status, newArchiveResponse(res))
}

// RetryMessages stores the transcript of a session archived without one.
// The code must belong to the caller.
func (h *ResearchHandler) RetryMessages(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	code, err := h.registry.Format().Normalize(chi.URLParam(r, "code"))
	if err != nil {
		Error(w, http.StatusBadRequest, research.ErrInvalidCode.Error())
		return
	}

	var req retryRequest
	if err := decodePayload(w, r, schemaRetryMessages, &req); err != nil {
		Error(w, http.StatusBadRequest, publicMessage(err))
		return
	}

	owned, ok, err := h.registry.HasCode(r.Context(), userID, req.Persona)
	if err != nil {
		h.logger.Error("Research code lookup failed", "user_id", userID, "persona", req.Persona, "error", err)
		Error(w, http.StatusServiceUnavailable, research.ErrPersistenceUnavailable.Error())
		return
	}
	if !ok || owned != code {
		Error(w, http.StatusNotFound, research.ErrNoSession.Error())
		return
	}

	turns, err := research.ConvertHistory(req.History, req.QualityScores, req.StartedAt)
	if err != nil {
		Error(w, http.StatusBadRequest, research.ErrInvalidInput.Error())
		return
	}

	res, err := h.archiver.RetryMessages(r.Context(), code, turns)
	if err != nil {
		h.fail(w, "Research transcript retry failed", err)
		return
	}
	JSON(w, http.StatusOK, newArchiveResponse(res))
}

func (h *ResearchHandler) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, "stage", research.StageOf(err), "error", err)
	} else {
		h.logger.Debug(msg, "stage", research.StageOf(err), "error", err)
	}
	Error(w, status, publicMessage(err))
}
