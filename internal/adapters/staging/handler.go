// Package staging exposes the staging queue, commit, rollback and tool
// intake over HTTP.
package staging

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"cryocore/internal/audit"
	"cryocore/internal/clarify"
	"cryocore/internal/core"
	"cryocore/internal/intake"
	"cryocore/internal/plan"
	"cryocore/pkg/domain"
)

const maxBody = 1 << 20

// Handler serves the staging API under /api/v1.
type Handler struct {
	svc       *core.Service
	runner    *intake.Runner
	broker    *clarify.Broker
	auditPath string
	router    chi.Router
}

// Option configures a Handler.
type Option func(*Handler)

// WithBroker enables the question endpoints and the question tool.
func WithBroker(b *clarify.Broker) Option {
	return func(h *Handler) { h.broker = b }
}

// WithAuditLog enables the audit and guide endpoints backed by the journal
// at path.
func WithAuditLog(path string) Option {
	return func(h *Handler) { h.auditPath = path }
}

// NewHandler builds the router.
func NewHandler(svc *core.Service, opts ...Option) *Handler {
	h := &Handler{svc: svc}
	for _, opt := range opts {
		opt(h)
	}
	h.runner = intake.NewRunner(svc, h.broker, intake.WithSource(plan.SourceAgent))

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/inventory", h.handleInventory)
		r.Route("/plan", func(r chi.Router) {
			r.Get("/", h.handleListPlan)
			r.Post("/", h.handleStage)
			r.Delete("/", h.handleClearPlan)
			r.Delete("/{index}", h.handleRemoveStaged)
			r.Post("/execute", h.handleExecute)
		})
		r.Get("/backups", h.handleListBackups)
		r.Post("/rollback", h.handleRollback)
		r.Post("/undo", h.handleUndo)
		r.Get("/tools", h.handleListTools)
		r.Post("/tools/{tool}", h.handleTool)
		r.Route("/questions", func(r chi.Router) {
			r.Get("/current", h.handleCurrentQuestion)
			r.Post("/{id}/answer", h.handleAnswer)
			r.Post("/{id}/cancel", h.handleCancel)
		})
		r.Get("/audit", h.handleAudit)
		r.Get("/audit/guide", h.handleGuide)
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleInventory(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Document(r.Context())
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meta":      doc.Meta,
		"inventory": doc.Inventory,
		"stats":     core.CollectStats(doc.Meta, doc.Inventory),
	})
}

func (h *Handler) handleListPlan(w http.ResponseWriter, _ *http.Request) {
	items := h.svc.ListStaged()
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

type stageRequest struct {
	Items  []map[string]any `json:"items"`
	Source plan.Source      `json:"source"`
}

func (h *Handler) handleStage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := h.svc.Document(r.Context())
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	src := req.Source
	if src == "" {
		src = plan.SourceHuman
	}
	items := make([]plan.Item, 0, len(req.Items))
	for i, raw := range req.Items {
		item, err := plan.FromMap(raw, doc.Meta.BoxLayout, src)
		if err != nil {
			writeDomainError(w, err, map[string]any{"index": i})
			return
		}
		items = append(items, item)
	}
	report, err := h.svc.Stage(r.Context(), items)
	if err != nil {
		writeDomainError(w, err, map[string]any{"report": report})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"report": report, "count": len(h.svc.ListStaged())})
}

func (h *Handler) handleClearPlan(w http.ResponseWriter, _ *http.Request) {
	removed := h.svc.ClearStaged()
	writeJSON(w, http.StatusOK, map[string]any{"removed": len(removed)})
}

func (h *Handler) handleRemoveStaged(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	n, err := h.svc.RemoveStaged(idx)
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n, "items": h.svc.ListStaged()})
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Execute(r.Context())
	if err != nil {
		writeDomainError(w, err, map[string]any{"result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListBackups(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.ListBackups(r.Context())
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": entries})
}

type rollbackRequest struct {
	BackupPath string `json:"backup_path"`
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.Rollback(r.Context(), req.BackupPath, plan.SourceHuman)
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleUndo(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Undo(r.Context())
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": intake.Tools()})
}

func (h *Handler) handleTool(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	resp, err := h.runner.Run(r.Context(), chi.URLParam(r, "tool"), raw)
	status := http.StatusOK
	if err != nil {
		status = statusFor(resp.ErrorCode)
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleCurrentQuestion(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		http.NotFound(w, r)
		return
	}
	p, ok := h.broker.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no pending question")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type answerRequest struct {
	Answers []string `json:"answers"`
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		http.NotFound(w, r)
		return
	}
	var req answerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.broker.Answer(chi.URLParam(r, "id"), req.Answers); err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answered": true})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		http.NotFound(w, r)
		return
	}
	if err := h.broker.Cancel(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (h *Handler) events(w http.ResponseWriter) ([]audit.Event, bool) {
	if h.auditPath == "" {
		writeError(w, http.StatusNotFound, "audit log not configured")
		return nil, false
	}
	events, err := audit.ReadFile(h.auditPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return events, true
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	events, ok := h.events(w)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		Operation: q.Get("operation"),
		Action:    q.Get("action"),
		Status:    q.Get("status"),
	}
	var err error
	if v := q.Get("record_id"); v != "" {
		if f.RecordID, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "record_id must be an integer")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
	}
	if v := q.Get("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": audit.Select(events, f)})
}

func (h *Handler) handleGuide(w http.ResponseWriter, r *http.Request) {
	events, ok := h.events(w)
	if !ok {
		return
	}
	doc, err := h.svc.Document(r.Context())
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, audit.BuildGuide(events, audit.WithSnapshot(doc)))
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeInvalidToolInput, domain.CodeInvalidBox, domain.CodeInvalidPosition,
		domain.CodeInvalidDate, domain.CodeForbiddenField, domain.CodeUnsupportedAction,
		domain.CodePlanValidationFailed, domain.CodeRollbackMustBeAlone, domain.CodeEmptyPlan,
		domain.CodeInvalidStagedOperation, domain.CodeNoQuestions, domain.CodeQuestionMustRunAlone:
		return http.StatusBadRequest
	case domain.CodeRecordNotFound, domain.CodeStagedItemNotFound, domain.CodeNoBackups, domain.CodeUnknownTool:
		return http.StatusNotFound
	case domain.CodePositionConflict, domain.CodePositionNotFound, domain.CodeInvalidMoveTarget,
		domain.CodeFromMismatch, domain.CodePlanPreflightFailed, domain.CodeRollbackBackupInvalid,
		domain.CodeUndoUnavailable, domain.CodeQuestionCancelled:
		return http.StatusConflict
	case domain.CodeIntegrityValidationFailed:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeDomainError(w http.ResponseWriter, err error, extra map[string]any) {
	code := domain.CodeOf(err)
	body := map[string]any{"error": err.Error(), "code": code}
	var de *domain.Error
	if errors.As(err, &de) {
		body["error"] = de.Message
		if de.Hint != "" {
			body["hint"] = de.Hint
		}
		if len(de.Context) > 0 {
			body["context"] = de.Context
		}
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, statusFor(code), body)
}
