package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/app"
	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// IdempotencyKeyHeader carries the client's dedup key on sends.
const IdempotencyKeyHeader = "Idempotency-Key"

type MessageWriter interface {
	Send(ctx context.Context, scope tenant.Scope, req app.SendRequest) (app.SendResult, error)
	UpdateStatus(ctx context.Context, scope tenant.Scope, id uuid.UUID, to domain.Status, errorCode, errorMessage *string) error
}

type WindowReader interface {
	RecentForChannel(ctx context.Context, scope tenant.Scope, channelID uuid.UUID, limit int) ([]*domain.Message, error)
	WindowForSession(ctx context.Context, scope tenant.Scope, channelID uuid.UUID, counterpart string, start, end time.Time, limit int) ([]*domain.Message, error)
}

type RetryController interface {
	RetryNow(ctx context.Context, scope tenant.Scope, id uuid.UUID) error
	MoveToDeadLetter(ctx context.Context, scope tenant.Scope, id uuid.UUID, reason string) error
}

type MessageHandler struct {
	writer   MessageWriter
	reader   WindowReader
	retries  RetryController
	validate *validator.Validate
	logger   *slog.Logger
}

func NewMessageHandler(writer MessageWriter, reader WindowReader, retries RetryController, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		writer:   writer,
		reader:   reader,
		retries:  retries,
		validate: validator.New(),
		logger:   logger.With("handler", "message"),
	}
}

// RegisterRoutes registers message routes with the given router.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/channels/{channelID}", func(r chi.Router) {
		r.Post("/messages", h.handleSend)
		r.Get("/messages", h.handleRecent)
		r.Get("/sessions/{counterpart}/messages", h.handleWindow)
	})
	r.Route("/v1/messages/{messageID}", func(r chi.Router) {
		r.Put("/status", h.handleUpdateStatus)
		r.Post("/retry", h.handleRetry)
		r.Post("/dead-letter", h.handleDeadLetter)
	})
}

func (h *MessageHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	ctx, scope, logger, ok := h.begin(w, r)
	if !ok {
		return
	}
	channelID, ok := h.uuidParam(w, r, logger, "channelID")
	if !ok {
		return
	}
	var req SendMessageRequest
	if !h.decode(w, r, logger, &req) {
		return
	}

	res, err := h.writer.Send(ctx, scope, app.SendRequest{
		ChannelID:      channelID,
		ToPhone:        req.To,
		MessageType:    domain.MessageType(req.MessageType),
		Content:        req.Content,
		Metadata:       req.Metadata,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		h.fail(w, logger, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, SendMessageResponse{MessageID: res.MessageID.String(), Status: res.Status, Duplicate: res.Duplicate})
}

func (h *MessageHandler) handleRecent(w http.ResponseWriter, r *http.Request) {
	ctx, scope, logger, ok := h.begin(w, r)
	if !ok {
		return
	}
	channelID, ok := h.uuidParam(w, r, logger, "channelID")
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, logger, err)
		return
	}
	msgs, err := h.reader.RecentForChannel(ctx, scope, channelID, limit)
	if err != nil {
		h.fail(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageList(msgs))
}

func (h *MessageHandler) handleWindow(w http.ResponseWriter, r *http.Request) {
	ctx, scope, logger, ok := h.begin(w, r)
	if !ok {
		return
	}
	channelID, ok := h.uuidParam(w, r, logger, "channelID")
	if !ok {
		return
	}
	counterpart, err := url.PathUnescape(chi.URLParam(r, "counterpart"))
	if err != nil {
		h.fail(w, logger, domain.Validationf("invalid counterpart: %v", err))
		return
	}
	start, err := queryTime(r, "start")
	if err != nil {
		h.fail(w, logger, err)
		return
	}
	end, err := queryTime(r, "end")
	if err != nil {
		h.fail(w, logger, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, logger, err)
		return
	}
	msgs, err := h.reader.WindowForSession(ctx, scope, channelID, counterpart, start, end, limit)
	if err != nil {
		h.fail(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageList(msgs))
}

func (h *MessageHandler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, scope, logger, ok := h.begin(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, logger, "messageID")
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if !h.decode(w, r, logger, &req) {
		return
	}
	to, err := domain.ParseStatus(req.Status)
	if err != nil {
		h.fail(w, logger, err)
		return
	}
	if err := h.writer.UpdateStatus(ctx, scope, id, to, req.ErrorCode, req.ErrorMessage); err != nil {
		h.fail(w, logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx, scope, logger, ok := h.begin(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, logger, "messageID")
	if !ok {
		return
	}
	if err := h.retries.RetryNow(ctx, scope, id); err != nil {
		h.fail(w, logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *MessageHandler) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	ctx, scope, logger, ok := h.begin(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, logger, "messageID")
	if !ok {
		return
	}
	var req DeadLetterRequest
	if r.ContentLength != 0 && !h.decode(w, r, logger, &req) {
		return
	}
	if err := h.retries.MoveToDeadLetter(ctx, scope, id, req.Reason); err != nil {
		h.fail(w, logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// begin resolves the scope set by AuthMiddleware and a request logger.
func (h *MessageHandler) begin(w http.ResponseWriter, r *http.Request) (context.Context, tenant.Scope, *slog.Logger, bool) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))
	scope, ok := tenant.FromContext(ctx)
	if !ok {
		logger.WarnContext(ctx, "Request reached handler without tenant scope")
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "tenant scope required"})
		return ctx, tenant.Scope{}, logger, false
	}
	return ctx, scope, logger.With("tenant_id", scope.TenantID), true
}

func (h *MessageHandler) uuidParam(w http.ResponseWriter, r *http.Request, logger *slog.Logger, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.fail(w, logger, domain.Validationf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func (h *MessageHandler) decode(w http.ResponseWriter, r *http.Request, logger *slog.Logger, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.fail(w, logger, domain.Validationf("invalid request payload: %v", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.fail(w, logger, domain.Validationf("%v", err))
		return false
	}
	return true
}

func (h *MessageHandler) fail(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusForError(err)
	tag := domain.ErrorTag(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err, "error_tag", tag)
	} else {
		logger.Info("Request rejected", "error", err, "error_tag", tag)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: tag})
}

// statusForError maps the error taxonomy onto HTTP.
func statusForError(err error) int {
	if errors.Is(err, tenant.ErrMissingScope) {
		return http.StatusUnauthorized
	}
	switch domain.ErrorTag(err) {
	case "ValidationError":
		return http.StatusBadRequest
	case "NotFound":
		return http.StatusNotFound
	case "TenantMismatch", "TenantImmutable":
		return http.StatusForbidden
	case "IllegalTransition", "StaleWrite", "NotEligible", "AlreadyDeadLettered":
		return http.StatusConflict
	case "StorageUnavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.Validationf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, domain.Validationf("%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.Validationf("%s must be RFC3339: %v", name, err)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
