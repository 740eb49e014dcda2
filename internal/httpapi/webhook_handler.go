package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jesushernandez976/accesscodepro-blog/internal/account"
	"github.com/jesushernandez976/accesscodepro-blog/internal/webhook"
)

const (
	serviceTimeout         = 10 * time.Second
	maxWebhookPayloadBytes = 1 << 20 // 1MB
)

// EventDispatcher applies a verified webhook event.
type EventDispatcher interface {
	Dispatch(ctx context.Context, evt webhook.Event) (webhook.Result, error)
}

type webhookHandler struct {
	verifier   webhook.Verifier
	dispatcher EventDispatcher
	logger     *slog.Logger
}

type webhookResponse struct {
	Message string `json:"message"`
	webhook.Result
}

// RegisterWebhookRoutes mounts the identity provider webhook receiver. The route is
// authenticated by the delivery signature, not by a bearer token. A nil verifier is
// a configuration error and every delivery is answered with 500.
func RegisterWebhookRoutes(r chi.Router, verifier webhook.Verifier, dispatcher EventDispatcher, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &webhookHandler{verifier: verifier, dispatcher: dispatcher, logger: logger}
	r.Post("/webhooks/clerk", h.receive)
}

func (h *webhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, h.logger)

	if h.verifier == nil || h.dispatcher == nil {
		logger.Error("webhook receiver is not configured")
		writeError(w, http.StatusInternalServerError, webhook.ErrSecretRequired.Error())
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	evt, err := h.verifier.Verify(payload, r.Header)
	if err != nil {
		logger.Warn("webhook rejected", slog.String("svixId", r.Header.Get("svix-id")), slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, webhook.ErrVerification.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), serviceTimeout)
	defer cancel()

	res, err := h.dispatcher.Dispatch(ctx, evt)
	if err != nil {
		h.respondDispatchError(w, r, logger, evt, err)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Message: "webhook processed", Result: res})
}

func (h *webhookHandler) respondDispatchError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, evt webhook.Event, err error) {
	if errors.Is(err, account.ErrInvalidInput) {
		writeErrorDetail(w, r, http.StatusBadRequest, "invalid webhook event", err)
		return
	}

	logger.Error("webhook processing failed",
		slog.String("type", evt.Type),
		slog.String("externalId", evt.Data.ID),
		slog.Bool("cascadeIncomplete", errors.Is(err, account.ErrCascadeIncomplete)),
		slog.String("error", err.Error()),
	)
	writeErrorDetail(w, r, http.StatusInternalServerError, "database operation failed", err)
}
