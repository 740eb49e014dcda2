package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jesushernandez976/accesscodepro-blog/internal/account"
)

const (
	recoveryTimeout     = 2 * time.Minute
	maxRecoveryBatch    = 500
	defaultRecoverBatch = 100
)

// TeardownRecoverer completes teardowns left behind by failed deliveries.
type TeardownRecoverer interface {
	ResumeTeardowns(ctx context.Context, limit int) (account.RecoveryReport, error)
}

type adminHandler struct {
	recoverer TeardownRecoverer
	logger    *slog.Logger
}

// RegisterAdminRoutes mounts operator routes. Callers guard r with auth.Middleware
// and auth.RequireSubjects.
func RegisterAdminRoutes(r chi.Router, recoverer TeardownRecoverer, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &adminHandler{recoverer: recoverer, logger: logger}
	r.Post("/v1/admin/teardowns/resume", h.resumeTeardowns)
}

func (h *adminHandler) resumeTeardowns(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveInt(r.URL.Query().Get("limit"), defaultRecoverBatch)
	if limit > maxRecoveryBatch {
		limit = maxRecoveryBatch
	}

	ctx, cancel := context.WithTimeout(r.Context(), recoveryTimeout)
	defer cancel()

	logger := requestLogger(r, h.logger)
	report, err := h.recoverer.ResumeTeardowns(ctx, limit)
	if err != nil {
		logger.Error("teardown recovery failed", slog.String("error", err.Error()))
		writeErrorDetail(w, r, http.StatusInternalServerError, "database operation failed", err)
		return
	}

	logger.Info("teardown recovery finished",
		slog.Int("attempted", report.Attempted),
		slog.Int("completed", len(report.Completed)),
		slog.Int("failed", len(report.Failed)),
	)
	writeJSON(w, http.StatusOK, report)
}
