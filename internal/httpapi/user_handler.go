package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jesushernandez976/accesscodepro-blog/internal/account"
	sharedauth "github.com/jesushernandez976/accesscodepro-blog/internal/shared/auth"
)

// AccountReader serves the signed-in user's synced account.
type AccountReader interface {
	GetAccount(ctx context.Context, externalID string) (account.Summary, error)
}

type userHandler struct {
	accounts AccountReader
	logger   *slog.Logger
}

// RegisterUserRoutes mounts the account routes. Callers wrap r with auth.Middleware.
func RegisterUserRoutes(r chi.Router, accounts AccountReader, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &userHandler{accounts: accounts, logger: logger}
	r.Get("/v1/users/me", h.me)
}

func (h *userHandler) me(w http.ResponseWriter, r *http.Request) {
	user, ok := sharedauth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), serviceTimeout)
	defer cancel()

	summary, err := h.accounts.GetAccount(ctx, user.UserID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not synced")
			return
		}
		requestLogger(r, h.logger).Error("failed to load account", slog.String("userId", user.UserID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}
