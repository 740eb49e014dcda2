package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	sharederrors "github.com/jesushernandez976/accesscodepro-blog/internal/shared/errors"
	"github.com/jesushernandez976/accesscodepro-blog/internal/shared/logging"
)

type errorResponse = sharederrors.ErrorResponse

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Code: sharederrors.CodeForStatus(status), Message: message})
}

// writeErrorDetail includes the underlying error text and the request id so operators
// can correlate a provider's failed delivery with server logs.
func writeErrorDetail(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	writeJSON(w, status, errorResponse{
		Code:      sharederrors.CodeForStatus(status),
		Message:   message,
		Detail:    err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func requestLogger(r *http.Request, logger *slog.Logger) *slog.Logger {
	return logging.WithRequestID(r.Context(), logger, middleware.GetReqID(r.Context()))
}

func parsePositiveInt(value string, fallback int) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
