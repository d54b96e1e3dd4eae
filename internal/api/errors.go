package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/hackgods/provider-scheduling/internal/scheduling"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// statusForCode maps a scheduling error code to its HTTP status.
func statusForCode(code string) int {
	switch code {
	case "invalid_input":
		return http.StatusBadRequest
	case "permission_denied":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "already_exists", "slot_already_booked", "invalid_transition":
		return http.StatusConflict
	case "store_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders an error returned by a scheduling service.
// Infrastructure failures are logged and their cause is not echoed back.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := scheduling.Code(err)
	status := statusForCode(code)

	switch status {
	case http.StatusServiceUnavailable, http.StatusInternalServerError:
		logger.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
		details := "temporary failure, retry later"
		if status == http.StatusInternalServerError {
			details = "internal error"
		}
		writeError(w, status, code, details)
	default:
		writeError(w, status, code, err.Error())
	}
}
