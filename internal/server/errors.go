package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/manash/jimeng/internal/history"
	"github.com/manash/jimeng/internal/provider"
	"github.com/manash/jimeng/pkg/models"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message   string   `json:"message"`
	Type      string   `json:"type"`
	FailCode  string   `json:"fail_code,omitempty"`
	Supported []string `json:"supported,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

// classify maps a pipeline error to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrPolicyViolation),
		errors.Is(err, models.ErrEmptyPrompt),
		errors.Is(err, models.ErrNoSourceImages),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, provider.ErrSessionRequired), errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "authentication_error"
	case errors.Is(err, history.ErrJobNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, provider.ErrPollingTimedOut):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, provider.ErrJobFailed):
		return http.StatusBadGateway, "generation_failed"
	case errors.Is(err, provider.ErrUploadFailed):
		return http.StatusBadGateway, "upload_failed"
	case errors.Is(err, provider.ErrSubmissionFailed),
		errors.Is(err, provider.ErrBackendRejected),
		errors.Is(err, provider.ErrExtractionFailed),
		errors.Is(err, provider.ErrTransient):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, typ := classify(err)
	detail := errorDetail{
		Message:   err.Error(),
		Type:      typ,
		RequestID: middleware.GetReqID(r.Context()),
	}

	var jobErr *provider.JobError
	if errors.As(err, &jobErr) {
		detail.FailCode = jobErr.FailCode
	}
	var pv *models.PolicyViolation
	if errors.As(err, &pv) {
		detail.Supported = pv.Supported
	}

	if code >= http.StatusInternalServerError {
		h.requestLogger(r).Error().Err(err).Msg("http: request failed")
	} else {
		h.requestLogger(r).Warn().Err(err).Msg("http: request rejected")
	}
	writeJSON(w, code, errorBody{Error: detail})
}
