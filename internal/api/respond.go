package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/safar/go-fulfillment/internal/models"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return models.Errorf(models.ErrValidation, "request body is empty")
		}
		return models.Errorf(models.ErrValidation, "invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch models.Kind(err) {
	case models.ErrValidation:
		return http.StatusBadRequest, "validation"
	case models.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case models.ErrInvalidTransition:
		return http.StatusConflict, "invalid_transition"
	case models.ErrInsufficient:
		return http.StatusConflict, "insufficient"
	case models.ErrConflictingUpdate:
		return http.StatusConflict, "conflicting_update"
	}
	return http.StatusInternalServerError, "storage"
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = fmt.Sprintf("internal error (%s)", code)
	}
	if status == http.StatusConflict && code == "conflicting_update" {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
