package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	apperrors "github.com/louisbranch/ledger/internal/platform/errors"
)

type errorResponse struct {
	Code     apperrors.Code    `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("write response: %v", err)
	}
}

func respondError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	resp := errorResponse{Code: code, Message: err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		resp.Metadata = appErr.Metadata
	}
	respondJSON(w, code.HTTPStatus(), resp)
}

func badRequest(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusBadRequest, errorResponse{Code: apperrors.CodeValidation, Message: message})
}

func notConfigured(w http.ResponseWriter, what string) {
	respondJSON(w, http.StatusNotImplemented, errorResponse{Code: apperrors.CodeUnknown, Message: what + " is not configured"})
}
