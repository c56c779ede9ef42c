package api

import (
	"encoding/json"
	"net/http"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// Envelope is the response wrapper used by every REST endpoint.
// Exactly one of Data and Error is set.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeData writes a successful envelope.
func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Success: true, Data: data})
}

// writeError writes a failure envelope with an explicit status and code.
func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		Success: false,
		Error:   &ErrorBody{Code: code, Message: message, Details: details},
	})
}

// handleError inspects the error type and writes the matching envelope.
// GateErrors map to their category's HTTP status; anything else is a 500.
func handleError(w http.ResponseWriter, err error) {
	if gerr := gateerrors.AsGateError(err); gerr != nil {
		// Code and message already occupy the top-level fields.
		details := gerr.Details()
		delete(details, "code")
		delete(details, "message")
		if len(details) == 0 {
			details = nil
		}
		writeError(w, gerr.HTTPStatus(), string(gerr.Code), gerr.What, details)
		return
	}
	writeError(w, http.StatusInternalServerError, string(gateerrors.CodeSystemError), err.Error(), nil)
}
