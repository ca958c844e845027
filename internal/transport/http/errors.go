package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"daily-atlas-service/internal/domain"
)

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{domain.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{domain.ErrUnknownItem, http.StatusNotFound, "unknown_item"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrAlreadyAnswered, http.StatusConflict, "already_answered"},
	{domain.ErrDuplicateAttempt, http.StatusConflict, "already_played"},
	{domain.ErrAlreadyOwned, http.StatusConflict, "already_owned"},
	{domain.ErrAlreadyLinked, http.StatusConflict, "already_linked"},
	{domain.ErrInsufficientFunds, http.StatusConflict, "insufficient_funds"},
	{domain.ErrOrdinalOutOfRange, http.StatusBadRequest, "ordinal_out_of_range"},
	{domain.ErrInvalidChoice, http.StatusBadRequest, "invalid_choice"},
	{domain.ErrItemNotOwned, http.StatusBadRequest, "item_not_owned"},
	{domain.ErrSlotMismatch, http.StatusBadRequest, "slot_mismatch"},
	{domain.ErrRemoteUnavailable, http.StatusServiceUnavailable, "remote_unavailable"},
	{domain.ErrGeneration, http.StatusServiceUnavailable, "challenge_unavailable"},
	{domain.ErrPersistenceWrite, http.StatusServiceUnavailable, "persistence_write"},
}

// classify maps an error to an HTTP status and a stable client code.
func classify(err error) (int, errorPayload) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.status, errorPayload{Code: e.code, Message: err.Error()}
		}
	}
	return http.StatusInternalServerError, errorPayload{Code: "internal", Message: "internal error"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, payload := classify(err)
	writeJSON(w, status, map[string]errorPayload{"error": payload})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]errorPayload{"error": {Code: "bad_request", Message: msg}})
}
