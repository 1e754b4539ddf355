// Package respond writes JSON responses and maps domain errors to HTTP
// status codes for every handler in the engine.
package respond

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stotra/trade-engine/internal/model"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Error writes an error body with an explicit code.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorBody{Error: code, Message: message})
}

// BadRequest writes a 400 with code "bad_request".
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "bad_request", message)
}

// statusFor maps each domain sentinel to its HTTP status.
var statusFor = []struct {
	err    error
	status int
}{
	{model.ErrInvalidQuantity, http.StatusBadRequest},
	{model.ErrInvalidSymbol, http.StatusBadRequest},
	{model.ErrInvalidSide, http.StatusBadRequest},
	{model.ErrInvalidAmount, http.StatusBadRequest},
	{model.ErrInvalidEvent, http.StatusBadRequest},
	{model.ErrAccountNotFound, http.StatusNotFound},
	{model.ErrEventNotFound, http.StatusNotFound},
	{model.ErrInsufficientFunds, http.StatusConflict},
	{model.ErrInsufficientShares, http.StatusConflict},
	{model.ErrNoPosition, http.StatusConflict},
	{model.ErrAccountExists, http.StatusConflict},
	{model.ErrConcurrentModification, http.StatusConflict},
	{model.ErrPriceUnavailable, http.StatusServiceUnavailable},
}

// DomainError maps err to a status and writes it. Unknown errors are
// logged and reported as 500 without leaking their text.
func DomainError(w http.ResponseWriter, err error) {
	for _, m := range statusFor {
		if !errors.Is(err, m.err) {
			continue
		}
		body := ErrorBody{Error: m.err.Error(), Message: err.Error()}
		var oe *model.OrderError
		if errors.As(err, &oe) {
			body.Details = map[string]any{
				"symbol":    oe.Symbol,
				"requested": oe.Requested.String(),
				"available": oe.Available.String(),
			}
		}
		JSON(w, m.status, body)
		return
	}
	slog.Error("unhandled error", "err", err)
	Error(w, http.StatusInternalServerError, "internal", "internal server error")
}
