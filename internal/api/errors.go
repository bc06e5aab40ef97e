package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tradewatch/tradewatch/internal/rules"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ruleError maps a rule store error to its HTTP status.
func ruleError(w http.ResponseWriter, err error) {
	var (
		notFound *rules.NotFoundError
		dup      *rules.DuplicateRuleError
		invalid  *rules.ConfigurationError
	)
	switch {
	case errors.As(err, &notFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.As(err, &dup):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.As(err, &invalid):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
