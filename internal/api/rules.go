package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradewatch/tradewatch/internal/rules"
)

// decodeBody reads a JSON request body into v, replying 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleListRules(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rs, err := deps.Rules.List(r.URL.Query().Get("enabled") == "true")
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list rules: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rs)
	}
}

func handleAddRule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rule rules.Rule
		if !decodeBody(w, r, maxRequestBodySize, &rule) {
			return
		}
		added, err := deps.Rules.Add(rule)
		if err != nil {
			ruleError(w, err)
			return
		}
		deps.Logger.Info("rule added", "rule_id", added.ID)
		writeJSON(w, http.StatusCreated, added)
	}
}

func handleGetRule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := deps.Rules.Get(chi.URLParam(r, "id"))
		if err != nil {
			ruleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

func handleUpdateRule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch rules.Patch
		if !decodeBody(w, r, maxRequestBodySize, &patch) {
			return
		}
		updated, err := deps.Rules.Update(chi.URLParam(r, "id"), patch)
		if err != nil {
			ruleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleSetEnabled(deps AppDeps, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		updated, err := deps.Rules.SetEnabled(chi.URLParam(r, "id"), enabled)
		if err != nil {
			ruleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleDeleteRule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Rules.Remove(id); err != nil {
			ruleError(w, err)
			return
		}
		deps.Logger.Info("rule removed", "rule_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
