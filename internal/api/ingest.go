package api

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/tradewatch/tradewatch/internal/providers"
)

const maxIngestBodySize = 10 << 20 // 10MB

// IngestRequest adds a document to the searchable trade data. Type is
// "text" (default), "url" or "file"; file content is base64 and may be a PDF.
type IngestRequest struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
	Name    string `json:"name"`
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Documents == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "document ingestion is not configured")
			return
		}
		var req IngestRequest
		if !decodeBody(w, r, maxIngestBodySize, &req) {
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}
		if req.Type == "" {
			req.Type = "text"
		}

		var (
			doc providers.Document
			err error
		)
		switch {
		case req.Type == "url" && req.URL != "":
			doc, err = providers.FetchDocument(r.Context(), deps.HTTPClient, req.URL)
			if err != nil && !errors.Is(err, providers.ErrEmptyDocument) {
				httpError(w, http.StatusBadGateway, "api_error", "%v", err)
				return
			}

		case req.Type == "file" && req.Content != "":
			data, decErr := base64.StdEncoding.DecodeString(req.Content)
			if decErr != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			name := req.Name
			if name == "" {
				name = "upload"
			}
			doc, err = providers.ParseDocument(name, data)

		case req.Type == "text" && req.Content != "":
			origin := req.Name
			if origin == "" {
				origin = "api"
			}
			doc, err = providers.ParseDocument(origin, []byte(req.Content))

		case req.Type == "url":
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required for type url")
			return

		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported type %q or missing content", req.Type)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if req.Title != "" {
			doc.Title = req.Title
		}

		id, created, err := deps.Documents.AddDocument(doc)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store document: %v", err)
			return
		}
		status := "queued"
		if !created {
			status = "exists"
		}
		deps.Logger.Info("document ingested", "id", id, "origin", doc.Origin, "status", status)
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
	}
}
