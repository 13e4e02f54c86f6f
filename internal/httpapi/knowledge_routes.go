package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cco-dev/claude-code-orchestra/internal/domainerr"
	"github.com/cco-dev/claude-code-orchestra/internal/knowledge"
)

func mountKnowledgeRoutes(r chi.Router, ks *knowledge.Store, log *slog.Logger) {
	kh := &knowledgeHandlers{store: ks, logger: log}

	r.Post("/items", kh.storeItem)
	r.Get("/search", kh.search)
	r.Get("/project/{projectID}", kh.projectKnowledge)
	r.Get("/stats", kh.stats)
}

type knowledgeHandlers struct {
	store  *knowledge.Store
	logger *slog.Logger
}

type storeItemRequest struct {
	Text      string         `json:"text"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id"`
	SessionID string         `json:"session_id"`
	Agent     string         `json:"agent"`
	Metadata  map[string]any `json:"metadata"`
}

func (kh *knowledgeHandlers) storeItem(w http.ResponseWriter, r *http.Request) {
	var req storeItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := kh.store.Store(r.Context(), knowledge.NewItem{
		Text:      req.Text,
		Type:      knowledge.Type(req.Type),
		ProjectID: req.ProjectID,
		SessionID: req.SessionID,
		Agent:     req.Agent,
		Metadata:  req.Metadata,
	})
	if err != nil {
		if errors.Is(err, domainerr.ErrValidation) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (kh *knowledgeHandlers) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q, "limit", 10)

	results, err := kh.store.Search(r.Context(), q.Get("query"), limit, knowledge.SearchFilters{
		ProjectID: q.Get("project_id"),
		Type:      knowledge.Type(q.Get("type")),
		Agent:     q.Get("agent"),
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, results)
}

func (kh *knowledgeHandlers) projectKnowledge(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	q := r.URL.Query()
	limit := queryInt(q, "limit", 20)

	items, err := kh.store.GetProjectKnowledge(r.Context(), projectID, knowledge.Type(q.Get("type")), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, items)
}

func (kh *knowledgeHandlers) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := kh.store.StatsOf(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryInt(q map[string][]string, key string, fallback int) int {
	vals, ok := q[key]
	if !ok || len(vals) == 0 {
		return fallback
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
