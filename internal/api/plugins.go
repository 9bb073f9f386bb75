package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/toolprefs/internal/prefs"
	"github.com/kalambet/toolprefs/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// HistoryLister reads the preference change journal.
type HistoryLister interface {
	ListPreferenceChanges(pluginID string, limit int) ([]storage.PreferenceChange, error)
}

type Deps struct {
	Prefs   *prefs.Manager
	History HistoryLister // optional; history endpoints answer 404 when nil
	Token   string
}

// NewHandler returns the management API. /health is open; every other route
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/plugins", handleListPlugins(deps))
		r.Get("/plugins/{id}", handleGetPlugin(deps))
		r.Put("/plugins/{id}", handlePutPlugin(deps))
		r.Patch("/plugins/{id}", handlePatchPlugin(deps))
		r.Delete("/plugins/{id}", handleDeletePlugin(deps))
		r.Get("/plugins/{id}/history", handlePluginHistory(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListPlugins(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Prefs.All())
	}
}

func handleGetPlugin(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Prefs.Get(chi.URLParam(r, "id")))
	}
}

// handlePutPlugin replaces the whole record. Fields missing from the body take
// their default values.
func handlePutPlugin(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields, ok := decodeFields(w, r)
		if !ok {
			return
		}
		u, err := prefs.UpdateFromFields(fields)
		if err != nil {
			prefsError(w, err)
			return
		}

		p := u.Apply(prefs.Defaults())
		if err := deps.Prefs.Set(chi.URLParam(r, "id"), p); err != nil {
			prefsError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

func handlePatchPlugin(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields, ok := decodeFields(w, r)
		if !ok {
			return
		}
		u, err := prefs.UpdateFromFields(fields)
		if err != nil {
			prefsError(w, err)
			return
		}
		if u.Empty() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no fields to update")
			return
		}

		merged, err := deps.Prefs.Update(chi.URLParam(r, "id"), u)
		if err != nil {
			prefsError(w, err)
			return
		}
		writeJSON(w, merged)
	}
}

func handleDeletePlugin(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := deps.Prefs.Reset(chi.URLParam(r, "id"))
		if err != nil {
			prefsError(w, err)
			return
		}
		status := "unchanged"
		if removed {
			status = "reset"
		}
		writeJSON(w, map[string]string{"status": status})
	}
}

func handlePluginHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := deps.History
		if h == nil {
			httpError(w, http.StatusNotFound, "not_found_error", "change history is not enabled")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		changes, err := h.ListPreferenceChanges(chi.URLParam(r, "id"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list history: %v", err)
			return
		}
		if changes == nil {
			changes = []storage.PreferenceChange{}
		}
		writeJSON(w, changes)
	}
}

// decodeFields reads a JSON object body. An empty body or a JSON null is an
// empty object.
func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return nil, false
	}
	return fields, true
}
