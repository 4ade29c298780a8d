package registry

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tonelab/tone/internal/observe"
	"github.com/tonelab/tone/pkg/manifest"
)

// Store is the manifest source behind [Handler].
type Store interface {
	Load(name, version string) (*manifest.Manifest, error)
	Versions(name string) ([]string, error)
}

// Handler serves the registry API.
type Handler struct {
	store Store
}

// NewHandler returns a Handler over store.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// Register adds the registry routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/models/{name}", h.GetManifest)
	mux.HandleFunc("GET /v1/models/{name}/versions", h.ListVersions)
}

// GetManifest serves GET /v1/models/{name}?version=v.
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	version := strings.TrimSpace(r.URL.Query().Get("version"))
	if version == "" {
		writeError(w, http.StatusBadRequest, "version required")
		return
	}

	m, err := h.store.Load(name, version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type versionsResponse struct {
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
}

// ListVersions serves GET /v1/models/{name}/versions.
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	versions, err := h.store.Versions(name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versionsResponse{Name: name, Versions: versions})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBadIdentifier):
		writeError(w, http.StatusNotFound, "model not found")
	default:
		observe.Logger(r.Context()).Error("serving manifest", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "manifest unavailable")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
