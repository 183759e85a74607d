package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stratafs/strata-server/pkg/cache"
	"github.com/stratafs/strata-server/pkg/object"
	"github.com/stratafs/strata-server/pkg/plugin"
	"github.com/stratafs/strata-server/pkg/resolver"
)

// ReloadFunc rebuilds the plugin registry from the current plugins
// configuration.
type ReloadFunc func() error

// Handler wraps the resolver and cache and provides HTTP handlers
type Handler struct {
	resolver  *resolver.Resolver
	cache     *cache.Cache
	registry  *plugin.Registry
	reload    ReloadFunc
	version   string
	gitCommit string
	buildTime string
}

// NewHandler creates a new Handler
func NewHandler(r *resolver.Resolver, c *cache.Cache, reg *plugin.Registry, reload ReloadFunc) *Handler {
	return &Handler{
		resolver:  r,
		cache:     c,
		registry:  reg,
		reload:    reload,
		version:   "dev",
		gitCommit: "unknown",
		buildTime: "unknown",
	}
}

// SetVersionInfo sets the version information for the handler
func (h *Handler) SetVersionInfo(version, gitCommit, buildTime string) {
	h.version = version
	h.gitCommit = gitCommit
	h.buildTime = buildTime
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse represents a success response
type SuccessResponse struct {
	Message string `json:"message"`
}

// PluginInfo describes one registered plugin
type PluginInfo struct {
	Name       string   `json:"name"`
	Priority   int      `json:"priority"`
	Extensions []string `json:"extensions,omitempty"`
	MimeTypes  []string `json:"mimetypes,omitempty"`
}

// PluginsResponse represents the plugin list response
type PluginsResponse struct {
	Plugins []PluginInfo `json:"plugins"`
}

// VersionResponse represents version information
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// mapErrorToStatus maps resolution errors to HTTP status codes
func mapErrorToStatus(err error) int {
	if errors.Is(err, object.ErrPathNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, object.ErrNoPluginAvailable) {
		return http.StatusUnsupportedMediaType
	}
	if errors.Is(err, object.ErrExtractionFailed) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// GetObject handles GET /object?path=<objectpath>
//
// The resolved payload is streamed back; directory paths answer with a
// JSON listing instead.
func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	p, ok := pathParam(w, r)
	if !ok {
		return
	}

	reqID := uuid.NewString()
	start := time.Now()

	res, err := h.resolver.Resolve(r.Context(), p)
	if err != nil {
		log.Warnf("[%s] resolve /%s failed: %v", reqID, p, err)
		writeError(w, mapErrorToStatus(err), err.Error())
		return
	}
	defer res.Close()

	if res.Listing != nil {
		writeJSON(w, http.StatusOK, res.Listing)
		return
	}

	log.Debugf("[%s] resolved /%s via %v in %s (hit=%v)", reqID, p, res.Chain, time.Since(start), res.CacheHit)

	w.Header().Set("Content-Type", res.MimeType)
	if res.Size >= 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", res.Size))
	}
	w.Header().Set("X-Strata-Fingerprint", res.Fingerprint)
	if _, err := io.Copy(w, res.Payload()); err != nil {
		// The response is already committed; nothing to do but log.
		log.Debugf("[%s] client went away while streaming /%s: %v", reqID, p, err)
	}
}

// ListObject handles GET /list?path=<objectpath>
func (h *Handler) ListObject(w http.ResponseWriter, r *http.Request) {
	p, ok := pathParam(w, r)
	if !ok {
		return
	}

	res, err := h.resolver.List(r.Context(), p)
	if err != nil {
		writeError(w, mapErrorToStatus(err), err.Error())
		return
	}
	defer res.Close()

	writeJSON(w, http.StatusOK, res.Listing)
}

// ListPlugins handles GET /plugins
func (h *Handler) ListPlugins(w http.ResponseWriter, r *http.Request) {
	var infos []PluginInfo
	for _, d := range h.registry.Descriptors() {
		infos = append(infos, PluginInfo{
			Name:       d.Name,
			Priority:   d.Priority,
			Extensions: d.Extensions,
			MimeTypes:  d.MimeTypes,
		})
	}
	writeJSON(w, http.StatusOK, PluginsResponse{Plugins: infos})
}

// ReloadPlugins handles POST /plugins/reload
func (h *Handler) ReloadPlugins(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		writeError(w, http.StatusNotImplemented, "plugin reload not configured")
		return
	}
	if err := h.reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Infof("plugin registry reloaded")
	writeJSON(w, http.StatusOK, SuccessResponse{Message: "plugins reloaded"})
}

// CacheStats handles GET /cache/stats
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats())
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SuccessResponse{Message: "ok"})
}

// Version handles GET /version
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version:   h.version,
		GitCommit: h.gitCommit,
		BuildTime: h.buildTime,
	})
}

// RegisterRoutes attaches all handlers to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /object", h.GetObject)
	mux.HandleFunc("GET /list", h.ListObject)
	mux.HandleFunc("GET /plugins", h.ListPlugins)
	mux.HandleFunc("POST /plugins/reload", h.ReloadPlugins)
	mux.HandleFunc("GET /cache/stats", h.CacheStats)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /version", h.Version)
}

func pathParam(w http.ResponseWriter, r *http.Request) (object.Path, bool) {
	raw := r.URL.Query().Get("path")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "path parameter is required")
		return nil, false
	}
	p := object.ParsePath(raw)
	if p == nil && raw != "/" {
		writeError(w, http.StatusBadRequest, "invalid object path")
		return nil, false
	}
	return p, true
}
