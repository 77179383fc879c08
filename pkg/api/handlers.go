package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"modsync/pkg/catalog"
	"modsync/repo"

	"github.com/charmbracelet/log"
)

// Catalog is the read side of a synced repository.
type Catalog interface {
	Modules() []catalog.Module
	Module(id string) (catalog.Module, bool)
	Status() repo.Status
}

// Refresher runs one sync cycle on demand.
type Refresher interface {
	Refresh(ctx context.Context) (catalog.Delta, error)
}

// ModulesHandler lists modules, or returns a single one when id is given.
type ModulesHandler struct {
	Catalog Catalog
	Logger  *log.Logger
}

func (h *ModulesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Catalog == nil {
		http.Error(w, "catalog not configured", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		mods := h.Catalog.Modules()
		shown := make([]catalog.Module, 0, len(mods))
		for _, mod := range mods {
			shown = append(shown, mod.Redacted())
		}
		writeJSON(w, shown)
		return
	}
	mod, ok := h.Catalog.Module(id)
	if !ok {
		http.Error(w, "module not found", http.StatusNotFound)
		return
	}
	writeJSON(w, mod.Redacted())
}

// MetadataChecker reports whether a locally known module is still listed.
type MetadataChecker interface {
	TryLoadMetadata(mod *catalog.Module) bool
}

// CheckHandler takes the modules a client has installed and reports which
// of them the repository still lists, updating their metadata flags.
type CheckHandler struct {
	Checker MetadataChecker
}

type checkRequest struct {
	Modules []catalog.Module `json:"modules"`
}

type checkResult struct {
	ID     string       `json:"id"`
	Listed bool         `json:"listed"`
	Flags  catalog.Flag `json:"flags"`
}

func (h *CheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Checker == nil {
		http.Error(w, "catalog not configured", http.StatusServiceUnavailable)
		return
	}
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	results := make([]checkResult, 0, len(req.Modules))
	for i := range req.Modules {
		mod := &req.Modules[i]
		listed := h.Checker.TryLoadMetadata(mod)
		results = append(results, checkResult{ID: mod.ID, Listed: listed, Flags: mod.Flags})
	}
	writeJSON(w, results)
}

// StatusHandler reports sync and credential state.
type StatusHandler struct {
	Catalog Catalog
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Catalog == nil {
		http.Error(w, "catalog not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, h.Catalog.Status())
}

// RefreshHandler triggers an immediate sync.
type RefreshHandler struct {
	Refresher Refresher
	Logger    *log.Logger
}

type refreshResponse struct {
	Changed []string `json:"changed"`
	Removed []string `json:"removed"`
}

func (h *RefreshHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Refresher == nil {
		http.Error(w, "refresh not configured", http.StatusServiceUnavailable)
		return
	}
	delta, err := h.Refresher.Refresh(r.Context())
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("refresh failed", "err", err)
		}
		var protoErr *catalog.ProtocolError
		switch {
		case errors.Is(err, repo.ErrNotReady):
			http.Error(w, "repository not ready", http.StatusServiceUnavailable)
		case errors.As(err, &protoErr):
			http.Error(w, "remote catalog rejected", http.StatusBadGateway)
		default:
			http.Error(w, "refresh failed", http.StatusBadGateway)
		}
		return
	}
	resp := refreshResponse{Changed: []string{}, Removed: []string{}}
	for _, mod := range delta.Changed {
		resp.Changed = append(resp.Changed, mod.ID)
	}
	for _, mod := range delta.Removed {
		resp.Removed = append(resp.Removed, mod.ID)
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
