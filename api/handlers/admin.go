package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/config"
	"github.com/williamwinkler/openai-batch-manager-sub003/intake"
)

// AdminHandler serves the operational endpoints: the intake maintenance
// gate, the running configuration, and hot reload.
type AdminHandler struct {
	facade *intake.Facade
	reload *config.HotReloadManager
	logger *zap.Logger
}

// NewAdminHandler wires the admin handler. reload may be nil when no config
// file is in use.
func NewAdminHandler(facade *intake.Facade, reload *config.HotReloadManager, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		facade: facade,
		reload: reload,
		logger: logger.With(zap.String("handler", "admin")),
	}
}

// MaintenanceRequest toggles the intake gate.
type MaintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

// HandleMaintenance reads (GET) or sets (PUT) the maintenance gate.
// GET|PUT /api/v1/admin/maintenance
func (h *AdminHandler) HandleMaintenance(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		WriteSuccess(w, map[string]bool{"enabled": h.facade.Maintenance()})
	case http.MethodPut:
		var req MaintenanceRequest
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
		h.facade.SetMaintenance(req.Enabled)
		WriteSuccess(w, map[string]bool{"enabled": req.Enabled})
	default:
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or PUT", h.logger)
	}
}

// HandleConfig returns the running configuration with secrets redacted.
// GET /api/v1/admin/config
func (h *AdminHandler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET", h.logger)
		return
	}
	if h.reload == nil {
		WriteErrorMessage(w, http.StatusNotFound, "not_found", "config reload is not enabled", h.logger)
		return
	}

	cfg := *h.reload.Current()
	cfg.Server.APIKey = redact(cfg.Server.APIKey)
	cfg.Database.Password = redact(cfg.Database.Password)
	cfg.Redis.Password = redact(cfg.Redis.Password)
	cfg.Provider.APIKey = redact(cfg.Provider.APIKey)
	cfg.Queue.URL = redact(cfg.Queue.URL)

	WriteSuccess(w, cfg)
}

// HandleConfigReload re-reads the config file and applies the reloadable
// subset.
// POST /api/v1/admin/config/reload
func (h *AdminHandler) HandleConfigReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", h.logger)
		return
	}
	if h.reload == nil {
		WriteErrorMessage(w, http.StatusNotFound, "not_found", "config reload is not enabled", h.logger)
		return
	}

	if err := h.reload.Reload("api"); err != nil {
		WriteErrorMessage(w, http.StatusUnprocessableEntity, "reload_failed", err.Error(), h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"history": h.reload.History()})
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}
