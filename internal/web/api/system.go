package api

import (
	"net/http"

	"github.com/patrickspencer/tickrun/internal/engine"
)

type healthResponse struct {
	Status string `json:"status"`
	engine.Summary
	Subscribers int `json:"subscribers"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Summary: a.Engine.Summary()}
	if resp.LoadError != "" {
		resp.Status = "degraded"
	}
	if a.Events != nil {
		resp.Subscribers = a.Events.Subscribers()
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleConfig(w http.ResponseWriter, _ *http.Request) {
	if a.Config == nil {
		a.writeError(w, http.StatusServiceUnavailable, "config unavailable")
		return
	}
	cfg := *a.Config
	// The notify command may carry credentials.
	if cfg.Notify.Command != "" {
		cfg.Notify.Command = "(set)"
	}
	a.writeJSON(w, http.StatusOK, cfg)
}
