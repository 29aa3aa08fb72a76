// Package api implements the JSON HTTP API over the engine.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/patrickspencer/tickrun/internal/config"
	"github.com/patrickspencer/tickrun/internal/engine"
	"github.com/patrickspencer/tickrun/internal/history"
	"github.com/patrickspencer/tickrun/internal/realtime"
	"github.com/patrickspencer/tickrun/internal/runlog"
	"github.com/patrickspencer/tickrun/internal/store"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 2 * 1024 * 1024

// Engine is the part of *engine.Engine the handlers use.
type Engine interface {
	Summary() engine.Summary
	List() []engine.Command
	Get(id string) (engine.Command, error)
	Definitions() []command.Definition
	Create(def command.Definition) (command.Definition, error)
	Update(id string, def command.Definition) (command.Definition, error)
	SetDisabled(id string, disabled bool) (command.Definition, error)
	Delete(id string) error
	RunNow(id string) (string, error)
	History(id string, limit int) ([]history.Record, error)
	Stats(id string) (history.Stats, error)
}

// API holds dependencies for all API handlers. Store, RunLogs and Events
// are optional.
type API struct {
	Engine  Engine
	Store   store.RunStore
	RunLogs *runlog.Manager
	Events  *realtime.Broker
	Config  *config.Config
	Log     zerolog.Logger
}

// Routes registers all API routes on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/health", a.handleHealth)
	r.Get("/config", a.handleConfig)
	r.Get("/events", a.handleEvents)

	r.Route("/commands", func(r chi.Router) {
		r.Get("/", a.handleListCommands)
		r.Post("/", a.handleCreateCommand)
		r.Get("/export", a.handleExportCommands)
		r.Post("/import", a.handleImportCommands)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetCommand)
			r.Put("/", a.handleUpdateCommand)
			r.Delete("/", a.handleDeleteCommand)
			r.Post("/run", a.handleRunCommand)
			r.Put("/enable", a.handleEnableCommand)
			r.Put("/disable", a.handleDisableCommand)
			r.Get("/history", a.handleHistory)
			r.Get("/stats", a.handleCommandStats)
			r.Get("/runs/{runID}/log", a.handleRunLog)
		})
	})

	r.Get("/runs", a.handleListRuns)
	r.Get("/runs/{runID}", a.handleGetRun)
}

// writeJSON writes a JSON response with the given status code.
func (a *API) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.Log.Error().Err(err).Msg("failed to write JSON response")
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps an engine error to its status code.
func (a *API) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFromError(err)
	if status == http.StatusInternalServerError {
		a.Log.Error().Err(err).Msg("request failed")
	}
	a.writeError(w, status, err.Error())
}

func statusFromError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateName),
		errors.Is(err, engine.ErrDuplicateID),
		errors.Is(err, engine.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case engine.IsConfigError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeDefinition reads a JSON command definition from the request body.
func decodeDefinition(r *http.Request) (command.Definition, error) {
	var def command.Definition
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return command.Definition{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return def, nil
}

func queryInt(r *http.Request, key string, def, min int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return def
	}
	return n
}
