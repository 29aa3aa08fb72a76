package api

import (
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/patrickspencer/tickrun/internal/history"
	"github.com/patrickspencer/tickrun/internal/store"
)

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if a.Store == nil {
		a.writeError(w, http.StatusServiceUnavailable, "run archive disabled")
		return
	}

	opts := store.ListOpts{
		CommandID: r.URL.Query().Get("command"),
		Limit:     queryInt(r, "limit", 50, 1),
		Offset:    queryInt(r, "offset", 0, 0),
	}
	runs, err := a.Store.ListRuns(r.Context(), opts)
	if err != nil {
		a.Log.Error().Err(err).Msg("failed to list runs")
		a.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []history.Record{}
	}
	a.writeJSON(w, http.StatusOK, runs)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if a.Store == nil {
		a.writeError(w, http.StatusServiceUnavailable, "run archive disabled")
		return
	}
	run, err := a.Store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		a.Log.Error().Err(err).Msg("failed to get run")
		a.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		a.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	a.writeJSON(w, http.StatusOK, run)
}

type runLogResponse struct {
	RunID        string `json:"run_id"`
	CommandID    string `json:"command_id"`
	Source       string `json:"source"`
	Output       string `json:"output"`
	Path         string `json:"path,omitempty"`
	Truncated    bool   `json:"truncated,omitempty"`
	StorageError string `json:"storage_error,omitempty"`
}

// handleRunLog serves the full output file of a run, falling back to the
// captured tail when no file exists.
func (a *API) handleRunLog(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "id")
	runID := chi.URLParam(r, "runID")

	resp := runLogResponse{RunID: runID, CommandID: commandID, Source: "tail"}
	found := false

	if rec, ok := a.findRun(r, commandID, runID); ok {
		found = true
		resp.Output = rec.Output
		resp.Truncated = rec.OutputTruncated
	}

	if a.RunLogs != nil {
		out, err := a.RunLogs.Read(commandID, runID)
		switch {
		case err == nil:
			found = true
			resp.Source = "file"
			resp.Output = out
			resp.Truncated = false
			resp.Path = a.RunLogs.Path(commandID, runID)
		case !errors.Is(err, os.ErrNotExist):
			resp.StorageError = err.Error()
		}
	}

	if !found {
		a.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// findRun looks for a run in the in-memory history, then in the archive.
func (a *API) findRun(r *http.Request, commandID, runID string) (history.Record, bool) {
	if recs, err := a.Engine.History(commandID, 0); err == nil {
		for _, rec := range recs {
			if rec.ID == runID {
				return rec, true
			}
		}
	}
	if a.Store == nil {
		return history.Record{}, false
	}
	rec, err := a.Store.GetRun(r.Context(), runID)
	if err != nil || rec == nil || rec.CommandID != commandID {
		return history.Record{}, false
	}
	return *rec, true
}
