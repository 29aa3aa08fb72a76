package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Engine.List())
}

func (a *API) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	c, err := a.Engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, c)
}

func (a *API) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	def, err := decodeDefinition(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.Engine.Create(def)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	a.writeCommand(w, http.StatusCreated, created.ID)
}

func (a *API) handleUpdateCommand(w http.ResponseWriter, r *http.Request) {
	def, err := decodeDefinition(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := a.Engine.Update(chi.URLParam(r, "id"), def)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	a.writeCommand(w, http.StatusOK, updated.ID)
}

// writeCommand responds with the live view of command id.
func (a *API) writeCommand(w http.ResponseWriter, status int, id string) {
	c, err := a.Engine.Get(id)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	a.writeJSON(w, status, c)
}

func (a *API) handleDeleteCommand(w http.ResponseWriter, r *http.Request) {
	if err := a.Engine.Delete(chi.URLParam(r, "id")); err != nil {
		a.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleEnableCommand(w http.ResponseWriter, r *http.Request) {
	a.setDisabled(w, r, false)
}

func (a *API) handleDisableCommand(w http.ResponseWriter, r *http.Request) {
	a.setDisabled(w, r, true)
}

func (a *API) setDisabled(w http.ResponseWriter, r *http.Request, disabled bool) {
	def, err := a.Engine.SetDisabled(chi.URLParam(r, "id"), disabled)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	a.writeCommand(w, http.StatusOK, def.ID)
}

func (a *API) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	runID, err := a.Engine.RunNow(chi.URLParam(r, "id"))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered", "run_id": runID})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := a.Engine.History(chi.URLParam(r, "id"), queryInt(r, "limit", 0, 0))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, recs)
}

func (a *API) handleCommandStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Engine.Stats(chi.URLParam(r, "id"))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}
