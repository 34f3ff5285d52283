package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

type PutActorRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func actorID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "actor_id"), 10, 64)
	return id, err == nil && id > 0
}

// PutActor creates or replaces an actor's display fields.
func (a *API) PutActor(w http.ResponseWriter, r *http.Request) {
	id, ok := actorID(r)
	if !ok {
		WriteError(w, core.NewAppError(core.ErrCodeBadRequest, "invalid actor id"))
		return
	}
	var req PutActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, core.NewAppError(core.ErrCodeBadRequest, "invalid JSON body"))
		return
	}
	actor := core.Actor{ID: id, Email: req.Email, FirstName: req.FirstName, LastName: req.LastName}
	if err := a.logs.UpsertActor(r.Context(), actor); err != nil {
		a.log.Error("upsert actor", zap.Int64("actor_id", id), zap.Error(err))
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, actor)
}

// DeleteActor removes an actor. Secondary documents that name it are
// reported as dangling by the next backfill.
func (a *API) DeleteActor(w http.ResponseWriter, r *http.Request) {
	id, ok := actorID(r)
	if !ok {
		WriteError(w, core.NewAppError(core.ErrCodeBadRequest, "invalid actor id"))
		return
	}
	if err := a.logs.DeleteActor(r.Context(), id); err != nil {
		if core.CodeFor(err) == core.ErrCodeNotFound {
			WriteError(w, core.NewAppError(core.ErrCodeNotFound, "actor not found"))
			return
		}
		a.log.Error("delete actor", zap.Int64("actor_id", id), zap.Error(err))
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
