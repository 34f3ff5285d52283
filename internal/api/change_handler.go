package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

// ChangeRequest reports one entity lifecycle event. Old is required for
// update and delete, New for create and update. Fields named in Relations
// carry arrays of member ids and are diffed as membership changes.
type ChangeRequest struct {
	Action       *core.Action      `json:"action"`
	ResourceType core.ResourceType `json:"resource_type"`
	PK           any               `json:"pk"`
	Repr         string            `json:"repr"`
	Old          core.Snapshot     `json:"old"`
	New          core.Snapshot     `json:"new"`
	Relations    []string          `json:"relations,omitempty"`
}

func (req ChangeRequest) validate() error {
	if req.ResourceType.ID == 0 && (req.ResourceType.AppLabel == "" || req.ResourceType.Model == "") {
		return fmt.Errorf("%w: resource_type needs an id or app_label and model", core.ErrValidation)
	}
	if req.Action == nil {
		return fmt.Errorf("%w: action is required", core.ErrValidation)
	}
	if req.PK == nil {
		return fmt.Errorf("%w: pk is required", core.ErrValidation)
	}
	switch *req.Action {
	case core.ActionCreate:
		if req.New == nil {
			return fmt.Errorf("%w: create needs new", core.ErrValidation)
		}
	case core.ActionUpdate:
		if req.Old == nil || req.New == nil {
			return fmt.Errorf("%w: update needs old and new", core.ErrValidation)
		}
	case core.ActionDelete:
		if req.Old == nil {
			return fmt.Errorf("%w: delete needs old", core.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown action", core.ErrValidation)
	}
	return nil
}

// markRelations returns s with every relation field converted to a
// core.Relation. A nil snapshot stays nil.
func (req ChangeRequest) markRelations(s core.Snapshot) (core.Snapshot, error) {
	if s == nil || len(req.Relations) == 0 {
		return s, nil
	}
	out := make(core.Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	for _, f := range req.Relations {
		v, ok := out[f]
		if !ok {
			continue
		}
		rel, ok := core.AsRelation(v)
		if !ok {
			return nil, fmt.Errorf("%w: relation field %q must be an array", core.ErrValidation, f)
		}
		out[f] = rel
	}
	return out, nil
}

func (req ChangeRequest) entity(fields core.Snapshot) core.Entity {
	return core.Entity{ResourceType: req.ResourceType, PK: req.PK, Repr: req.Repr, Fields: fields}
}

// RecordChange turns a lifecycle event into a change record and hands it to
// the dispatcher. An update that changed no tracked field is not logged.
func (a *API) RecordChange(w http.ResponseWriter, r *http.Request) {
	var req ChangeRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, core.NewAppError(core.ErrCodeBadRequest, "invalid JSON body: "+err.Error()))
		return
	}
	if err := req.validate(); err != nil {
		WriteErr(w, err)
		return
	}
	var err error
	if req.Old, err = req.markRelations(req.Old); err != nil {
		WriteErr(w, err)
		return
	}
	if req.New, err = req.markRelations(req.New); err != nil {
		WriteErr(w, err)
		return
	}

	var rec *core.ChangeRecord
	switch *req.Action {
	case core.ActionCreate:
		rec, err = a.hooks.OnCreate(r.Context(), req.entity(req.New))
	case core.ActionUpdate:
		rec, err = a.hooks.OnUpdate(r.Context(), req.entity(req.Old), req.entity(req.New))
	case core.ActionDelete:
		rec, err = a.hooks.OnDelete(r.Context(), req.entity(req.Old))
	}
	if err != nil {
		a.log.Error("record change", zap.String("resource_type", req.ResourceType.String()), zap.Error(err))
		WriteErr(w, err)
		return
	}
	if rec == nil {
		WriteJSON(w, http.StatusOK, map[string]interface{}{"logged": false})
		return
	}
	WriteAccepted(w, rec)
}
