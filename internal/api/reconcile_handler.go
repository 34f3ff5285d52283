package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/reconcile"
)

type MigrateRequest struct {
	AfterID int64 `json:"after_id"`
}

type BackfillRequest struct {
	Since *time.Time `json:"since"`
}

// decodeOptional decodes a JSON body into v; an empty body leaves v as is.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (a *API) reconcilerReady(w http.ResponseWriter) bool {
	if a.reconciler == nil {
		WriteError(w, core.NewAppError(core.ErrCodeReconcilerError, "reconciler not configured"))
		return false
	}
	return true
}

// Migrate copies the primary store into the secondary store. The request
// blocks until the reconciler finishes or the client goes away.
func (a *API) Migrate(w http.ResponseWriter, r *http.Request) {
	if !a.reconcilerReady(w) {
		return
	}
	var req MigrateRequest
	if err := decodeOptional(r, &req); err != nil || req.AfterID < 0 {
		WriteError(w, core.NewAppError(core.ErrCodeBadRequest, "invalid migrate request"))
		return
	}
	res, err := a.reconciler.Migrate(r.Context(), reconcile.MigrateOptions{AfterID: req.AfterID})
	if err != nil {
		a.log.Error("migrate", zap.Int64("after_id", req.AfterID), zap.Error(err))
		writeReconcilerErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Backfill copies secondary records missing from the primary store. A run
// already in progress elsewhere yields 409.
func (a *API) Backfill(w http.ResponseWriter, r *http.Request) {
	if !a.reconcilerReady(w) {
		return
	}
	var req BackfillRequest
	if err := decodeOptional(r, &req); err != nil {
		WriteError(w, core.NewAppError(core.ErrCodeBadRequest, "invalid backfill request"))
		return
	}
	res, err := a.reconciler.Backfill(r.Context(), reconcile.BackfillOptions{Since: req.Since})
	if err != nil {
		if !errors.Is(err, core.ErrLockHeld) {
			a.log.Error("backfill", zap.Error(err))
		}
		writeReconcilerErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (a *API) Watermark(w http.ResponseWriter, r *http.Request) {
	if !a.reconcilerReady(w) {
		return
	}
	wm, err := a.reconciler.Watermark(r.Context())
	if err != nil {
		a.log.Error("read watermark", zap.Error(err))
		writeReconcilerErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]*time.Time{"watermark": wm})
}
