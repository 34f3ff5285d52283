package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/search"
)

func (lq logQuery) searchQuery() search.Query {
	q := search.Query{
		AppLabel:       lq.appLabel,
		Model:          lq.model,
		ObjectID:       lq.objectID,
		ObjectPK:       lq.objectPK,
		ActorID:        lq.actorID,
		Action:         lq.action,
		Since:          lq.from,
		SinceInclusive: true,
		Until:          lq.to,
		Descending:     !lq.ascending,
		PageSize:       lq.limit,
		Cursor:         lq.cursor,
	}
	if lq.resourceID != 0 {
		q.ContentTypeID = strconv.FormatInt(lq.resourceID, 10)
	}
	return q
}

// SearchLogs pages through the secondary store.
func (a *API) SearchLogs(w http.ResponseWriter, r *http.Request) {
	if a.search == nil {
		WriteError(w, core.NewAppError(core.ErrCodeStoreUnavailable, "secondary store not configured"))
		return
	}
	lq, err := parseLogQuery(r.URL.Query())
	if err != nil {
		WriteErr(w, err)
		return
	}
	a.listSecondary(w, r, lq)
}

func (a *API) listSecondary(w http.ResponseWriter, r *http.Request, lq logQuery) {
	it := a.search.Scan(lq.searchQuery())
	recs := make([]*core.ChangeRecord, 0, lq.limit)
	for len(recs) < lq.limit && it.Next(r.Context()) {
		rec, _, err := search.ToRecord(it.Document(), nil)
		if err != nil {
			a.log.Warn("skip untranslatable document", zap.String("event_id", it.Document().EventID), zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	if err := it.Err(); err != nil {
		if core.CodeFor(err) != core.ErrCodeBadRequest {
			a.log.Error("search logs", zap.Error(err))
		}
		WriteErr(w, err)
		return
	}
	resp := ListLogsResponse{Items: a.renderAll(recs)}
	if len(recs) == lq.limit {
		resp.NextCursor = it.Cursor()
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (a *API) GetSearchLog(w http.ResponseWriter, r *http.Request) {
	if a.search == nil {
		WriteError(w, core.NewAppError(core.ErrCodeStoreUnavailable, "secondary store not configured"))
		return
	}
	eventID := chi.URLParam(r, "event_id")
	rec, err := a.search.Get(r.Context(), eventID)
	if err != nil {
		if core.CodeFor(err) == core.ErrCodeNotFound {
			WriteError(w, core.NewAppError(core.ErrCodeNotFound, "document not found"))
			return
		}
		a.log.Error("get document", zap.String("event_id", eventID), zap.Error(err))
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, a.render(rec))
}
