package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/store"
)

// LogResponse is a change record rendered for readers. Sensitive fields are
// masked in Changes.
type LogResponse struct {
	ID             int64              `json:"id,omitempty"`
	EventID        string             `json:"event_id"`
	Action         core.Action        `json:"action"`
	ResourceType   *core.ResourceType `json:"resource_type"`
	ObjectID       *int64             `json:"object_id,omitempty"`
	ObjectPK       string             `json:"object_pk"`
	ObjectRepr     string             `json:"object_repr"`
	Actor          *core.Actor        `json:"actor,omitempty"`
	ActorDisplay   string             `json:"actor_display"`
	RemoteAddr     string             `json:"remote_addr,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
	Changes        core.Changes       `json:"changes"`
	Summary        string             `json:"summary,omitempty"`
	Description    string             `json:"description"`
	AdditionalData map[string]any     `json:"additional_data,omitempty"`
}

type ListLogsResponse struct {
	Items      []LogResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func (a *API) render(rec *core.ChangeRecord) LogResponse {
	view := *rec
	view.Changes = core.Redact(rec.Changes, a.redacted)
	return LogResponse{
		ID:             rec.ID,
		EventID:        rec.EventID,
		Action:         rec.Action,
		ResourceType:   rec.ResourceType,
		ObjectID:       rec.ObjectID,
		ObjectPK:       rec.ObjectPK,
		ObjectRepr:     rec.ObjectRepr,
		Actor:          rec.Actor,
		ActorDisplay:   core.DisplayActor(rec.Actor),
		RemoteAddr:     rec.RemoteAddr,
		Timestamp:      rec.Timestamp,
		Changes:        view.Changes,
		Summary:        core.Summary(&view),
		Description:    core.Describe(&view),
		AdditionalData: rec.AdditionalData,
	}
}

func (a *API) renderAll(recs []*core.ChangeRecord) []LogResponse {
	items := make([]LogResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, a.render(rec))
	}
	return items
}

// logQuery holds the query parameters shared by the primary and secondary
// listing endpoints.
type logQuery struct {
	appLabel   string
	model      string
	objectID   *int64
	objectPK   string
	actorID    *int64
	action     *core.Action
	from       *time.Time
	to         *time.Time
	ascending  bool
	limit      int
	cursor     string
	resourceID int64
}

func parseLogQuery(q url.Values) (logQuery, error) {
	lq := logQuery{
		appLabel: q.Get("app_label"),
		model:    q.Get("model"),
		objectPK: q.Get("object_pk"),
		limit:    parseLimit(q.Get("limit"), 20, 100),
		cursor:   q.Get("cursor"),
	}
	var err error
	if lq.objectID, err = parseOptionalInt(q, "object_id"); err != nil {
		return lq, err
	}
	if lq.actorID, err = parseOptionalInt(q, "actor_id"); err != nil {
		return lq, err
	}
	if id, err := parseOptionalInt(q, "resource_type_id"); err != nil {
		return lq, err
	} else if id != nil {
		lq.resourceID = *id
	}
	if s := q.Get("action"); s != "" {
		act, err := core.ParseAction(s)
		if err != nil {
			return lq, fmt.Errorf("%w: %v", core.ErrValidation, err)
		}
		lq.action = &act
	}
	if lq.from, err = parseOptionalTime(q, "from"); err != nil {
		return lq, err
	}
	if lq.to, err = parseOptionalTime(q, "to"); err != nil {
		return lq, err
	}
	switch q.Get("order") {
	case "", "desc":
	case "asc":
		lq.ascending = true
	default:
		return lq, fmt.Errorf("%w: order must be asc or desc", core.ErrValidation)
	}
	return lq, nil
}

func (lq logQuery) filter() store.Filter {
	return store.Filter{
		ResourceTypeID: lq.resourceID,
		AppLabel:       lq.appLabel,
		Model:          lq.model,
		ObjectID:       lq.objectID,
		ObjectPK:       lq.objectPK,
		ActorID:        lq.actorID,
		Action:         lq.action,
		From:           lq.from,
		To:             lq.to,
	}
}

// ListLogs pages through the primary store, newest first by default.
func (a *API) ListLogs(w http.ResponseWriter, r *http.Request) {
	lq, err := parseLogQuery(r.URL.Query())
	if err != nil {
		WriteErr(w, err)
		return
	}
	a.listPrimary(w, r, lq)
}

func (a *API) listPrimary(w http.ResponseWriter, r *http.Request, lq logQuery) {
	page := store.Page{Limit: lq.limit, Ascending: lq.ascending}
	if lq.cursor != "" {
		c, err := decodeCursor(lq.cursor)
		if err != nil {
			WriteError(w, core.NewAppError(core.ErrCodeBadRequest, "invalid cursor"))
			return
		}
		page.After = c
	}
	recs, next, err := a.logs.Query(r.Context(), lq.filter(), page)
	if err != nil {
		a.log.Error("query logs", zap.Error(err))
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ListLogsResponse{
		Items:      a.renderAll(recs),
		NextCursor: encodeCursor(next),
	})
}

func (a *API) GetLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, core.NewAppError(core.ErrCodeBadRequest, "invalid log id"))
		return
	}
	rec, err := a.logs.Get(r.Context(), id)
	if err != nil {
		if core.CodeFor(err) == core.ErrCodeNotFound {
			WriteError(w, core.NewAppError(core.ErrCodeNotFound, "log entry not found"))
			return
		}
		a.log.Error("get log", zap.Int64("id", id), zap.Error(err))
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, a.render(rec))
}

// ResourceHistory lists the change records of one object. It reads the
// secondary store when one is configured, else the primary store.
func (a *API) ResourceHistory(w http.ResponseWriter, r *http.Request) {
	lq, err := parseLogQuery(r.URL.Query())
	if err != nil {
		WriteErr(w, err)
		return
	}
	lq.appLabel = chi.URLParam(r, "app_label")
	lq.model = chi.URLParam(r, "model")
	lq.objectPK = chi.URLParam(r, "pk")
	lq.objectID, lq.resourceID = nil, 0
	if a.search != nil {
		a.listSecondary(w, r, lq)
		return
	}
	a.listPrimary(w, r, lq)
}

func parseLimit(s string, def, max int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func parseOptionalInt(q url.Values, key string) (*int64, error) {
	s := q.Get(key)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", core.ErrValidation, key)
	}
	return &n, nil
}

func parseOptionalTime(q url.Values, key string) (*time.Time, error) {
	s := q.Get(key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC 3339", core.ErrValidation, key)
	}
	return &t, nil
}
