package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/actorctx"
	"github.com/lzjever/mbos-auditlog/internal/api/middleware"
	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/reconcile"
	"github.com/lzjever/mbos-auditlog/internal/recorder"
	"github.com/lzjever/mbos-auditlog/internal/search"
	"github.com/lzjever/mbos-auditlog/internal/store"
)

type memLogs struct {
	recs    []*core.ChangeRecord
	next    *store.Cursor
	filter  store.Filter
	page    store.Page
	actors  map[int64]core.Actor
	pingErr error
}

func (m *memLogs) Query(_ context.Context, f store.Filter, p store.Page) ([]*core.ChangeRecord, *store.Cursor, error) {
	m.filter, m.page = f, p
	return m.recs, m.next, nil
}

func (m *memLogs) Get(_ context.Context, id int64) (*core.ChangeRecord, error) {
	for _, r := range m.recs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("get log entry %d: %w", id, core.ErrNotFound)
}

func (m *memLogs) UpsertActor(_ context.Context, a core.Actor) error {
	if m.actors == nil {
		m.actors = map[int64]core.Actor{}
	}
	m.actors[a.ID] = a
	return nil
}

func (m *memLogs) DeleteActor(_ context.Context, id int64) error {
	if _, ok := m.actors[id]; !ok {
		return core.ErrNotFound
	}
	delete(m.actors, id)
	return nil
}

func (m *memLogs) Ping(context.Context) error { return m.pingErr }

type captureDispatcher struct{ recs []*core.ChangeRecord }

func (d *captureDispatcher) Dispatch(_ context.Context, rec *core.ChangeRecord) error {
	d.recs = append(d.recs, rec)
	return nil
}

type staticResolver struct{}

func (staticResolver) ResolveResourceType(_ context.Context, app, model string) (core.ResourceType, error) {
	return core.ResourceType{ID: 3, AppLabel: app, Model: model}, nil
}

type docIterator struct {
	docs []search.Document
	pos  int
}

func (it *docIterator) Next(context.Context) bool {
	if it.pos >= len(it.docs) {
		return false
	}
	it.pos++
	return true
}

func (it *docIterator) Document() search.Document { return it.docs[it.pos-1] }
func (it *docIterator) Err() error                { return nil }
func (it *docIterator) Cursor() string {
	if it.pos == 0 {
		return ""
	}
	d := it.docs[it.pos-1]
	return search.EncodeCursor(d.Timestamp, d.EventID)
}

type memSearch struct {
	docs  []search.Document
	query search.Query
}

func (s *memSearch) Scan(q search.Query) search.Iterator {
	s.query = q
	return &docIterator{docs: s.docs}
}

func (s *memSearch) Get(_ context.Context, eventID string) (*core.ChangeRecord, error) {
	for _, d := range s.docs {
		if d.EventID == eventID {
			rec, _, err := search.ToRecord(d, nil)
			return rec, err
		}
	}
	return nil, core.ErrNotFound
}

type fakeReconciler struct {
	err       error
	since     *time.Time
	watermark *time.Time
}

func (f *fakeReconciler) Migrate(_ context.Context, opts reconcile.MigrateOptions) (reconcile.MigrateResult, error) {
	return reconcile.MigrateResult{Copied: 2, Chunks: 1, LastID: opts.AfterID + 2}, f.err
}

func (f *fakeReconciler) Backfill(_ context.Context, opts reconcile.BackfillOptions) (reconcile.BackfillResult, error) {
	f.since = opts.Since
	return reconcile.BackfillResult{Created: 1}, f.err
}

func (f *fakeReconciler) Watermark(context.Context) (*time.Time, error) {
	return f.watermark, f.err
}

type fixture struct {
	logs     *memLogs
	captured *captureDispatcher
	router   chi.Router
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := actorctx.NewRegistry()
	f := &fixture{logs: &memLogs{}, captured: &captureDispatcher{}}
	rec := recorder.New(staticResolver{}, f.captured, zap.NewNop(), recorder.WithRegistry(reg))
	opts = append([]Option{WithActorRegistry(reg)}, opts...)
	f.router = NewAPI(f.logs, rec, zap.NewNop(), opts...).Router()
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func alice(id int64, action core.Action, changes core.Changes) *core.ChangeRecord {
	return &core.ChangeRecord{
		ID:           id,
		EventID:      fmt.Sprintf("evt-%d", id),
		Action:       action,
		ResourceType: &core.ResourceType{ID: 3, AppLabel: "auth", Model: "user"},
		ObjectPK:     "7",
		ObjectRepr:   "Alice",
		Timestamp:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Second),
		Changes:      changes,
	}
}

func TestHealthHandler(t *testing.T) {
	f := newFixture(t)
	w := f.do("GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestReadyHandler_DBDown(t *testing.T) {
	f := newFixture(t)
	f.logs.pingErr = core.ErrStoreUnavailable
	assert.Equal(t, http.StatusServiceUnavailable, f.do("GET", "/readyz", "").Code)

	f.logs.pingErr = nil
	assert.Equal(t, http.StatusOK, f.do("GET", "/readyz", "").Code)
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, core.NewAppError(core.ErrCodeBadRequest, "test error"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "AUDIT_BAD_REQUEST", resp.Code)
	assert.Equal(t, "test error", resp.Message)
}

func TestWriteErr_HidesInternalMessage(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErr(w, errors.New("pq: secret detail"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "AUDIT_INTERNAL", resp.Code)
	assert.NotContains(t, resp.Message, "secret")
}

func TestRecordChange_CreateBindsActor(t *testing.T) {
	f := newFixture(t)
	w := f.do("POST", "/v1/changes",
		`{"action":"create","resource_type":{"app_label":"auth","model":"user"},"pk":7,"repr":"Alice","new":{"name":"Alice","age":30}}`,
		middleware.ActorIDHeader, "42",
		middleware.ActorEmailHeader, "ops@example.com",
		middleware.ForwardedForHeader, "203.0.113.9, 10.0.0.1",
	)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decodeBody[map[string]any](t, w)
	assert.Equal(t, true, resp["logged"])
	assert.NotEmpty(t, resp["event_id"])

	require.Len(t, f.captured.recs, 1)
	rec := f.captured.recs[0]
	assert.Equal(t, core.ActionCreate, rec.Action)
	require.NotNil(t, rec.ObjectID)
	assert.Equal(t, int64(7), *rec.ObjectID)
	assert.Equal(t, "Alice", rec.ObjectRepr)
	require.NotNil(t, rec.Actor)
	assert.Equal(t, int64(42), rec.Actor.ID)
	assert.Equal(t, "ops@example.com", rec.Actor.Email)
	assert.Equal(t, "203.0.113.9", rec.RemoteAddr)
	assert.Equal(t, "30", core.Deref(rec.Changes["age"].New))
	assert.Nil(t, rec.Changes["age"].Old)
}

func TestRecordChange_CarriesRequestID(t *testing.T) {
	f := newFixture(t)
	body := `{"action":"create","resource_type":{"app_label":"auth","model":"user"},"pk":7,"new":{"name":"Alice"}}`

	w := f.do("POST", "/v1/changes", body, middleware.RequestIDHeader, "trace-abc")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "trace-abc", w.Header().Get(middleware.RequestIDHeader))
	require.Len(t, f.captured.recs, 1)
	assert.Equal(t, "trace-abc", f.captured.recs[0].AdditionalData[core.KeyRequestID])

	w = f.do("POST", "/v1/changes", body, middleware.RequestIDHeader, "bad id")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	generated := w.Header().Get(middleware.RequestIDHeader)
	assert.NotEqual(t, "bad id", generated)
	assert.NotEmpty(t, generated)
	require.Len(t, f.captured.recs, 2)
	assert.Equal(t, generated, f.captured.recs[1].AdditionalData[core.KeyRequestID])
}

func TestRecordChange_WithoutActorIsSystem(t *testing.T) {
	f := newFixture(t)
	w := f.do("POST", "/v1/changes",
		`{"action":"delete","resource_type":{"app_label":"auth","model":"user"},"pk":"a-b","old":{"name":"Alice"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, f.captured.recs, 1)
	assert.Nil(t, f.captured.recs[0].Actor)
	assert.Nil(t, f.captured.recs[0].ObjectID)
	assert.Equal(t, "a-b", f.captured.recs[0].ObjectPK)
}

func TestRecordChange_UnchangedUpdate(t *testing.T) {
	f := newFixture(t)
	w := f.do("POST", "/v1/changes",
		`{"action":"update","resource_type":{"app_label":"auth","model":"user"},"pk":7,"old":{"name":"Alice"},"new":{"name":"Alice"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody[map[string]any](t, w)["logged"])
	assert.Empty(t, f.captured.recs)
}

func TestRecordChange_RelationFields(t *testing.T) {
	f := newFixture(t)
	w := f.do("POST", "/v1/changes",
		`{"action":"update","resource_type":{"app_label":"auth","model":"user"},"pk":7,"relations":["groups"],`+
			`"old":{"name":"Alice","groups":[1,2]},"new":{"name":"Alice","groups":[1,2,3]}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, f.captured.recs, 1)

	c := f.captured.recs[0].Changes["groups"]
	require.NotNil(t, c.Relation)
	assert.Equal(t, core.RelationAdd, c.Relation.Operation)
	assert.Equal(t, []string{"3"}, c.Relation.Objects)
	assert.NotContains(t, f.captured.recs[0].Changes, "name")

	w = f.do("POST", "/v1/changes",
		`{"action":"update","resource_type":{"app_label":"auth","model":"user"},"pk":7,"relations":["groups"],`+
			`"old":{"groups":"admins"},"new":{"groups":[1]}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordChange_Rejects(t *testing.T) {
	cases := map[string]string{
		"bad json":        `{"action":`,
		"missing action":  `{"resource_type":{"app_label":"auth","model":"user"},"pk":7,"new":{}}`,
		"unknown action":  `{"action":"merge","resource_type":{"app_label":"auth","model":"user"},"pk":7}`,
		"missing pk":      `{"action":"create","resource_type":{"app_label":"auth","model":"user"},"new":{}}`,
		"missing type":    `{"action":"create","resource_type":{"app_label":"auth"},"pk":7,"new":{}}`,
		"update sans old": `{"action":"update","resource_type":{"app_label":"auth","model":"user"},"pk":7,"new":{}}`,
		"delete sans old": `{"action":"delete","resource_type":{"app_label":"auth","model":"user"},"pk":7}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do("POST", "/v1/changes", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "AUDIT_BAD_REQUEST", decodeBody[ErrorResponse](t, w).Code)
			assert.Empty(t, f.captured.recs)
		})
	}
}

func TestListLogs_RendersAndPaginates(t *testing.T) {
	f := newFixture(t)
	f.logs.recs = []*core.ChangeRecord{
		alice(2, core.ActionUpdate, core.Changes{
			"name":     core.Scalar(core.StrPtr("Alice"), core.StrPtr("Alicia")),
			"password": core.Scalar(core.StrPtr("old"), core.StrPtr("new")),
		}),
	}
	next := &store.Cursor{Timestamp: f.logs.recs[0].Timestamp, ID: 2}
	f.logs.next = next

	w := f.do("GET", "/v1/logs?app_label=auth&model=user&action=update&actor_id=42&limit=500&order=asc", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[ListLogsResponse](t, w)
	require.Len(t, resp.Items, 1)
	item := resp.Items[0]
	assert.Equal(t, "***", core.Deref(item.Changes["password"].New))
	assert.Equal(t, "Alicia", core.Deref(item.Changes["name"].New))
	assert.Equal(t, "2 changes: name, password", item.Summary)
	assert.Equal(t, "Updated Alice", item.Description)
	assert.Equal(t, "system", item.ActorDisplay)

	assert.Equal(t, "auth", f.logs.filter.AppLabel)
	require.NotNil(t, f.logs.filter.Action)
	assert.Equal(t, core.ActionUpdate, *f.logs.filter.Action)
	require.NotNil(t, f.logs.filter.ActorID)
	assert.Equal(t, int64(42), *f.logs.filter.ActorID)
	assert.Equal(t, 100, f.logs.page.Limit)
	assert.True(t, f.logs.page.Ascending)

	got, err := decodeCursor(resp.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ID)
	assert.True(t, got.Timestamp.Equal(next.Timestamp))

	f.do("GET", "/v1/logs?cursor="+resp.NextCursor, "")
	require.NotNil(t, f.logs.page.After)
	assert.Equal(t, int64(2), f.logs.page.After.ID)
}

func TestListLogs_BadParams(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{"action=merge", "object_id=x", "from=yesterday", "order=up", "cursor=%21%21"} {
		w := f.do("GET", "/v1/logs?"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestGetLog(t *testing.T) {
	f := newFixture(t)
	f.logs.recs = []*core.ChangeRecord{alice(1, core.ActionCreate, core.Changes{"name": core.Scalar(nil, core.StrPtr("Alice"))})}

	w := f.do("GET", "/v1/logs/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Created Alice", decodeBody[LogResponse](t, w).Description)

	w = f.do("GET", "/v1/logs/99", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "AUDIT_NOT_FOUND", decodeBody[ErrorResponse](t, w).Code)

	assert.Equal(t, http.StatusBadRequest, f.do("GET", "/v1/logs/abc", "").Code)
}

func TestSearch_NotConfigured(t *testing.T) {
	f := newFixture(t)
	w := f.do("GET", "/v1/search/logs", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "AUDIT_STORE_UNAVAILABLE", decodeBody[ErrorResponse](t, w).Code)
}

func TestResourceHistory_ReadsSecondary(t *testing.T) {
	var docs []search.Document
	for i := int64(1); i <= 3; i++ {
		doc, err := search.ToDocument(alice(i, core.ActionUpdate, core.Changes{"name": core.Scalar(core.StrPtr("a"), core.StrPtr("b"))}))
		require.NoError(t, err)
		docs = append(docs, doc)
	}
	s := &memSearch{docs: docs}
	f := newFixture(t, WithSearch(s))

	w := f.do("GET", "/v1/resources/auth/user/7/history?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[ListLogsResponse](t, w)
	assert.Len(t, resp.Items, 2)
	assert.NotEmpty(t, resp.NextCursor)

	assert.Equal(t, "auth", s.query.AppLabel)
	assert.Equal(t, "user", s.query.Model)
	assert.Equal(t, "7", s.query.ObjectPK)
	assert.True(t, s.query.Descending)

	w = f.do("GET", "/v1/search/logs/evt-3", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "evt-3", decodeBody[LogResponse](t, w).EventID)
	assert.Equal(t, http.StatusNotFound, f.do("GET", "/v1/search/logs/nope", "").Code)
}

func TestResourceHistory_FallsBackToPrimary(t *testing.T) {
	f := newFixture(t)
	f.logs.recs = []*core.ChangeRecord{alice(1, core.ActionCreate, nil)}
	w := f.do("GET", "/v1/resources/auth/user/7/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "7", f.logs.filter.ObjectPK)
	assert.Equal(t, "user", f.logs.filter.Model)
}

func TestActors(t *testing.T) {
	f := newFixture(t)
	w := f.do("PUT", "/v1/actors/42", `{"email":"a@example.com","first_name":"Alice"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Alice", f.logs.actors[42].FirstName)

	assert.Equal(t, http.StatusNoContent, f.do("DELETE", "/v1/actors/42", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do("DELETE", "/v1/actors/42", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do("PUT", "/v1/actors/zero", `{}`).Code)
}

func TestReconcile_NotConfigured(t *testing.T) {
	f := newFixture(t)
	w := f.do("POST", "/v1/reconcile/backfill", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "AUDIT_RECONCILER_ERROR", decodeBody[ErrorResponse](t, w).Code)
}

func TestReconcile_Forwards(t *testing.T) {
	wm := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rc := &fakeReconciler{watermark: &wm}
	f := newFixture(t, WithReconciler(rc))

	w := f.do("POST", "/v1/reconcile/migrate", `{"after_id":10}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(12), decodeBody[reconcile.MigrateResult](t, w).LastID)

	w = f.do("POST", "/v1/reconcile/backfill", `{"since":"2024-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, rc.since)
	assert.Equal(t, 2024, rc.since.Year())

	w = f.do("POST", "/v1/reconcile/backfill", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, rc.since)

	w = f.do("GET", "/v1/reconcile/watermark", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[map[string]*time.Time](t, w)["watermark"]
	require.NotNil(t, got)
	assert.True(t, got.Equal(wm))
}

func TestReconcile_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: run abc", core.ErrLockHeld), http.StatusConflict, "AUDIT_CONFLICT_LOCKED"},
		{fmt.Errorf("%w: job", context.DeadlineExceeded), http.StatusGatewayTimeout, "AUDIT_RECONCILER_TIMEOUT"},
		{fmt.Errorf("%w: action 9", core.ErrTranslation), http.StatusUnprocessableEntity, "AUDIT_TRANSLATION"},
		{errors.New("boom"), http.StatusBadGateway, "AUDIT_RECONCILER_ERROR"},
	}
	for _, tc := range cases {
		f := newFixture(t, WithReconciler(&fakeReconciler{err: tc.err}))
		w := f.do("POST", "/v1/reconcile/backfill", "")
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		assert.Equal(t, tc.code, decodeBody[ErrorResponse](t, w).Code)
	}
}

func TestClientAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "198.51.100.4:5555"
	assert.Equal(t, "198.51.100.4", middleware.ClientAddr(r))

	r.Header.Set(middleware.ForwardedForHeader, " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", middleware.ClientAddr(r))
}
