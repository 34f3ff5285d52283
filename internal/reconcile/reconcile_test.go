package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/search"
)

var base = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func change(action core.Action, ts time.Time, pk any, old, new *string) *core.ChangeRecord {
	objectID, objectPK := core.ObjectIdentity(pk)
	return &core.ChangeRecord{
		EventID:      core.NewEventID(),
		Action:       action,
		ResourceType: &core.ResourceType{ID: 7, AppLabel: "auth", Model: "user"},
		ObjectID:     objectID,
		ObjectPK:     objectPK,
		ObjectRepr:   "user " + objectPK,
		Timestamp:    ts,
		Changes:      core.Changes{"name": core.Scalar(old, new)},
	}
}

func series(n int, step time.Duration) []*core.ChangeRecord {
	out := make([]*core.ChangeRecord, n)
	for i := range out {
		out[i] = change(core.ActionUpdate, base.Add(time.Duration(i)*step), i+1, core.StrPtr("a"), core.StrPtr("b"))
	}
	return out
}

func backfiller(p *memPrimary, s *memSecondary, cfg Config) *Backfiller {
	b := NewBackfiller(p, s, &memLocker{}, cfg, zap.NewNop())
	b.now = func() time.Time { return base.Add(48 * time.Hour) }
	return b
}

func at(t time.Time) *time.Time { return &t }

func TestBackfill_CreateUpdateDelete(t *testing.T) {
	created := change(core.ActionCreate, base, 1, nil, core.StrPtr("Alice"))
	updated := change(core.ActionUpdate, base.Add(time.Hour), 1, core.StrPtr("Alice"), core.StrPtr("Alicia"))
	deleted := change(core.ActionDelete, base.Add(2*time.Hour), 1, core.StrPtr("Alicia"), nil)

	p := &memPrimary{watermark: at(base.Add(-time.Hour))}
	s := newSecondary(created, updated, deleted)

	res, err := backfiller(p, s, Config{}).Run(context.Background(), BackfillOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 3, res.Scanned)
	require.Len(t, p.recs, 3)
	require.NotNil(t, p.watermark)
	assert.True(t, p.watermark.Equal(deleted.Timestamp), "watermark %s", p.watermark)
	assert.Equal(t, p.watermark, res.Watermark)

	assert.Equal(t, core.ActionDelete, p.recs[2].Action)
	assert.Equal(t, "Alicia", core.Deref(p.recs[2].Changes["name"].Old))
	assert.Nil(t, p.recs[2].Changes["name"].New)
	assert.EqualValues(t, 1, *p.recs[0].ObjectID)
}

func TestBackfill_EmptySecondaryIsNoop(t *testing.T) {
	p := &memPrimary{}
	res, err := backfiller(p, newSecondary(), Config{}).Run(context.Background(), BackfillOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Nil(t, res.Watermark)
	assert.Nil(t, p.watermark)
}

func TestBackfill_SkipsExistingAndReruns(t *testing.T) {
	recs := series(4, time.Minute)
	p := &memPrimary{}
	p.add(recs[0], recs[1])
	s := newSecondary(recs...)

	res, err := backfiller(p, s, Config{}).Run(context.Background(), BackfillOptions{Since: at(base)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, p.recs, 4)

	res, err = backfiller(p, s, Config{}).Run(context.Background(), BackfillOptions{Since: at(base)})
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Len(t, p.recs, 4)
}

func TestBackfill_DedupesOnObjectPK(t *testing.T) {
	inPrimary := change(core.ActionCreate, base, "sku-1", nil, core.StrPtr("x"))
	// Same event under another id, as written by the other store.
	inSecondary := *inPrimary
	inSecondary.EventID = core.NewEventID()
	require.Nil(t, inSecondary.ObjectID)

	p := &memPrimary{}
	p.add(inPrimary)
	res, err := backfiller(p, newSecondary(&inSecondary), Config{}).Run(context.Background(), BackfillOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Created)
	assert.Len(t, p.recs, 1)
}

func TestBackfill_ResumesAfterCrash(t *testing.T) {
	recs := series(5, time.Minute)
	start := at(base.Add(-time.Minute))

	clean := &memPrimary{watermark: start}
	_, err := backfiller(clean, newSecondary(recs...), Config{FlushEvery: 2}).Run(context.Background(), BackfillOptions{})
	require.NoError(t, err)

	p := &memPrimary{watermark: start, failFlush: 2}
	s := newSecondary(recs...)
	_, err = backfiller(p, s, Config{FlushEvery: 2}).Run(context.Background(), BackfillOptions{})
	require.ErrorIs(t, err, core.ErrStoreUnavailable)
	require.Len(t, p.recs, 2)
	// Only timestamps whose records were all flushed are covered.
	assert.True(t, p.watermark.Equal(recs[0].Timestamp), "watermark %s", p.watermark)

	p.failFlush = 0
	res, err := backfiller(p, s, Config{FlushEvery: 2}).Run(context.Background(), BackfillOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, clean.eventIDs(), p.eventIDs())
	assert.True(t, p.watermark.Equal(recs[4].Timestamp))
	assert.True(t, clean.watermark.Equal(*p.watermark))
}

func TestBackfill_SharedTimestampHoldsWatermark(t *testing.T) {
	recs := series(3, 0)
	p := &memPrimary{watermark: at(base.Add(-time.Minute)), failFlush: 2}
	s := newSecondary(recs...)

	_, err := backfiller(p, s, Config{FlushEvery: 2}).Run(context.Background(), BackfillOptions{})
	require.Error(t, err)
	assert.True(t, p.watermark.Equal(base.Add(-time.Minute)), "watermark must not pass a partly flushed timestamp")
}

func TestBackfill_SafetyMargin(t *testing.T) {
	now := base.Add(48 * time.Hour)
	settled := change(core.ActionCreate, now.Add(-time.Minute), 1, nil, core.StrPtr("a"))
	fresh := change(core.ActionCreate, now.Add(-10*time.Second), 2, nil, core.StrPtr("b"))

	p := &memPrimary{watermark: at(base)}
	res, err := backfiller(p, newSecondary(settled, fresh), Config{SafetyMargin: 30 * time.Second}).
		Run(context.Background(), BackfillOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, settled.EventID, p.recs[0].EventID)
}

func TestBackfill_WalksEmptyMonths(t *testing.T) {
	jan := change(core.ActionCreate, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), 1, nil, core.StrPtr("a"))
	mar := change(core.ActionCreate, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 2, nil, core.StrPtr("b"))

	p := &memPrimary{watermark: at(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))}
	res, err := backfiller(p, newSecondary(jan, mar), Config{}).Run(context.Background(), BackfillOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 3, res.Windows)
	assert.True(t, p.watermark.Equal(mar.Timestamp))
}

func TestBackfill_BootstrapsFromPrimaryLatest(t *testing.T) {
	recs := series(3, time.Hour)
	p := &memPrimary{}
	p.add(recs[1])
	res, err := backfiller(p, newSecondary(recs...), Config{}).Run(context.Background(), BackfillOptions{})
	require.NoError(t, err)
	// recs[0] predates the primary's newest record and is not rescanned.
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, p.recs, 2)
}

func TestBackfill_BootstrapsFromHorizon(t *testing.T) {
	old := change(core.ActionCreate, time.Date(2001, 6, 1, 0, 0, 0, 0, time.UTC), 1, nil, core.StrPtr("a"))
	p := &memPrimary{}
	res, err := backfiller(p, newSecondary(old), Config{}).Run(context.Background(), BackfillOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.True(t, p.watermark.Equal(old.Timestamp))
}

func TestBackfill_DanglingReferences(t *testing.T) {
	rec := change(core.ActionCreate, base, 1, nil, core.StrPtr("a"))
	rec.Actor = &core.Actor{ID: 41, Email: "gone@example.com"}

	p := &memPrimary{
		watermark: at(base.Add(-time.Minute)),
		valid: &core.ValidIDs{
			Actors:        map[int64]struct{}{},
			ResourceTypes: map[int64]struct{}{7: {}},
		},
	}
	res, err := backfiller(p, newSecondary(rec), Config{}).Run(context.Background(), BackfillOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dangling)
	require.Len(t, p.recs, 1)
	got := p.recs[0]
	assert.Nil(t, got.Actor)
	assert.Equal(t, "41", got.AdditionalData[core.KeyActorID])
	assert.Equal(t, "gone@example.com", got.AdditionalData[core.KeyActorEmail])
	require.NotNil(t, got.ResourceType)
}

func TestBackfill_DanglingSurvivesMigrate(t *testing.T) {
	rec := change(core.ActionCreate, base, 1, nil, core.StrPtr("a"))
	rec.Actor = &core.Actor{ID: 41, Email: "gone@example.com", FirstName: "Gone"}
	src := newSecondary(rec)
	want := src.docs[rec.EventID]

	p := &memPrimary{
		watermark: at(base.Add(-time.Minute)),
		valid:     &core.ValidIDs{Actors: map[int64]struct{}{}, ResourceTypes: map[int64]struct{}{}},
	}
	_, err := backfiller(p, src, Config{}).Run(context.Background(), BackfillOptions{})
	require.NoError(t, err)

	dst := newSecondary()
	_, err = NewMigrator(p, dst, Config{}, zap.NewNop()).Run(context.Background(), MigrateOptions{})
	require.NoError(t, err)
	got := dst.docs[rec.EventID]
	require.NotNil(t, got.ActorID)
	assert.Equal(t, "41", *got.ActorID)
	assert.Equal(t, want.ActorEmail, got.ActorEmail)
	assert.Equal(t, want.ActorFirstName, got.ActorFirstName)
	assert.Equal(t, want.ContentTypeID, got.ContentTypeID)
	assert.Equal(t, want.ContentTypeModel, got.ContentTypeModel)
}

func TestBackfill_NonUUIDEventID(t *testing.T) {
	rec := change(core.ActionCreate, base, 1, nil, core.StrPtr("a"))
	s := newSecondary(rec)
	doc := s.docs[rec.EventID]
	delete(s.docs, rec.EventID)
	doc.EventID = "legacy-1"
	s.docs[doc.EventID] = doc

	p := &memPrimary{watermark: at(base.Add(-time.Minute))}
	res, err := backfiller(p, s, Config{}).Run(context.Background(), BackfillOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	require.Len(t, p.recs, 1)
	assert.NotEqual(t, "legacy-1", p.recs[0].EventID)
	assert.Equal(t, "legacy-1", p.recs[0].AdditionalData[core.KeySourceEventID])
}

func TestBackfill_UnknownActionAborts(t *testing.T) {
	rec := change(core.ActionCreate, base, 1, nil, core.StrPtr("a"))
	s := newSecondary(rec)
	doc := s.docs[rec.EventID]
	doc.Action = "archive"
	s.docs[rec.EventID] = doc

	p := &memPrimary{watermark: at(base.Add(-time.Minute))}
	_, err := backfiller(p, s, Config{}).Run(context.Background(), BackfillOptions{})
	require.ErrorIs(t, err, core.ErrTranslation)
	assert.Empty(t, p.recs)
	assert.True(t, p.watermark.Equal(base.Add(-time.Minute)))
}

func TestBackfill_LockHeld(t *testing.T) {
	locker := &memLocker{}
	release, err := locker.Acquire(context.Background(), "auditlog:backfill")
	require.NoError(t, err)
	defer release()

	b := NewBackfiller(&memPrimary{}, newSecondary(series(1, 0)...), locker, Config{}, zap.NewNop())
	_, err = b.Run(context.Background(), BackfillOptions{})
	assert.ErrorIs(t, err, core.ErrLockHeld)
}

func TestMigrate_ChunksAndIsIdempotent(t *testing.T) {
	p := &memPrimary{}
	p.add(series(25, time.Second)...)
	s := newSecondary()
	m := NewMigrator(p, s, Config{ChunkSize: 10}, zap.NewNop())

	res, err := m.Run(context.Background(), MigrateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 25, res.Copied)
	assert.Equal(t, 3, res.Chunks)
	assert.EqualValues(t, 25, res.LastID)
	assert.Equal(t, 25, s.count())

	_, err = m.Run(context.Background(), MigrateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 25, s.count())
}

func TestMigrate_ResumesAfterID(t *testing.T) {
	p := &memPrimary{}
	p.add(series(5, time.Second)...)
	s := newSecondary()

	res, err := NewMigrator(p, s, Config{ChunkSize: 2}, zap.NewNop()).Run(context.Background(), MigrateOptions{AfterID: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Copied)
	assert.Equal(t, 2, s.count())
}

func TestMigrate_StopsOnCancel(t *testing.T) {
	p := &memPrimary{}
	p.add(series(3, time.Second)...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMigrator(p, newSecondary(), Config{}, zap.NewNop()).Run(ctx, MigrateOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMonthEnd(t *testing.T) {
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), monthEnd(time.Date(2024, 12, 31, 23, 59, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), monthEnd(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))
}

var _ Secondary = (*memSecondary)(nil)
var _ search.Iterator = (*sliceIterator)(nil)
