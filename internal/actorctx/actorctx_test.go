package actorctx

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

func TestBind_EnrichAndRelease(t *testing.T) {
	reg := NewRegistry()
	ctx, release, err := reg.Bind(context.Background(), Binding{
		Actor:      &core.Actor{ID: 7, Email: "ada@example.com"},
		RemoteAddr: "10.0.0.1",
	})
	require.NoError(t, err)

	rec := &core.ChangeRecord{}
	reg.Enrich(ctx, rec)
	require.NotNil(t, rec.Actor)
	assert.Equal(t, int64(7), rec.Actor.ID)
	assert.Equal(t, "10.0.0.1", rec.RemoteAddr)

	release()
	release()
	assert.Equal(t, 0, reg.Active())

	after := &core.ChangeRecord{}
	reg.Enrich(ctx, after)
	assert.Nil(t, after.Actor, "released binding must not leak")
	assert.Empty(t, after.RemoteAddr)
}

func TestEnrich_StampsRequestID(t *testing.T) {
	reg := NewRegistry()
	ctx, release, err := reg.Bind(context.Background(), Binding{RequestID: "req-1"})
	require.NoError(t, err)
	defer release()

	rec := &core.ChangeRecord{}
	reg.Enrich(ctx, rec)
	assert.Equal(t, "req-1", rec.AdditionalData[core.KeyRequestID])

	kept := &core.ChangeRecord{AdditionalData: map[string]any{core.KeyRequestID: "upstream"}}
	reg.Enrich(ctx, kept)
	assert.Equal(t, "upstream", kept.AdditionalData[core.KeyRequestID])
}

func TestBind_RejectsNested(t *testing.T) {
	reg := NewRegistry()
	ctx, release, err := reg.Bind(context.Background(), Binding{Actor: &core.Actor{ID: 1}})
	require.NoError(t, err)
	defer release()

	_, _, err = reg.Bind(ctx, Binding{Actor: &core.Actor{ID: 2}})
	assert.ErrorIs(t, err, ErrAlreadyBound)

	b, ok := reg.FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(1), b.Actor.ID, "original binding kept")
}

func TestBind_RebindAfterRelease(t *testing.T) {
	reg := NewRegistry()
	ctx, release, err := reg.Bind(context.Background(), Binding{RemoteAddr: "a"})
	require.NoError(t, err)
	release()

	ctx2, release2, err := reg.Bind(ctx, Binding{RemoteAddr: "b"})
	require.NoError(t, err)
	defer release2()
	b, ok := reg.FromContext(ctx2)
	require.True(t, ok)
	assert.Equal(t, "b", b.RemoteAddr)
}

func TestEnrich_NoBindingIsSystem(t *testing.T) {
	rec := &core.ChangeRecord{}
	NewRegistry().Enrich(context.Background(), rec)
	assert.Nil(t, rec.Actor)
	assert.Equal(t, "system", core.DisplayActor(rec.Actor))
}

func TestEnrich_KeepsExplicitActor(t *testing.T) {
	reg := NewRegistry()
	ctx, release, err := reg.Bind(context.Background(), Binding{Actor: &core.Actor{ID: 2}})
	require.NoError(t, err)
	defer release()

	rec := &core.ChangeRecord{Actor: &core.Actor{ID: 9}}
	reg.Enrich(ctx, rec)
	assert.Equal(t, int64(9), rec.Actor.ID)
}

func TestBind_ConcurrentUnitsAreIsolated(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for i := 1; i <= 64; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			ctx, release, err := reg.Bind(context.Background(), Binding{Actor: &core.Actor{ID: id}})
			if err != nil {
				errs <- err.Error()
				return
			}
			defer release()
			rec := &core.ChangeRecord{}
			reg.Enrich(ctx, rec)
			if rec.Actor == nil || rec.Actor.ID != id {
				errs <- "observed another unit's actor"
			}
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
	assert.Equal(t, 0, reg.Active())
}
