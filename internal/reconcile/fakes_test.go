package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/search"
)

type memPrimary struct {
	mu        sync.Mutex
	recs      []*core.ChangeRecord
	nextID    int64
	watermark *time.Time
	valid     *core.ValidIDs
	// failFlush makes the n-th BulkAppend call (1-based) fail.
	failFlush int
	flushes   int
}

func (p *memPrimary) add(recs ...*core.ChangeRecord) {
	for _, r := range recs {
		p.nextID++
		cp := *r
		cp.ID = p.nextID
		p.recs = append(p.recs, &cp)
	}
}

func (p *memPrimary) ListAfterID(_ context.Context, afterID int64, limit int) ([]*core.ChangeRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*core.ChangeRecord
	for _, r := range p.recs {
		if r.ID > afterID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *memPrimary) Latest(context.Context) (*core.ChangeRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var latest *core.ChangeRecord
	for _, r := range p.recs {
		if latest == nil || r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
	}
	return latest, nil
}

func (p *memPrimary) ExistingKeys(_ context.Context, from, to time.Time) (map[core.NaturalKey]struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := map[core.NaturalKey]struct{}{}
	for _, r := range p.recs {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			keys[r.Key()] = struct{}{}
		}
	}
	return keys, nil
}

func (p *memPrimary) BulkAppend(_ context.Context, recs []*core.ChangeRecord) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	if p.failFlush == p.flushes {
		return 0, core.ErrStoreUnavailable
	}
	seen := map[string]bool{}
	for _, r := range p.recs {
		seen[r.EventID] = true
	}
	n := 0
	for _, r := range recs {
		if seen[r.EventID] {
			continue
		}
		seen[r.EventID] = true
		p.add(r)
		n++
	}
	return n, nil
}

func (p *memPrimary) ValidIDs(context.Context) (*core.ValidIDs, error) {
	return p.valid, nil
}

func (p *memPrimary) GetWatermark(context.Context) (time.Time, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watermark == nil {
		return time.Time{}, false, nil
	}
	return *p.watermark, true, nil
}

func (p *memPrimary) CompareAndSetWatermark(_ context.Context, prev *time.Time, next time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case prev == nil && p.watermark != nil,
		prev != nil && (p.watermark == nil || !p.watermark.Equal(*prev)):
		return core.ErrWatermarkConflict
	}
	p.watermark = &next
	return nil
}

func (p *memPrimary) eventIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, r := range p.recs {
		ids = append(ids, r.EventID)
	}
	sort.Strings(ids)
	return ids
}

type memSecondary struct {
	mu   sync.Mutex
	docs map[string]search.Document
}

func newSecondary(recs ...*core.ChangeRecord) *memSecondary {
	s := &memSecondary{docs: map[string]search.Document{}}
	for _, r := range recs {
		doc, err := search.ToDocument(r)
		if err != nil {
			panic(err)
		}
		s.docs[doc.EventID] = doc
	}
	return s
}

func (s *memSecondary) Any(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs) > 0, nil
}

func (s *memSecondary) BulkSave(_ context.Context, recs []*core.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		doc, err := search.ToDocument(r)
		if err != nil {
			return err
		}
		s.docs[doc.EventID] = doc
	}
	return nil
}

func (s *memSecondary) Scan(q search.Query) search.Iterator {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []search.Document
	for _, d := range s.docs {
		if q.Since != nil {
			if d.Timestamp.Before(*q.Since) || (!q.SinceInclusive && d.Timestamp.Equal(*q.Since)) {
				continue
			}
		}
		if q.Until != nil && !d.Timestamp.Before(*q.Until) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].EventID < out[j].EventID
	})
	return &sliceIterator{docs: out, pos: -1}
}

func (s *memSecondary) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

type sliceIterator struct {
	docs []search.Document
	pos  int
}

func (it *sliceIterator) Next(ctx context.Context) bool {
	if ctx.Err() != nil || it.pos+1 >= len(it.docs) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Document() search.Document { return it.docs[it.pos] }
func (it *sliceIterator) Err() error                { return nil }
func (it *sliceIterator) Cursor() string            { return "" }

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) Acquire(_ context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[name] {
		return nil, core.ErrLockHeld
	}
	l.held[name] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
	}, nil
}
