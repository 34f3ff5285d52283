// Package recorder turns entity lifecycle hooks into change records.
package recorder

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/actorctx"
	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/observability"
)

type ResourceResolver interface {
	ResolveResourceType(ctx context.Context, appLabel, model string) (core.ResourceType, error)
}

type Recorder struct {
	resolver   ResourceResolver
	dispatcher Dispatcher
	binder     *actorctx.Registry
	exclude    map[string][]string
	log        *zap.Logger
}

type Option func(*Recorder)

// WithRegistry reads actor bindings from r instead of actorctx.Default.
func WithRegistry(r *actorctx.Registry) Option {
	return func(rc *Recorder) { rc.binder = r }
}

// WithExclude sets the untracked fields per "app_label.model".
func WithExclude(exclude map[string][]string) Option {
	return func(rc *Recorder) { rc.exclude = exclude }
}

func New(resolver ResourceResolver, dispatcher Dispatcher, log *zap.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		resolver:   resolver,
		dispatcher: dispatcher,
		binder:     actorctx.Default,
		log:        log,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recorder) OnCreate(ctx context.Context, new core.Entity) (*core.ChangeRecord, error) {
	return r.record(ctx, core.ActionCreate, nil, &new)
}

// OnUpdate returns a nil record when no tracked field changed.
func (r *Recorder) OnUpdate(ctx context.Context, old, new core.Entity) (*core.ChangeRecord, error) {
	return r.record(ctx, core.ActionUpdate, &old, &new)
}

func (r *Recorder) OnDelete(ctx context.Context, old core.Entity) (*core.ChangeRecord, error) {
	return r.record(ctx, core.ActionDelete, &old, nil)
}

func (r *Recorder) record(ctx context.Context, action core.Action, old, new *core.Entity) (*core.ChangeRecord, error) {
	subject := new
	if subject == nil {
		subject = old
	}
	var oldFields, newFields core.Snapshot
	if old != nil {
		oldFields = old.Fields
	}
	if new != nil {
		newFields = new.Fields
	}

	changes := core.Diff(oldFields, newFields, core.DiffOptions{
		Exclude: r.exclude[subject.ResourceType.String()],
	})
	if action == core.ActionUpdate && len(changes) == 0 {
		return nil, nil
	}

	rt, err := r.resolve(ctx, subject.ResourceType)
	if err != nil {
		return nil, err
	}
	objectID, objectPK := core.ObjectIdentity(subject.PK)
	repr := subject.Repr
	if repr == "" {
		repr = objectPK
	}

	rec := &core.ChangeRecord{
		EventID:      core.NewEventID(),
		Action:       action,
		ResourceType: &rt,
		ObjectID:     objectID,
		ObjectPK:     objectPK,
		ObjectRepr:   repr,
		Timestamp:    core.Now(),
		Changes:      changes,
	}
	r.binder.Enrich(ctx, rec)
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := r.dispatcher.Dispatch(ctx, rec); err != nil {
		observability.RecordLogger(r.log, rec.EventID, rt.String(), objectPK).
			Error("dispatch change record", zap.Error(err))
		return nil, err
	}
	observability.RecordsTotal.WithLabelValues(action.Name()).Inc()
	return rec, nil
}

func (r *Recorder) resolve(ctx context.Context, rt core.ResourceType) (core.ResourceType, error) {
	if rt.ID != 0 {
		return rt, nil
	}
	if rt.AppLabel == "" || rt.Model == "" {
		return core.ResourceType{}, fmt.Errorf("%w: resource type needs app_label and model", core.ErrValidation)
	}
	return r.resolver.ResolveResourceType(ctx, rt.AppLabel, rt.Model)
}

// ParseExclude reads "app.model:field|field" entries separated by ";".
func ParseExclude(s string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, fields, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("%w: exclude entry %q, want app.model:field|field", core.ErrValidation, entry)
		}
		rt, err := core.ParseResourceType(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		for _, f := range strings.Split(fields, "|") {
			if f = strings.TrimSpace(f); f != "" {
				out[rt.String()] = append(out[rt.String()], f)
			}
		}
	}
	return out, nil
}
