// Package taskrunner moves deferred audit writes off the request path.
//
// A Task names one store write for one change record. Runners accept tasks
// and hand them to a Handler either in-process (Local) or through Kafka
// (Producer, drained by the worker).
package taskrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

type Kind string

const (
	KindPrimaryAppend Kind = "primary.append"
	KindSecondarySave Kind = "secondary.save"
)

func (k Kind) Valid() bool {
	return k == KindPrimaryAppend || k == KindSecondarySave
}

type Task struct {
	Kind    Kind               `json:"kind"`
	Record  *core.ChangeRecord `json:"record"`
	Attempt int                `json:"attempt,omitempty"`
}

func (t Task) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: unknown task kind %q", core.ErrValidation, t.Kind)
	}
	if t.Record == nil {
		return fmt.Errorf("%w: task without record", core.ErrValidation)
	}
	return nil
}

// Key partitions tasks so that all writes for one event share an ordering.
func (t Task) Key() string {
	if t.Record == nil {
		return ""
	}
	return t.Record.EventID
}

func Encode(t Task) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

func Decode(b []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("%w: decode task: %v", core.ErrTranslation, err)
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

type Handler interface {
	Handle(ctx context.Context, t Task) error
}

type HandlerFunc func(ctx context.Context, t Task) error

func (f HandlerFunc) Handle(ctx context.Context, t Task) error { return f(ctx, t) }

// Acceptor is a Handler whose work completes after a quick accept step.
// Local holds a concurrency slot only for Accept; a nil wait means the
// task is already done.
type Acceptor interface {
	Handler
	Accept(ctx context.Context, t Task) (wait func(context.Context) error, err error)
}

type Runner interface {
	Submit(ctx context.Context, t Task) error
	Close()
}

// Permanent reports whether retrying the task can never succeed.
func Permanent(err error) bool {
	return errors.Is(err, core.ErrValidation) ||
		errors.Is(err, core.ErrTranslation)
}
