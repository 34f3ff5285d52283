package core

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// Snapshot is a field-name to value view of an entity at one point in time.
// A nil Snapshot means the entity does not exist on that side of the change.
type Snapshot map[string]any

// Relation is the value of a relationship-collection field: the identifiers
// of the related members.
type Relation []string

// AsRelation converts a decoded JSON array (or a string slice) into a Relation.
func AsRelation(v any) (Relation, bool) {
	switch x := v.(type) {
	case Relation:
		return x, true
	case []string:
		return Relation(x), true
	case []any:
		rel := make(Relation, 0, len(x))
		for _, m := range x {
			rel = append(rel, Stringify(m))
		}
		return rel, true
	case nil:
		return Relation{}, true
	}
	return nil, false
}

// Entity is the input of a lifecycle hook.
type Entity struct {
	ResourceType ResourceType
	PK           any
	Repr         string
	Fields       Snapshot
}

type DiffOptions struct {
	// Exclude lists fields that are never tracked.
	Exclude []string
}

func (o DiffOptions) excluded() map[string]struct{} {
	if len(o.Exclude) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(o.Exclude))
	for _, f := range o.Exclude {
		m[f] = struct{}{}
	}
	return m
}

// Diff computes the field-level changes between two snapshots. Values are
// compared by their string form; nil values count as absent. Relation fields
// yield one descriptor per field.
func Diff(old, new Snapshot, opts DiffOptions) Changes {
	excluded := opts.excluded()
	fields := make(map[string]struct{}, len(old)+len(new))
	for f := range old {
		fields[f] = struct{}{}
	}
	for f := range new {
		fields[f] = struct{}{}
	}

	changes := make(Changes)
	for f := range fields {
		if _, skip := excluded[f]; skip {
			continue
		}
		ov, nv := old[f], new[f]
		if c, ok := relationChange(ov, nv); ok {
			if c != nil {
				changes[f] = *c
			}
			continue
		}
		os, ns := stringOrNil(ov), stringOrNil(nv)
		if equalPtr(os, ns) {
			continue
		}
		changes[f] = Scalar(os, ns)
	}
	return changes
}

func relationChange(ov, nv any) (*Change, bool) {
	_, oRel := ov.(Relation)
	_, nRel := nv.(Relation)
	if !oRel && !nRel {
		return nil, false
	}
	oldRel, _ := AsRelation(ov)
	newRel, _ := AsRelation(nv)

	before := make(map[string]struct{}, len(oldRel))
	for _, m := range oldRel {
		before[m] = struct{}{}
	}
	after := make(map[string]struct{}, len(newRel))
	for _, m := range newRel {
		after[m] = struct{}{}
	}

	var added, removed []string
	for m := range after {
		if _, ok := before[m]; !ok {
			added = append(added, m)
		}
	}
	for m := range before {
		if _, ok := after[m]; !ok {
			removed = append(removed, m)
		}
	}

	var c Change
	switch {
	case len(added) == 0 && len(removed) == 0:
		return nil, true
	case len(removed) == 0:
		sort.Strings(added)
		c = NewRelationChange(RelationAdd, added)
	case len(added) == 0:
		sort.Strings(removed)
		c = NewRelationChange(RelationRemove, removed)
	default:
		members := make([]string, 0, len(after))
		for m := range after {
			members = append(members, m)
		}
		sort.Strings(members)
		c = NewRelationChange(RelationSet, members)
	}
	return &c, true
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringOrNil(v any) *string {
	if isAbsent(v) {
		return nil
	}
	s := Stringify(v)
	return &s
}

func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Stringify renders any field value in its canonical string form. It never
// panics.
func Stringify(v any) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = fmt.Sprintf("%v", v)
		}
	}()
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	case error:
		return x.Error()
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return ""
		}
		return Stringify(rv.Elem().Interface())
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}
