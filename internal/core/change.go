package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

type RelationOp string

const (
	RelationAdd    RelationOp = "add"
	RelationRemove RelationOp = "remove"
	RelationSet    RelationOp = "set"
)

const relationType = "m2m"

// RelationChange describes a change to a relationship collection as a single
// operation over the affected members.
type RelationChange struct {
	Operation RelationOp `json:"operation"`
	Objects   []string   `json:"objects"`
}

// Change is one field entry of a change record: either a scalar [old, new]
// pair (nil meaning absent) or a relation descriptor.
type Change struct {
	Old      *string
	New      *string
	Relation *RelationChange
}

// Scalar builds a [old, new] change.
func Scalar(old, new *string) Change {
	return Change{Old: old, New: new}
}

func NewRelationChange(op RelationOp, objects []string) Change {
	return Change{Relation: &RelationChange{Operation: op, Objects: objects}}
}

func (c Change) IsRelation() bool { return c.Relation != nil }

type relationJSON struct {
	Type      string     `json:"type"`
	Operation RelationOp `json:"operation"`
	Objects   []string   `json:"objects"`
}

func (c Change) MarshalJSON() ([]byte, error) {
	if c.Relation != nil {
		objects := c.Relation.Objects
		if objects == nil {
			objects = []string{}
		}
		return json.Marshal(relationJSON{Type: relationType, Operation: c.Relation.Operation, Objects: objects})
	}
	return json.Marshal([2]*string{c.Old, c.New})
}

func (c *Change) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty change", ErrValidation)
	}
	switch data[0] {
	case '[':
		var pair []json.RawMessage
		if err := json.Unmarshal(data, &pair); err != nil {
			return fmt.Errorf("%w: change pair: %v", ErrValidation, err)
		}
		if len(pair) != 2 {
			return fmt.Errorf("%w: change pair has %d elements", ErrValidation, len(pair))
		}
		*c = Change{Old: rawToString(pair[0]), New: rawToString(pair[1])}
		return nil
	case '{':
		var rel relationJSON
		if err := json.Unmarshal(data, &rel); err != nil {
			return fmt.Errorf("%w: relation change: %v", ErrValidation, err)
		}
		if rel.Type != relationType {
			return fmt.Errorf("%w: unknown change type %q", ErrValidation, rel.Type)
		}
		*c = NewRelationChange(rel.Operation, rel.Objects)
		return nil
	default:
		return fmt.Errorf("%w: change must be a pair or an object", ErrValidation)
	}
}

// rawToString keeps strings as-is and renders any other non-null JSON value
// as its compact text.
func rawToString(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		s = string(raw)
		return &s
	}
	s = buf.String()
	return &s
}

// Changes maps field names to their change entries.
type Changes map[string]Change

// Fields returns the changed field names in sorted order.
func (c Changes) Fields() []string {
	fields := make([]string, 0, len(c))
	for f := range c {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// StrPtr is a convenience for building scalar changes.
func StrPtr(s string) *string { return &s }

// Deref returns the pointed-to string or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
