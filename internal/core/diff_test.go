package core

import (
	"errors"
	"testing"
	"time"
)

type panicky struct{}

func (panicky) String() string { panic("boom") }

func TestDiff_SingleFieldChange(t *testing.T) {
	old := Snapshot{"name": "Alice", "age": 30, "active": true}
	new := Snapshot{"name": "Alicia", "age": 30, "active": true}

	changes := Diff(old, new, DiffOptions{})
	if len(changes) != 1 {
		t.Fatalf("expected exactly one change, got %v", changes)
	}
	c, ok := changes["name"]
	if !ok {
		t.Fatal("missing change for name")
	}
	if Deref(c.Old) != "Alice" || Deref(c.New) != "Alicia" {
		t.Errorf("got [%s, %s], want [Alice, Alicia]", Deref(c.Old), Deref(c.New))
	}
}

func TestDiff_CreateMarksEveryFieldAdded(t *testing.T) {
	changes := Diff(nil, Snapshot{"name": "Alice", "id": 1}, DiffOptions{})
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	for f, c := range changes {
		if c.Old != nil {
			t.Errorf("%s: old should be absent, got %q", f, *c.Old)
		}
		if c.New == nil {
			t.Errorf("%s: new should be present", f)
		}
	}
	if Deref(changes["id"].New) != "1" {
		t.Errorf("id new = %q", Deref(changes["id"].New))
	}
}

func TestDiff_DeleteMarksEveryFieldRemoved(t *testing.T) {
	changes := Diff(Snapshot{"name": "Alicia", "email": "a@example.com"}, nil, DiffOptions{})
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	for f, c := range changes {
		if c.New != nil {
			t.Errorf("%s: new should be absent", f)
		}
		if c.Old == nil {
			t.Errorf("%s: old should be present", f)
		}
	}
}

func TestDiff_NilValuesAreAbsent(t *testing.T) {
	var p *string
	changes := Diff(Snapshot{"nick": nil}, Snapshot{"nick": p}, DiffOptions{})
	if len(changes) != 0 {
		t.Fatalf("nil to typed nil should not be a change: %v", changes)
	}

	changes = Diff(Snapshot{"nick": nil}, Snapshot{"nick": "al"}, DiffOptions{})
	if c := changes["nick"]; c.Old != nil || Deref(c.New) != "al" {
		t.Errorf("unexpected change %+v", c)
	}
}

func TestDiff_ExcludedFieldsNeverAppear(t *testing.T) {
	old := Snapshot{"name": "a", "last_login": "2024-01-01"}
	new := Snapshot{"name": "b", "last_login": "2024-02-01"}
	changes := Diff(old, new, DiffOptions{Exclude: []string{"last_login"}})
	if _, ok := changes["last_login"]; ok {
		t.Fatal("excluded field present in diff")
	}
	if _, ok := changes["name"]; !ok {
		t.Fatal("tracked field missing from diff")
	}
}

func TestDiff_SensitiveFieldsKeepTrueValues(t *testing.T) {
	changes := Diff(Snapshot{"password": "old"}, Snapshot{"password": "new"}, DiffOptions{})
	if Deref(changes["password"].Old) != "old" || Deref(changes["password"].New) != "new" {
		t.Fatal("diff must not redact")
	}
}

func TestDiff_ComparesStringForms(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	local := ts.In(time.FixedZone("X", 3600))
	changes := Diff(
		Snapshot{"n": 1, "f": 1.5, "at": ts, "tags": map[string]int{"a": 1}},
		Snapshot{"n": int64(1), "f": "1.5", "at": local, "tags": map[string]int{"a": 1}},
		DiffOptions{},
	)
	if len(changes) != 0 {
		t.Fatalf("equal string forms should not differ: %v", changes)
	}
}

func TestDiff_NeverPanics(t *testing.T) {
	ch := make(chan int)
	changes := Diff(
		Snapshot{"weird": panicky{}, "ch": ch, "fn": func() {}},
		Snapshot{"weird": "x", "ch": nil},
		DiffOptions{},
	)
	if _, ok := changes["weird"]; !ok {
		t.Error("expected a change for weird")
	}
	if c := changes["ch"]; c.Old == nil || c.New != nil {
		t.Errorf("unexpected channel change %+v", c)
	}
}

func TestDiff_RelationDescriptors(t *testing.T) {
	cases := []struct {
		name    string
		old     any
		new     any
		op      RelationOp
		objects []string
	}{
		{"add", Relation{"1"}, Relation{"1", "2", "3"}, RelationAdd, []string{"2", "3"}},
		{"remove", Relation{"1", "2"}, Relation{"2"}, RelationRemove, []string{"1"}},
		{"set", Relation{"1", "2"}, Relation{"3", "2"}, RelationSet, []string{"2", "3"}},
		{"create", nil, Relation{"b", "a"}, RelationAdd, []string{"a", "b"}},
		{"delete", Relation{"a"}, nil, RelationRemove, []string{"a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			changes := Diff(Snapshot{"groups": tc.old}, Snapshot{"groups": tc.new}, DiffOptions{})
			c, ok := changes["groups"]
			if !ok || !c.IsRelation() {
				t.Fatalf("expected relation change, got %+v", changes)
			}
			if c.Relation.Operation != tc.op {
				t.Errorf("op = %s, want %s", c.Relation.Operation, tc.op)
			}
			if len(c.Relation.Objects) != len(tc.objects) {
				t.Fatalf("objects = %v, want %v", c.Relation.Objects, tc.objects)
			}
			for i := range tc.objects {
				if c.Relation.Objects[i] != tc.objects[i] {
					t.Errorf("objects = %v, want %v", c.Relation.Objects, tc.objects)
				}
			}
		})
	}
}

func TestDiff_UnchangedRelationOmitted(t *testing.T) {
	changes := Diff(Snapshot{"groups": Relation{"1", "2"}}, Snapshot{"groups": Relation{"2", "1"}}, DiffOptions{})
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %v", changes)
	}
}

func TestObjectIdentity(t *testing.T) {
	id, pk := ObjectIdentity(42)
	if id == nil || *id != 42 || pk != "42" {
		t.Errorf("int pk: id=%v pk=%q", id, pk)
	}
	id, pk = ObjectIdentity("4f1c-uuid")
	if id != nil || pk != "4f1c-uuid" {
		t.Errorf("string pk must not populate object_id: id=%v pk=%q", id, pk)
	}
	id, pk = ObjectIdentity(float64(7))
	if id == nil || *id != 7 || pk != "7" {
		t.Errorf("json number pk: id=%v pk=%q", id, pk)
	}
}

func TestParseAction(t *testing.T) {
	for _, name := range []string{"create", "update", "delete"} {
		a, err := ParseAction(name)
		if err != nil {
			t.Fatalf("ParseAction(%q): %v", name, err)
		}
		if a.Name() != name {
			t.Errorf("round trip %q -> %q", name, a.Name())
		}
	}
	for _, bad := range []string{"", "CREATE", "upsert", "access"} {
		if _, err := ParseAction(bad); !errors.Is(err, ErrTranslation) {
			t.Errorf("ParseAction(%q) err = %v, want ErrTranslation", bad, err)
		}
	}
	if _, err := ActionFromCode(3); !errors.Is(err, ErrTranslation) {
		t.Errorf("ActionFromCode(3) err = %v", err)
	}
}
