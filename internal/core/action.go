package core

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Action is the lifecycle event a change record describes. The numeric value
// is the code stored by the primary store; the secondary store uses Name().
type Action int16

const (
	ActionCreate Action = 0
	ActionUpdate Action = 1
	ActionDelete Action = 2
)

var actionNames = [...]string{
	ActionCreate: "create",
	ActionUpdate: "update",
	ActionDelete: "delete",
}

var actionVerbs = [...]string{
	ActionCreate: "Created",
	ActionUpdate: "Updated",
	ActionDelete: "Deleted",
}

// Valid reports whether a is one of the three known actions.
func (a Action) Valid() bool {
	return a >= ActionCreate && a <= ActionDelete
}

// Name returns the secondary-store spelling of the action.
func (a Action) Name() string {
	if !a.Valid() {
		return ""
	}
	return actionNames[a]
}

func (a Action) String() string {
	if !a.Valid() {
		return "action(" + strconv.Itoa(int(a)) + ")"
	}
	return actionNames[a]
}

// Verb is the past-tense label used when describing a record to humans.
func (a Action) Verb() string {
	if !a.Valid() {
		return ""
	}
	return actionVerbs[a]
}

// ActionFromCode maps a primary-store code to an Action.
func ActionFromCode(code int16) (Action, error) {
	a := Action(code)
	if !a.Valid() {
		return 0, fmt.Errorf("%w: action code %d", ErrTranslation, code)
	}
	return a, nil
}

// ParseAction maps a secondary-store action name to an Action. Only the exact
// names in the fixed table are accepted.
func ParseAction(s string) (Action, error) {
	for i, name := range actionNames {
		if s == name {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("%w: action %q", ErrTranslation, s)
}

func (a Action) MarshalJSON() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: action code %d", ErrTranslation, int16(a))
	}
	return json.Marshal(actionNames[a])
}

// UnmarshalJSON accepts either the action name or its numeric code.
func (a *Action) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		v, err := ParseAction(name)
		if err != nil {
			return err
		}
		*a = v
		return nil
	}
	var code int16
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("%w: action %s", ErrTranslation, string(data))
	}
	v, err := ActionFromCode(code)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
