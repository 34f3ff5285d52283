package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ResourceType identifies the schema of a tracked entity (app namespace + model).
type ResourceType struct {
	ID       int64  `json:"id,omitempty"`
	AppLabel string `json:"app_label"`
	Model    string `json:"model"`
}

func (r ResourceType) String() string {
	return r.AppLabel + "." + r.Model
}

// ParseResourceType parses the "app_label.model" form.
func ParseResourceType(s string) (ResourceType, error) {
	app, model, ok := strings.Cut(s, ".")
	if !ok || app == "" || model == "" {
		return ResourceType{}, fmt.Errorf("%w: resource type %q, want app_label.model", ErrValidation, s)
	}
	return ResourceType{AppLabel: app, Model: model}, nil
}

// Actor is the principal that caused a change, with denormalized display fields.
type Actor struct {
	ID        int64  `json:"id"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// DisplayActor renders an actor for humans; an absent actor is "system".
func DisplayActor(a *Actor) string {
	if a == nil {
		return "system"
	}
	if name := strings.TrimSpace(a.FirstName + " " + a.LastName); name != "" {
		return name
	}
	if a.Email != "" {
		return a.Email
	}
	return "user " + strconv.FormatInt(a.ID, 10)
}

// Keys of the additional_data side channel that preserve the original
// denormalized values of references that no longer resolve.
const (
	KeyActorID             = "actor_id"
	KeyActorEmail          = "actor_email"
	KeyActorFirstName      = "actor_first_name"
	KeyActorLastName       = "actor_last_name"
	KeyContentTypeID       = "content_type_id"
	KeyContentTypeAppLabel = "content_type_app_label"
	KeyContentTypeModel    = "content_type_model"

	// KeySourceEventID keeps a secondary document id that was not a UUID.
	KeySourceEventID = "source_event_id"
	// KeyRequestID correlates a record with the API request log line.
	KeyRequestID = "request_id"
)

// ChangeRecord is one audit event. Once appended to the primary store it is
// never updated.
type ChangeRecord struct {
	ID             int64          `json:"id,omitempty"`
	EventID        string         `json:"event_id"`
	Action         Action         `json:"action"`
	ResourceType   *ResourceType  `json:"resource_type"`
	ObjectID       *int64         `json:"object_id,omitempty"`
	ObjectPK       string         `json:"object_pk"`
	ObjectRepr     string         `json:"object_repr"`
	Actor          *Actor         `json:"actor,omitempty"`
	RemoteAddr     string         `json:"remote_addr,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Changes        Changes        `json:"changes"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
}

// Validate rejects records missing required fields.
func (r *ChangeRecord) Validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil record", ErrValidation)
	case r.EventID == "":
		return fmt.Errorf("%w: missing event_id", ErrValidation)
	case !r.Action.Valid():
		return fmt.Errorf("%w: missing or unknown action %d", ErrValidation, int16(r.Action))
	case r.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrValidation)
	case r.ObjectPK == "":
		return fmt.Errorf("%w: missing object_pk", ErrValidation)
	case r.ResourceType == nil && r.AdditionalData[KeyContentTypeID] == nil:
		// A dangling resource type is stored as absent with its original id
		// kept in additional_data.
		return fmt.Errorf("%w: missing resource_type", ErrValidation)
	case r.ResourceType != nil && r.ResourceType.ID == 0 && (r.ResourceType.AppLabel == "" || r.ResourceType.Model == ""):
		return fmt.Errorf("%w: resource_type needs an id or app_label and model", ErrValidation)
	}
	return nil
}

// SetAdditional stores a side-channel value, allocating the map on first use.
func (r *ChangeRecord) SetAdditional(key string, value any) {
	if r.AdditionalData == nil {
		r.AdditionalData = make(map[string]any)
	}
	r.AdditionalData[key] = value
}

// NaturalKey identifies the same event across stores whose ids differ.
type NaturalKey struct {
	Timestamp      int64 // unix microseconds
	ResourceTypeID int64
	Object         string
}

// NewNaturalKey prefers the numeric object id and falls back to object_pk.
func NewNaturalKey(ts time.Time, resourceTypeID int64, objectID *int64, objectPK string) NaturalKey {
	obj := objectPK
	if objectID != nil {
		obj = strconv.FormatInt(*objectID, 10)
	}
	return NaturalKey{Timestamp: ts.UnixMicro(), ResourceTypeID: resourceTypeID, Object: obj}
}

// Key returns the record's natural key. A record with no resolved resource
// type keys on id 0.
func (r *ChangeRecord) Key() NaturalKey {
	var rt int64
	if r.ResourceType != nil {
		rt = r.ResourceType.ID
	}
	return NewNaturalKey(r.Timestamp, rt, r.ObjectID, r.ObjectPK)
}

// ObjectIdentity derives object_pk and, for integer primary keys only, object_id.
func ObjectIdentity(pk any) (objectID *int64, objectPK string) {
	switch v := pk.(type) {
	case int:
		id := int64(v)
		return &id, strconv.FormatInt(id, 10)
	case int32:
		id := int64(v)
		return &id, strconv.FormatInt(id, 10)
	case int64:
		id := v
		return &id, strconv.FormatInt(id, 10)
	case uint32:
		id := int64(v)
		return &id, strconv.FormatInt(id, 10)
	case float64:
		// JSON numbers decode as float64; only whole values are integer keys.
		if v == float64(int64(v)) {
			id := int64(v)
			return &id, strconv.FormatInt(id, 10)
		}
		return nil, Stringify(v)
	case json.Number:
		if id, err := v.Int64(); err == nil {
			return &id, strconv.FormatInt(id, 10)
		}
		return nil, v.String()
	case nil:
		return nil, ""
	default:
		return nil, Stringify(v)
	}
}

// ValidIDs is a point-in-time snapshot of the actor and resource type ids
// that currently resolve in the primary store's lookup tables.
type ValidIDs struct {
	Actors        map[int64]struct{}
	ResourceTypes map[int64]struct{}
}

func (v *ValidIDs) HasActor(id int64) bool {
	if v == nil {
		return true
	}
	_, ok := v.Actors[id]
	return ok
}

func (v *ValidIDs) HasResourceType(id int64) bool {
	if v == nil {
		return true
	}
	_, ok := v.ResourceTypes[id]
	return ok
}
