package search

import (
	"fmt"
	"strconv"
	"time"

	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

// Document is the denormalized projection of a change record stored in the
// secondary store. Actor and resource type display fields are copied in so
// the document stands alone.
type Document struct {
	ID                  *models.RecordID `json:"id,omitempty"`
	EventID             string           `json:"event_id"`
	Action              string           `json:"action"`
	ContentTypeID       string           `json:"content_type_id"`
	ContentTypeAppLabel string           `json:"content_type_app_label"`
	ContentTypeModel    string           `json:"content_type_model"`
	ObjectID            *string          `json:"object_id"`
	ObjectPK            string           `json:"object_pk"`
	ObjectRepr          string           `json:"object_repr"`
	ActorID             *string          `json:"actor_id"`
	ActorEmail          string           `json:"actor_email"`
	ActorFirstName      string           `json:"actor_first_name"`
	ActorLastName       string           `json:"actor_last_name"`
	RemoteAddr          string           `json:"remote_addr"`
	Timestamp           time.Time        `json:"timestamp"`
	Changes             []FieldChange    `json:"changes"`
}

// FieldChange is one entry of Document.Changes. Scalar changes use Old/New;
// relation changes use Operation/Objects.
type FieldChange struct {
	Field     string   `json:"field"`
	Old       *string  `json:"old"`
	New       *string  `json:"new"`
	Operation string   `json:"operation,omitempty"`
	Objects   []string `json:"objects,omitempty"`
}

// Mapping reports what ToRecord had to repair.
type Mapping struct {
	DanglingActor        bool
	DanglingResourceType bool
	DerivedEventID       bool
}

// ToDocument projects a primary change record into a secondary document.
func ToDocument(rec *core.ChangeRecord) (Document, error) {
	if !rec.Action.Valid() {
		return Document{}, fmt.Errorf("%w: action code %d", core.ErrTranslation, int16(rec.Action))
	}
	doc := Document{
		EventID:    rec.EventID,
		Action:     rec.Action.Name(),
		ObjectPK:   rec.ObjectPK,
		ObjectRepr: rec.ObjectRepr,
		RemoteAddr: rec.RemoteAddr,
		Timestamp:  core.NormalizeTime(rec.Timestamp),
		Changes:    toFieldChanges(rec.Changes),
	}
	if rt := rec.ResourceType; rt != nil {
		doc.ContentTypeID = strconv.FormatInt(rt.ID, 10)
		doc.ContentTypeAppLabel = rt.AppLabel
		doc.ContentTypeModel = rt.Model
	} else {
		doc.ContentTypeID = additional(rec, core.KeyContentTypeID)
		doc.ContentTypeAppLabel = additional(rec, core.KeyContentTypeAppLabel)
		doc.ContentTypeModel = additional(rec, core.KeyContentTypeModel)
	}
	if rec.ObjectID != nil {
		s := strconv.FormatInt(*rec.ObjectID, 10)
		doc.ObjectID = &s
	}
	if a := rec.Actor; a != nil {
		s := strconv.FormatInt(a.ID, 10)
		doc.ActorID = &s
		doc.ActorEmail = a.Email
		doc.ActorFirstName = a.FirstName
		doc.ActorLastName = a.LastName
	} else if id := additional(rec, core.KeyActorID); id != "" {
		// Dangling actor: keep the denormalized values from the side channel.
		doc.ActorID = &id
		doc.ActorEmail = additional(rec, core.KeyActorEmail)
		doc.ActorFirstName = additional(rec, core.KeyActorFirstName)
		doc.ActorLastName = additional(rec, core.KeyActorLastName)
	}
	return doc, nil
}

func additional(rec *core.ChangeRecord, key string) string {
	v, ok := rec.AdditionalData[key]
	if !ok || v == nil {
		return ""
	}
	return core.Stringify(v)
}

// ToRecord materializes a change record from a document. References that are
// not in valid become absent and their original strings move to
// additional_data. A nil valid trusts every reference.
func ToRecord(doc Document, valid *core.ValidIDs) (*core.ChangeRecord, Mapping, error) {
	var m Mapping
	action, err := core.ParseAction(doc.Action)
	if err != nil {
		return nil, m, err
	}
	if doc.Timestamp.IsZero() {
		return nil, m, fmt.Errorf("%w: document %s has no timestamp", core.ErrValidation, doc.EventID)
	}
	source := doc.EventID
	if source == "" && doc.ID != nil {
		source = fmt.Sprint(doc.ID.ID)
	}
	eventID, derived := core.EventIDFrom(source)
	if eventID == "" {
		return nil, m, fmt.Errorf("%w: document has no event id", core.ErrTranslation)
	}
	rec := &core.ChangeRecord{
		EventID:    eventID,
		Action:     action,
		ObjectPK:   doc.ObjectPK,
		ObjectRepr: doc.ObjectRepr,
		RemoteAddr: doc.RemoteAddr,
		Timestamp:  core.NormalizeTime(doc.Timestamp),
		Changes:    fromFieldChanges(doc.Changes),
	}
	if derived {
		m.DerivedEventID = true
		rec.SetAdditional(core.KeySourceEventID, source)
	}
	if doc.ObjectID != nil {
		if id, err := strconv.ParseInt(*doc.ObjectID, 10, 64); err == nil {
			rec.ObjectID = &id
		}
	}

	if rtID, err := strconv.ParseInt(doc.ContentTypeID, 10, 64); err == nil && valid.HasResourceType(rtID) {
		rec.ResourceType = &core.ResourceType{ID: rtID, AppLabel: doc.ContentTypeAppLabel, Model: doc.ContentTypeModel}
	} else {
		m.DanglingResourceType = true
		rec.SetAdditional(core.KeyContentTypeID, doc.ContentTypeID)
		rec.SetAdditional(core.KeyContentTypeAppLabel, doc.ContentTypeAppLabel)
		rec.SetAdditional(core.KeyContentTypeModel, doc.ContentTypeModel)
	}

	if doc.ActorID != nil && *doc.ActorID != "" {
		if actorID, err := strconv.ParseInt(*doc.ActorID, 10, 64); err == nil && valid.HasActor(actorID) {
			rec.Actor = &core.Actor{
				ID:        actorID,
				Email:     doc.ActorEmail,
				FirstName: doc.ActorFirstName,
				LastName:  doc.ActorLastName,
			}
		} else {
			m.DanglingActor = true
			rec.SetAdditional(core.KeyActorID, *doc.ActorID)
			rec.SetAdditional(core.KeyActorEmail, doc.ActorEmail)
			rec.SetAdditional(core.KeyActorFirstName, doc.ActorFirstName)
			rec.SetAdditional(core.KeyActorLastName, doc.ActorLastName)
		}
	}
	return rec, m, nil
}

func toFieldChanges(changes core.Changes) []FieldChange {
	out := make([]FieldChange, 0, len(changes))
	for _, f := range changes.Fields() {
		c := changes[f]
		if c.IsRelation() {
			out = append(out, FieldChange{Field: f, Operation: string(c.Relation.Operation), Objects: c.Relation.Objects})
			continue
		}
		out = append(out, FieldChange{Field: f, Old: c.Old, New: c.New})
	}
	return out
}

func fromFieldChanges(list []FieldChange) core.Changes {
	changes := make(core.Changes, len(list))
	for _, fc := range list {
		if fc.Operation != "" {
			changes[fc.Field] = core.NewRelationChange(core.RelationOp(fc.Operation), fc.Objects)
			continue
		}
		changes[fc.Field] = core.Scalar(fc.Old, fc.New)
	}
	return changes
}
