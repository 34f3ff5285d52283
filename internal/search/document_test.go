package search

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

func sampleDocument() Document {
	actorID := "7"
	objectID := "1"
	return Document{
		EventID:             core.NewEventID(),
		Action:              "update",
		ContentTypeID:       "3",
		ContentTypeAppLabel: "auth",
		ContentTypeModel:    "user",
		ObjectID:            &objectID,
		ObjectPK:            "1",
		ObjectRepr:          "Alice",
		ActorID:             &actorID,
		ActorEmail:          "ada@example.com",
		ActorFirstName:      "Ada",
		ActorLastName:       "Lovelace",
		RemoteAddr:          "10.0.0.1",
		Timestamp:           time.Date(2024, 2, 1, 8, 30, 0, 250000000, time.UTC),
		Changes: []FieldChange{
			{Field: "groups", Operation: "add", Objects: []string{"admins"}},
			{Field: "name", Old: core.StrPtr("Alice"), New: core.StrPtr("Alicia")},
		},
	}
}

func validIDs() *core.ValidIDs {
	return &core.ValidIDs{
		Actors:        map[int64]struct{}{7: {}},
		ResourceTypes: map[int64]struct{}{3: {}},
	}
}

func TestRoundTrip_ResolvableReferences(t *testing.T) {
	doc := sampleDocument()

	rec, m, err := ToRecord(doc, validIDs())
	require.NoError(t, err)
	assert.False(t, m.DanglingActor)
	assert.False(t, m.DanglingResourceType)
	assert.Empty(t, rec.AdditionalData)
	require.NoError(t, rec.Validate())

	back, err := ToDocument(rec)
	require.NoError(t, err)
	assert.Equal(t, doc, back)
}

func TestToRecord_DanglingReferencesPreserved(t *testing.T) {
	doc := sampleDocument()
	valid := &core.ValidIDs{Actors: map[int64]struct{}{}, ResourceTypes: map[int64]struct{}{}}

	rec, m, err := ToRecord(doc, valid)
	require.NoError(t, err)
	assert.True(t, m.DanglingActor)
	assert.True(t, m.DanglingResourceType)
	assert.Nil(t, rec.Actor)
	assert.Nil(t, rec.ResourceType)
	assert.Equal(t, "7", rec.AdditionalData[core.KeyActorID])
	assert.Equal(t, "ada@example.com", rec.AdditionalData[core.KeyActorEmail])
	assert.Equal(t, "Lovelace", rec.AdditionalData[core.KeyActorLastName])
	assert.Equal(t, "3", rec.AdditionalData[core.KeyContentTypeID])
	assert.Equal(t, "user", rec.AdditionalData[core.KeyContentTypeModel])
	assert.NoError(t, rec.Validate(), "dangling records are still materialized")
	assert.Equal(t, int64(0), rec.Key().ResourceTypeID)
}

func TestToDocument_KeepsDanglingReferences(t *testing.T) {
	doc := sampleDocument()
	valid := &core.ValidIDs{Actors: map[int64]struct{}{}, ResourceTypes: map[int64]struct{}{}}

	rec, _, err := ToRecord(doc, valid)
	require.NoError(t, err)

	back, err := ToDocument(rec)
	require.NoError(t, err)
	assert.Equal(t, doc, back)
}

func TestToRecord_NonUUIDEventID(t *testing.T) {
	doc := sampleDocument()
	doc.EventID = "legacy-42"

	rec, m, err := ToRecord(doc, validIDs())
	require.NoError(t, err)
	assert.True(t, m.DerivedEventID)
	_, perr := uuid.Parse(rec.EventID)
	require.NoError(t, perr)
	assert.Equal(t, "legacy-42", rec.AdditionalData[core.KeySourceEventID])

	again, _, err := ToRecord(doc, validIDs())
	require.NoError(t, err)
	assert.Equal(t, rec.EventID, again.EventID, "derivation is deterministic")

	doc.EventID = ""
	_, _, err = ToRecord(doc, validIDs())
	assert.ErrorIs(t, err, core.ErrTranslation)
}

func TestToRecord_UnknownActionIsFatal(t *testing.T) {
	doc := sampleDocument()
	doc.Action = "archive"
	_, _, err := ToRecord(doc, validIDs())
	assert.ErrorIs(t, err, core.ErrTranslation)
}

func TestToDocument_InvalidActionIsFatal(t *testing.T) {
	rec := &core.ChangeRecord{Action: core.Action(5)}
	_, err := ToDocument(rec)
	assert.ErrorIs(t, err, core.ErrTranslation)
}

func TestToRecord_NonNumericPK(t *testing.T) {
	doc := sampleDocument()
	doc.ObjectID = nil
	doc.ObjectPK = "b7e3-uuid"

	rec, _, err := ToRecord(doc, validIDs())
	require.NoError(t, err)
	assert.Nil(t, rec.ObjectID)
	assert.Equal(t, "b7e3-uuid", rec.Key().Object)
}

func TestToRecord_SystemActor(t *testing.T) {
	doc := sampleDocument()
	doc.ActorID = nil
	doc.ActorEmail, doc.ActorFirstName, doc.ActorLastName = "", "", ""

	rec, m, err := ToRecord(doc, validIDs())
	require.NoError(t, err)
	assert.False(t, m.DanglingActor)
	assert.Nil(t, rec.Actor)
}
