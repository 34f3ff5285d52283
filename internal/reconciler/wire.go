package reconciler

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

// MigrateRequest is the Struct body of Reconciler/Migrate.
type MigrateRequest struct {
	AfterID int64 `json:"after_id,omitempty"`
}

// BackfillRequest is the Struct body of Reconciler/Backfill.
type BackfillRequest struct {
	Since *time.Time `json:"since,omitempty"`
}

// Migrate and Backfill respond with reconcile.MigrateResult and
// reconcile.BackfillResult.
type WatermarkResponse struct {
	Watermark *time.Time `json:"watermark"`
}

// Encode converts a JSON-tagged value into a Struct.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// Decode fills v from a Struct.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	return nil
}
