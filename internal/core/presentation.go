package core

import (
	"fmt"
	"strings"
)

const (
	// RedactedValue replaces both sides of a sensitive field on render.
	RedactedValue = "***"
	summaryMax    = 75
)

// DefaultRedactedFields are masked when no explicit list is configured.
var DefaultRedactedFields = []string{"password"}

// Redact returns a copy of changes with sensitive fields masked. The stored
// record keeps its true values.
func Redact(changes Changes, fields []string) Changes {
	if len(changes) == 0 {
		return changes
	}
	sensitive := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		sensitive[f] = struct{}{}
	}
	out := make(Changes, len(changes))
	for f, c := range changes {
		if _, ok := sensitive[f]; ok {
			if c.IsRelation() {
				c = NewRelationChange(c.Relation.Operation, []string{RedactedValue})
			} else {
				c = Scalar(StrPtr(RedactedValue), StrPtr(RedactedValue))
			}
		}
		out[f] = c
	}
	return out
}

// Summary lists the changed fields, e.g. "2 changes: email, name". Deletions
// have no summary.
func Summary(r *ChangeRecord) string {
	if r.Action == ActionDelete {
		return ""
	}
	fields := r.Changes.Fields()
	plural := "s"
	if len(fields) == 1 {
		plural = ""
	}
	joined := strings.Join(fields, ", ")
	if len(joined) > summaryMax {
		i := strings.LastIndex(joined[:summaryMax], " ")
		if i < 0 {
			i = summaryMax
		}
		joined = joined[:i] + " .."
	}
	return fmt.Sprintf("%d change%s: %s", len(fields), plural, joined)
}

// Describe renders a one-line human description such as "Updated Alice".
func Describe(r *ChangeRecord) string {
	return strings.TrimSpace(r.Action.Verb() + " " + r.ObjectRepr)
}
