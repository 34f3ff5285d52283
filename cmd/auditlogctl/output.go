package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/reconcile"
)

// LogRow mirrors the API's rendered change record.
type LogRow struct {
	ID           int64              `json:"id"`
	EventID      string             `json:"event_id"`
	Action       string             `json:"action"`
	ResourceType *core.ResourceType `json:"resource_type"`
	ObjectPK     string             `json:"object_pk"`
	ObjectRepr   string             `json:"object_repr"`
	ActorDisplay string             `json:"actor_display"`
	RemoteAddr   string             `json:"remote_addr"`
	Timestamp    time.Time          `json:"timestamp"`
	Changes      core.Changes       `json:"changes"`
	Summary      string             `json:"summary"`
	Description  string             `json:"description"`
}

type LogListResponse struct {
	Items      []LogRow `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

type WatermarkResponse struct {
	Watermark *time.Time `json:"watermark"`
}

func printResult(v interface{}) {
	if output == "json" {
		json.NewEncoder(os.Stdout).Encode(v)
		return
	}
	printTable(os.Stdout, v)
}

func printTable(out io.Writer, v interface{}) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	switch data := v.(type) {
	case LogListResponse:
		if len(data.Items) == 0 {
			fmt.Fprintln(out, "No log entries found.")
			return
		}
		fmt.Fprintln(w, "TIMESTAMP\tACTION\tRESOURCE\tOBJECT\tACTOR\tSUMMARY")
		for _, l := range data.Items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				l.Timestamp.Format(time.RFC3339), l.Action, resourceName(l.ResourceType),
				truncate(l.ObjectRepr, 30), l.ActorDisplay, truncate(l.Summary, 50))
		}
		if data.NextCursor != "" {
			fmt.Fprintf(w, "\nNext cursor:\t%s\n", data.NextCursor)
		}
	case LogRow:
		fmt.Fprintf(w, "ID:\t%d\n", data.ID)
		fmt.Fprintf(w, "Event ID:\t%s\n", data.EventID)
		fmt.Fprintf(w, "Description:\t%s\n", data.Description)
		fmt.Fprintf(w, "Resource:\t%s %s\n", resourceName(data.ResourceType), data.ObjectPK)
		fmt.Fprintf(w, "Actor:\t%s\n", data.ActorDisplay)
		if data.RemoteAddr != "" {
			fmt.Fprintf(w, "Remote addr:\t%s\n", data.RemoteAddr)
		}
		fmt.Fprintf(w, "Timestamp:\t%s\n", data.Timestamp.Format(time.RFC3339Nano))
		for _, f := range data.Changes.Fields() {
			fmt.Fprintf(w, "  %s:\t%s\n", f, renderChange(data.Changes[f]))
		}
	case reconcile.MigrateResult:
		fmt.Fprintf(w, "Copied:\t%d\n", data.Copied)
		fmt.Fprintf(w, "Chunks:\t%d\n", data.Chunks)
		fmt.Fprintf(w, "Last ID:\t%d\n", data.LastID)
	case reconcile.BackfillResult:
		fmt.Fprintf(w, "Scanned:\t%d\n", data.Scanned)
		fmt.Fprintf(w, "Created:\t%d\n", data.Created)
		fmt.Fprintf(w, "Skipped:\t%d\n", data.Skipped)
		fmt.Fprintf(w, "Dangling:\t%d\n", data.Dangling)
		fmt.Fprintf(w, "Windows:\t%d\n", data.Windows)
		fmt.Fprintf(w, "Watermark:\t%s\n", formatTime(data.Watermark))
	case WatermarkResponse:
		fmt.Fprintf(w, "Watermark:\t%s\n", formatTime(data.Watermark))
	default:
		json.NewEncoder(out).Encode(v)
	}
	w.Flush()
}

func renderChange(c core.Change) string {
	if c.IsRelation() {
		return fmt.Sprintf("%s %v", c.Relation.Operation, c.Relation.Objects)
	}
	return fmt.Sprintf("%q -> %q", core.Deref(c.Old), core.Deref(c.New))
}

func resourceName(rt *core.ResourceType) string {
	if rt == nil {
		return "-"
	}
	return rt.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
