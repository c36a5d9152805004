package audit

import (
	"encoding/csv"
	"io"
	"strings"
	"time"
)

var exportHeader = []string{
	"id", "created_at", "event_type", "status",
	"actor_user_id", "target_user_id", "target_resource",
	"changes", "ip_address", "user_agent",
}

// ExportCSV writes a flat tabular rendering of the entries, one row per
// entry, with old/new values flattened per the diff rendering rules.
func ExportCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.EventType,
			string(e.Status),
			e.ActorUserID,
			e.TargetUserID,
			e.TargetResource,
			strings.Join(FlattenDiff(e.OldValues, e.NewValues), "; "),
			e.IPAddress,
			e.UserAgent,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
