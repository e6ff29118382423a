package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/meeka/internal/schema"
	"github.com/BTreeMap/meeka/internal/store"
)

// digestLimit is how many recent rows of each table the AI sees.
const digestLimit = 5

type digestSection struct {
	table   schema.Table
	heading string
	line    func(f map[string]any) string
}

var digestSections = []digestSection{
	{schema.Symptoms, "Recent symptoms", func(f map[string]any) string {
		return fmt.Sprintf("%s (started %s, severity %s)", str(f["description"]), str(f["start_date"]), str(f["severity"]))
	}},
	{schema.Medications, "Recent medications", func(f map[string]any) string {
		return fmt.Sprintf("%s %s (%s, since %s)", str(f["medication_name"]), str(f["dosage"]), str(f["status"]), str(f["start_date"]))
	}},
	{schema.MoodEntries, "Recent mood entries", func(f map[string]any) string {
		return fmt.Sprintf("%s: body %s, mind %s, sleep %s, mood %s", str(f["date"]), str(f["body"]), str(f["mind"]), str(f["sleep"]), str(f["mood"]))
	}},
	{schema.Documents, "Recent documents", func(f map[string]any) string {
		line := fmt.Sprintf("%s (%s)", str(f["file_name"]), str(f["document_type"]))
		if s := str(f["summary"]); s != "" {
			line += ": " + s
		}
		return line
	}},
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// BuildDigest summarises the selected owner's recent records for the AI
// preamble. Sections that fail to load are marked unavailable.
func BuildDigest(ctx context.Context, st store.Store, s *Session) string {
	var b strings.Builder
	owner, ok := s.OwnerID()
	if p := s.patient(owner); p != nil {
		fmt.Fprintf(&b, "Selected patient: %s\n", p.Name)
	}
	if len(s.Patients) > 0 {
		names := make([]string, 0, len(s.Patients))
		for _, p := range s.Patients {
			names = append(names, p.Name)
		}
		fmt.Fprintf(&b, "Patients on this account: %s\n", strings.Join(names, ", "))
	}
	if !ok {
		b.WriteString("No patient is selected, so no records are shown.\n")
		return b.String()
	}
	for _, sec := range digestSections {
		recs, err := st.Query(ctx, sec.table, store.Filter{OwnerID: owner, Limit: digestLimit})
		fmt.Fprintf(&b, "%s:\n", sec.heading)
		switch {
		case err != nil:
			slog.Debug("BuildDigest: query failed", "table", sec.table, "error", err)
			b.WriteString("- unavailable\n")
		case len(recs) == 0:
			b.WriteString("- none\n")
		default:
			for _, r := range recs {
				fmt.Fprintf(&b, "- %s\n", sec.line(r.Fields))
			}
		}
	}
	return b.String()
}
