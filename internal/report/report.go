// Package report renders violation records and ledger status for operators.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"text/template"
	"time"

	"geoattest/internal/checks"
	"geoattest/internal/store"
)

// Format specifies the output format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

// ParseFormat maps a flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatText, "":
		return FormatText, nil
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("unknown format: %s", s)
}

// Generator renders reports in one format.
type Generator struct {
	format  Format
	verbose bool
}

// NewGenerator creates a generator for format.
func NewGenerator(format Format) *Generator {
	return &Generator{format: format}
}

// WithVerbose includes per-violation details and full identifiers.
func (g *Generator) WithVerbose(verbose bool) *Generator {
	g.verbose = verbose
	return g
}

// Violation renders one record with its full check snapshot.
func (g *Generator) Violation(rec *store.ViolationRecord, w io.Writer) error {
	switch g.format {
	case FormatJSON:
		return writeJSON(w, rec)
	case FormatText:
		return g.violationText(rec, w)
	case FormatMarkdown:
		return g.violationMarkdown(rec, w)
	default:
		return fmt.Errorf("unknown format: %s", g.format)
	}
}

// Violations renders a list of records, one line each in text form.
func (g *Generator) Violations(recs []store.ViolationRecord, w io.Writer) error {
	switch g.format {
	case FormatJSON:
		if recs == nil {
			recs = []store.ViolationRecord{}
		}
		return writeJSON(w, recs)
	case FormatText:
		if len(recs) == 0 {
			fmt.Fprintln(w, "No violations.")
			return nil
		}
		fmt.Fprintf(w, "%-12s %-20s %-22s %5s %-8s %-20s %s\n",
			"ID", "SUBJECT", "TYPE", "SCORE", "ACTION", "CREATED", "STATUS")
		for i := range recs {
			rec := &recs[i]
			fmt.Fprintf(w, "%-12s %-20s %-22s %5d %-8s %-20s %s\n",
				g.shortID(rec.ID), truncate(rec.SubjectID, 20), rec.Type, rec.Score,
				rec.Action, rec.CreatedAt.UTC().Format(time.RFC3339), status(rec))
		}
		return nil
	case FormatMarkdown:
		fmt.Fprintln(w, "| ID | Subject | Type | Score | Action | Created | Status |")
		fmt.Fprintln(w, "|----|---------|------|-------|--------|---------|--------|")
		for i := range recs {
			rec := &recs[i]
			fmt.Fprintf(w, "| `%s` | %s | %s | %d | %s | %s | %s |\n",
				rec.ID, rec.SubjectID, rec.Type, rec.Score, rec.Action,
				rec.CreatedAt.UTC().Format(time.RFC3339), status(rec))
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", g.format)
	}
}

// History renders a subject's location history in the order given.
func (g *Generator) History(subjectID string, entries []checks.HistoryEntry, w io.Writer) error {
	switch g.format {
	case FormatJSON:
		if entries == nil {
			entries = []checks.HistoryEntry{}
		}
		return writeJSON(w, struct {
			SubjectID string                `json:"subject_id"`
			Entries   []checks.HistoryEntry `json:"entries"`
		}{subjectID, entries})
	case FormatText, FormatMarkdown:
		if len(entries) == 0 {
			fmt.Fprintf(w, "No history for %s.\n", subjectID)
			return nil
		}
		fmt.Fprintf(w, "History for %s (%d entries)\n", subjectID, len(entries))
		fmt.Fprintf(w, "%-20s %-16s %11s %12s %10s %10s\n",
			"CAPTURED", "ACTION", "LAT", "LON", "KM", "KM/H")
		for _, e := range entries {
			speed := "-"
			if !math.IsInf(e.SpeedKmh, 0) && !math.IsNaN(e.SpeedKmh) {
				speed = fmt.Sprintf("%.1f", e.SpeedKmh)
			}
			fmt.Fprintf(w, "%-20s %-16s %11.5f %12.5f %10.2f %10s\n",
				e.Sample.CapturedAt.UTC().Format(time.RFC3339), e.Sample.ActionType,
				e.Sample.Lat, e.Sample.Lon, e.DistanceKm, speed)
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", g.format)
	}
}

// Ledger renders the result of a ledger chain walk.
func (g *Generator) Ledger(st *store.LedgerStatus, w io.Writer) error {
	switch g.format {
	case FormatJSON:
		return writeJSON(w, st)
	case FormatText, FormatMarkdown:
		fmt.Fprintf(w, "Ledger:      INTACT\n")
		fmt.Fprintf(w, "Records:     %d\n", st.Records)
		fmt.Fprintf(w, "Chain head:  %s\n", g.truncateHash(st.ChainHash))
		fmt.Fprintf(w, "Verified at: %s\n", st.VerifiedAt.UTC().Format(time.RFC3339))
		return nil
	default:
		return fmt.Errorf("unknown format: %s", g.format)
	}
}

// Stats renders store counters.
func (g *Generator) Stats(st *store.Stats, w io.Writer) error {
	switch g.format {
	case FormatJSON:
		return writeJSON(w, st)
	case FormatText, FormatMarkdown:
		fmt.Fprintf(w, "Subjects:              %d\n", st.Subjects)
		fmt.Fprintf(w, "History entries:       %d\n", st.HistoryEntries)
		fmt.Fprintf(w, "Violations:            %d\n", st.Violations)
		fmt.Fprintf(w, "Unresolved violations: %d\n", st.UnresolvedViolations)
		return nil
	default:
		return fmt.Errorf("unknown format: %s", g.format)
	}
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (g *Generator) violationText(rec *store.ViolationRecord, w io.Writer) error {
	fmt.Fprintln(w, "================================================================================")
	fmt.Fprintln(w, "                        GEOATTEST VIOLATION RECORD")
	fmt.Fprintln(w, "================================================================================")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "ID:          %s\n", rec.ID)
	fmt.Fprintf(w, "Subject:     %s\n", rec.SubjectID)
	fmt.Fprintf(w, "Action type: %s\n", rec.ActionType)
	fmt.Fprintf(w, "Type:        %s\n", rec.Type)
	fmt.Fprintf(w, "Score:       %d\n", rec.Score)
	fmt.Fprintf(w, "Action:      %s\n", rec.Action)
	fmt.Fprintf(w, "Created:     %s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Location:    %s\n", location(rec))
	fmt.Fprintf(w, "Ledger seq:  %d\n", rec.Seq)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "--- Checks ---")
	for _, row := range snapshotRows(rec) {
		fmt.Fprintf(w, "[%s] %-20s %3d\n", row.Symbol, row.Name, row.Score)
		if g.verbose {
			for _, v := range row.Violations {
				fmt.Fprintf(w, "    %-8s %s\n", v.Severity, v.Message)
				for _, key := range sortedKeys(v.Details) {
					fmt.Fprintf(w, "             %s=%v\n", key, v.Details[key])
				}
			}
		}
	}
	fmt.Fprintln(w)

	if len(rec.Violations) > 0 {
		fmt.Fprintln(w, "--- Violations ---")
		for _, v := range rec.Violations {
			fmt.Fprintf(w, "  * %s (%s): %s\n", v.Type, v.Severity, v.Message)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "--- Resolution ---")
	if res := rec.Resolution; res != nil {
		fmt.Fprintf(w, "Resolved by: %s\n", res.ResolverID)
		fmt.Fprintf(w, "Resolved at: %s\n", res.ResolvedAt.UTC().Format(time.RFC3339))
		if res.Notes != "" {
			fmt.Fprintf(w, "Notes:       %s\n", res.Notes)
		}
	} else {
		fmt.Fprintln(w, "Unresolved")
	}
	fmt.Fprintln(w, "================================================================================")
	return nil
}

const violationMarkdown = `# Violation {{.Rec.ID}}

| Property | Value |
|----------|-------|
| **Subject** | {{.Rec.SubjectID}} |
| **Action type** | {{.Rec.ActionType}} |
| **Type** | {{.Rec.Type}} |
| **Score** | {{.Rec.Score}} |
| **Action** | {{.Rec.Action}} |
| **Created** | {{.Created}} |
| **Location** | {{.Location}} |
| **Status** | {{.Status}} |

## Checks

| Check | Result | Score |
|-------|--------|-------|
{{range .Rows}}| {{.Name}} | {{.Symbol}} | {{.Score}} |
{{end}}
{{if .Rec.Violations}}
## Violations

{{range .Rec.Violations}}- **{{.Type}}** ({{.Severity}}): {{.Message}}
{{end}}{{end}}{{with .Rec.Resolution}}
## Resolution

Resolved by {{.ResolverID}} at {{.ResolvedAt}}.{{if .Notes}}

> {{.Notes}}{{end}}
{{end}}`

var violationTemplate = template.Must(template.New("violation").Parse(violationMarkdown))

func (g *Generator) violationMarkdown(rec *store.ViolationRecord, w io.Writer) error {
	view := struct {
		Rec      *store.ViolationRecord
		Created  string
		Location string
		Status   string
		Rows     []checkRow
	}{
		Rec:      rec,
		Created:  rec.CreatedAt.UTC().Format(time.RFC3339),
		Location: location(rec),
		Status:   status(rec),
		Rows:     snapshotRows(rec),
	}
	return violationTemplate.Execute(w, view)
}

type checkRow struct {
	Name       checks.Name
	Symbol     string
	Score      int
	Violations []checks.Violation
}

func snapshotRows(rec *store.ViolationRecord) []checkRow {
	rows := make([]checkRow, 0, len(checks.Names))
	for _, name := range checks.Names {
		out, ok := rec.Snapshot.Outcome(name)
		if !ok {
			continue
		}
		rows = append(rows, checkRow{
			Name:       name,
			Symbol:     outcomeSymbol(out),
			Score:      out.Score,
			Violations: out.Violations,
		})
	}
	return rows
}

func outcomeSymbol(out *store.CheckOutcome) string {
	switch {
	case out.Neutral:
		return "--"
	case out.Passed:
		return "OK"
	default:
		return "!!"
	}
}

func status(rec *store.ViolationRecord) string {
	if rec.Resolved() {
		return "RESOLVED"
	}
	return "OPEN"
}

func location(rec *store.ViolationRecord) string {
	if rec.Location == nil {
		return "unknown"
	}
	return fmt.Sprintf("%.6f, %.6f", rec.Location.Lat, rec.Location.Lon)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (g *Generator) shortID(id string) string {
	if g.verbose {
		return id
	}
	return truncate(id, 12)
}

func (g *Generator) truncateHash(hash string) string {
	if len(hash) <= 16 || g.verbose {
		return hash
	}
	return hash[:8] + "..." + hash[len(hash)-8:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Summary is a one-line description of rec.
func Summary(rec *store.ViolationRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s %s score=%d", rec.Action, rec.SubjectID, rec.Type, rec.Score)
	if n := len(rec.Violations); n > 0 {
		fmt.Fprintf(&sb, " - %d violation", n)
		if n > 1 {
			sb.WriteString("s")
		}
	}
	if rec.Resolved() {
		sb.WriteString(" (resolved)")
	}
	return sb.String()
}

// FailedChecks lists checks in rec that did not pass, excluding neutral ones.
func FailedChecks(rec *store.ViolationRecord) []checks.Name {
	var failed []checks.Name
	for _, row := range snapshotRows(rec) {
		if row.Symbol == "!!" {
			failed = append(failed, row.Name)
		}
	}
	return failed
}
