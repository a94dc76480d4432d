package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/telekom/omnibus-reconciler/pkg/dirsync"
	"github.com/telekom/omnibus-reconciler/pkg/joblog"
	"github.com/telekom/omnibus-reconciler/pkg/reconcile"
	"github.com/telekom/omnibus-reconciler/pkg/render"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
}

// WriteFindings lists validation errors and warnings, errors first.
func WriteFindings(w io.Writer, errs []settings.FieldError, warnings []settings.Warning) {
	if len(errs) == 0 && len(warnings) == 0 {
		return
	}
	tw := newTabWriter(w)
	_, _ = fmt.Fprintln(tw, "LEVEL\tFIELD\tMESSAGE")
	for _, e := range errs {
		_, _ = fmt.Fprintf(tw, "error\t%s\t%s\n", e.Field, e.Message)
	}
	for _, wn := range warnings {
		_, _ = fmt.Fprintf(tw, "warning\t%s\t%s\n", wn.Field, wn.Message)
	}
	_ = tw.Flush()
}

func WriteArtifactTable(w io.Writer, artifacts []render.Artifact) {
	tw := newTabWriter(w)
	_, _ = fmt.Fprintln(tw, "ID\tSERVICE\tPATH\tDIGEST")
	for _, a := range artifacts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, a.Service, a.Path, shortDigest(a.Digest))
	}
	_ = tw.Flush()
}

// WriteResultTable prints the per-service and per-server outcomes of a pass.
func WriteResultTable(w io.Writer, res *reconcile.Result) {
	_, _ = fmt.Fprintf(w, "Status: %s (%s)\n", res.Status, res.Duration.Round(time.Millisecond))
	if res.Error != "" {
		_, _ = fmt.Fprintf(w, "Error: %s\n", res.Error)
	}

	if len(res.Services) > 0 {
		_, _ = fmt.Fprintln(w)
		tw := newTabWriter(w)
		_, _ = fmt.Fprintln(tw, "SERVICE\tOUTCOME\tCHANGED\tRELOADED\tERRORS")
		for _, name := range sortedKeys(res.Services) {
			s := res.Services[name]
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, s.Outcome, dash(strings.Join(s.Changed, ",")), yesNo(s.Reloaded), dash(strings.Join(s.Errors, "; ")))
		}
		_ = tw.Flush()
	}

	if len(res.Directories) > 0 {
		_, _ = fmt.Fprintln(w)
		tw := newTabWriter(w)
		_, _ = fmt.Fprintln(tw, "DIRECTORY\tSTATE\tERROR")
		for _, name := range sortedKeys(res.Directories) {
			d := res.Directories[name]
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", name, d.State, dash(d.Error))
		}
		_ = tw.Flush()
	}

	if len(res.ValidationErrors) > 0 || len(res.Warnings) > 0 {
		_, _ = fmt.Fprintln(w)
		WriteFindings(w, res.ValidationErrors, res.Warnings)
	}
}

func WriteJobStateTable(w io.Writer, states []dirsync.JobState) {
	tw := newTabWriter(w)
	_, _ = fmt.Fprintln(tw, "SERVER\tKIND\tSCHEDULE\tSTATE\tNEXT_RUN\tLAST_OUTCOME\tLAST_RUN")
	for _, s := range states {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.Server, s.Kind, s.Schedule, s.State, formatTimePtr(s.NextRun), dash(string(s.LastOutcome)), formatTimePtr(s.LastRun))
	}
	_ = tw.Flush()
}

func WriteRecordTable(w io.Writer, records []joblog.Record) {
	tw := newTabWriter(w)
	_, _ = fmt.Fprintln(tw, "ID\tSERVER\tKIND\tTRIGGER\tOUTCOME\tUSERS\tGROUPS\tSTARTED\tDURATION")
	for _, r := range records {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n", r.ID, r.Server, r.Kind, r.Trigger, r.Outcome, r.UsersSynced, r.GroupsSynced, formatTime(r.StartedAt), r.Duration().Round(time.Millisecond))
	}
	_ = tw.Flush()
}

// WriteRecord prints one job record with its entry errors.
func WriteRecord(w io.Writer, r joblog.Record) {
	WriteRecordTable(w, []joblog.Record{r})
	if r.ErrorDetail != "" {
		_, _ = fmt.Fprintf(w, "\nError: %s\n", r.ErrorDetail)
	}
	if len(r.EntryErrors) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w)
	tw := newTabWriter(w)
	_, _ = fmt.Fprintln(tw, "ENTRY\tERROR")
	for _, e := range r.EntryErrors {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", e.DN, e.Message)
	}
	_ = tw.Flush()
}

func shortDigest(d string) string {
	const n = len("sha256:") + 12
	if len(d) > n {
		return d[:n]
	}
	return d
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
