package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/telekom/omnibus-reconciler/pkg/joblog"
)

const maxListedEntryErrors = 20

type JobMailParams struct {
	Record      joblog.Record
	Instance    string
	Duration    string
	EntryErrors []joblog.EntryError
	Omitted     int
}

var jobTemplate = template.Must(template.New("job").Parse(`<html><body>
<p>The {{.Record.Kind}} directory sync of <b>{{.Record.Server}}</b>{{if .Instance}} on {{.Instance}}{{end}} finished with outcome <b>{{.Record.Outcome}}</b>.</p>
<table>
<tr><td>Job</td><td>{{.Record.ID}}</td></tr>
<tr><td>Trigger</td><td>{{.Record.Trigger}}</td></tr>
<tr><td>Started</td><td>{{.Record.StartedAt.Format "2006-01-02 15:04:05 MST"}}</td></tr>
<tr><td>Duration</td><td>{{.Duration}}</td></tr>
<tr><td>Users synced</td><td>{{.Record.UsersSynced}}</td></tr>
<tr><td>Groups synced</td><td>{{.Record.GroupsSynced}}</td></tr>
</table>
{{- if .Record.ErrorDetail}}
<p>Error: {{.Record.ErrorDetail}}</p>
{{- end}}
{{- if .EntryErrors}}
<p>Entries that could not be reconciled:</p>
<ul>
{{- range .EntryErrors}}
<li>{{.DN}}: {{.Message}}</li>
{{- end}}
</ul>
{{- if .Omitted}}
<p>... and {{.Omitted}} more.</p>
{{- end}}
{{- end}}
</body></html>
`))

// RenderJobMail renders the subject and body of a job notification.
func RenderJobMail(rec joblog.Record, instance string) (subject, body string, err error) {
	params := JobMailParams{
		Record:   rec,
		Instance: instance,
		Duration: rec.Duration().Round(time.Millisecond).String(),
	}
	params.EntryErrors = rec.EntryErrors
	if n := len(rec.EntryErrors); n > maxListedEntryErrors {
		params.EntryErrors = rec.EntryErrors[:maxListedEntryErrors]
		params.Omitted = n - maxListedEntryErrors
	}

	var buf bytes.Buffer
	if err := jobTemplate.Execute(&buf, params); err != nil {
		return "", "", fmt.Errorf("render job mail: %w", err)
	}
	subject = fmt.Sprintf("[directory sync] %s sync of %s: %s", rec.Kind, rec.Server, rec.Outcome)
	return subject, buf.String(), nil
}
