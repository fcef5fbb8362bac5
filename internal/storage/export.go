package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportMarkdown renders a run as a markdown summary.
func ExportMarkdown(r *Run) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Run %s\n\n", r.ID))
	b.WriteString(fmt.Sprintf("- **Requester:** %s\n", r.RequesterID))
	b.WriteString(fmt.Sprintf("- **Channel:** %s\n", r.ChannelID))
	if r.EntryFile != "" {
		b.WriteString(fmt.Sprintf("- **Entry file:** `%s`\n", r.EntryFile))
	}
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", r.Status))
	if r.ExitCode != nil {
		b.WriteString(fmt.Sprintf("- **Exit code:** %d\n", *r.ExitCode))
	}
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", r.CreatedAt.Format("2006-01-02 15:04:05")))
	if d := r.Duration(); d > 0 {
		b.WriteString(fmt.Sprintf("- **Duration:** %s\n", d.Round(time.Millisecond)))
	}
	b.WriteString(fmt.Sprintf("- **Messages:** %d", r.Messages))
	if r.Truncated {
		b.WriteString(" (truncated)")
	}
	b.WriteString("\n")

	if r.Error != "" {
		b.WriteString(fmt.Sprintf("\n## Error\n\n```\n%s\n```\n", r.Error))
	}
	return b.String()
}

// ExportJSON renders a run as formatted JSON.
func ExportJSON(r *Run) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
