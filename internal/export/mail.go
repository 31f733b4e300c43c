package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"proctord/internal/audit"
)

// subjectIDLen is how much of the attempt ID goes into the subject.
const subjectIDLen = 8

// MailtoURL builds a mailto link whose body summarises logs by event
// type. A mail link cannot carry an attachment, so the body points the
// reader at the JSON export for the full log.
func MailtoURL(logs []audit.Event, recipient string, now time.Time) string {
	id := attemptID(logs)
	if len(id) > subjectIDLen {
		id = id[:subjectIDLen]
	}
	subject := "Secure Test Logs - " + id

	var b strings.Builder
	b.WriteString("Assessment Logs Export\n\n")
	fmt.Fprintf(&b, "Exported: %s\n", now.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "Total Events: %d\n\n", len(logs))
	b.WriteString("Event Summary:\n")
	b.WriteString(summaryJSON(Tally(logs)))
	b.WriteString("\n\nThe full event log is not included in this message. ")
	b.WriteString("Attach the JSON export to share it.")

	return "mailto:" + recipient + "?subject=" + encodeComponent(subject) + "&body=" + encodeComponent(b.String())
}

// summaryJSON renders counts as an indented JSON object, keeping the
// first-appearance order that a map would lose.
func summaryJSON(counts []Count) string {
	if len(counts) == 0 {
		return "{}"
	}
	var b bytes.Buffer
	b.WriteString("{\n")
	for i, c := range counts {
		key, _ := json.Marshal(string(c.Type))
		fmt.Fprintf(&b, "  %s: %d", key, c.Count)
		if i < len(counts)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString("}")
	return b.String()
}

// encodeComponent percent-encodes s for a mailto header field. Spaces
// become %20; mail clients do not decode '+'.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
