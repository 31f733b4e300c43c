// Package export turns an event log into the formats a reviewer reads:
// a JSON envelope, CSV, plain text for the clipboard, a fixed-layout text
// report and a mailto link carrying a summary. Nothing here mutates the
// log it is given.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"proctord/internal/audit"
	"proctord/internal/platform"
	"proctord/internal/store"
)

// UnknownAttempt stands in for the attempt ID of an empty log.
const UnknownAttempt = "unknown"

// Envelope is the JSON export document.
type Envelope struct {
	ExportedAt  time.Time     `json:"exportedAt"`
	TotalEvents int           `json:"totalEvents"`
	AttemptID   string        `json:"attemptId"`
	Logs        []audit.Event `json:"logs"`
}

// NewEnvelope wraps logs. The attempt ID is taken from the first event.
func NewEnvelope(logs []audit.Event, now time.Time) Envelope {
	if logs == nil {
		logs = []audit.Event{}
	}
	return Envelope{
		ExportedAt:  now.UTC(),
		TotalEvents: len(logs),
		AttemptID:   attemptID(logs),
		Logs:        logs,
	}
}

func attemptID(logs []audit.Event) string {
	if len(logs) == 0 || logs[0].AttemptID == "" {
		return UnknownAttempt
	}
	return logs[0].AttemptID
}

// MarshalEnvelope renders the envelope pretty-printed with two-space
// indentation.
func MarshalEnvelope(logs []audit.Event, now time.Time) ([]byte, error) {
	return json.MarshalIndent(NewEnvelope(logs, now), "", "  ")
}

// WriteJSON writes the pretty-printed envelope to w.
func WriteJSON(w io.Writer, logs []audit.Event, now time.Time) error {
	data, err := MarshalEnvelope(logs, now)
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// DefaultFilename returns secure-test-logs-<timestamp>.<ext>, with the
// colons and dots of the ISO timestamp replaced so the name is portable.
func DefaultFilename(now time.Time, ext string) string {
	ts := now.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return "secure-test-logs-" + ts + "." + ext
}

// JSONFile writes the envelope into dir and returns the file path. An
// empty name selects DefaultFilename.
func JSONFile(dir, name string, logs []audit.Event, now time.Time) (string, error) {
	data, err := MarshalEnvelope(logs, now)
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}
	if name == "" {
		name = DefaultFilename(now, "json")
	}
	return writeFile(dir, name, data)
}

// CSVHeader is the first line of every CSV export.
const CSVHeader = "Event Type,Timestamp,Attempt ID,Question ID,Metadata"

// WriteCSV writes one header line and one row per event. Every cell is
// quoted and embedded quotes are doubled, so the metadata cell parses
// back as JSON once unquoted.
func WriteCSV(w io.Writer, logs []audit.Event) error {
	var b bytes.Buffer
	b.WriteString(CSVHeader)
	for _, e := range logs {
		meta := e.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode metadata of %s: %w", e.EventType, err)
		}
		b.WriteByte('\n')
		writeRow(&b,
			string(e.EventType),
			e.Timestamp.Format(time.RFC3339Nano),
			e.AttemptID,
			e.QuestionID,
			string(metaJSON),
		)
	}
	_, err := w.Write(b.Bytes())
	return err
}

// writeRow writes cells with the quoting rules of RFC 4180, applied to
// every cell unconditionally.
func writeRow(b *bytes.Buffer, cells ...string) {
	for i, c := range cells {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(c, `"`, `""`))
		b.WriteByte('"')
	}
}

// CSVFile writes the CSV export into dir and returns the file path.
func CSVFile(dir, name string, logs []audit.Event, now time.Time) (string, error) {
	var b bytes.Buffer
	if err := WriteCSV(&b, logs); err != nil {
		return "", err
	}
	if name == "" {
		name = DefaultFilename(now, "csv")
	}
	return writeFile(dir, name, b.Bytes())
}

func writeFile(dir, name string, data []byte) (string, error) {
	if name != filepath.Base(name) {
		return "", fmt.Errorf("export file name %q must not contain a directory", name)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := store.WriteFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

// CopyToClipboard puts the JSON envelope on the clipboard and reports
// whether that worked. Failures are logged, never returned.
func CopyToClipboard(ctx context.Context, cb platform.Clipboard, logs []audit.Event, now time.Time, log *slog.Logger) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("copy logs to clipboard", "panic", r)
			ok = false
		}
	}()
	data, err := MarshalEnvelope(logs, now)
	if err != nil {
		log.Error("copy logs to clipboard", "err", err)
		return false
	}
	if err := cb.WriteText(ctx, string(data)); err != nil {
		log.Error("copy logs to clipboard", "err", err)
		return false
	}
	return true
}
