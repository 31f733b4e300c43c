package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/audit"
	"proctord/internal/logging"
	"proctord/internal/store"
)

var exportTime = time.Date(2026, 3, 1, 10, 30, 15, 123000000, time.UTC)

// recorded returns a log as it comes back from the store, so metadata
// values carry their JSON types.
func recorded(t *testing.T) []audit.Event {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	shared := store.NewShared(store.NewMemory())
	l := audit.NewLogger("3f2a9c1e-77b0-4c39-9a51-0d6c1b2e8f44", shared,
		audit.WithClock(func() time.Time { return now }),
		audit.WithLogger(logging.Discard()),
	)
	step := func(d time.Duration, e audit.Entry) {
		now = now.Add(d)
		l.Log(e)
	}
	step(0, audit.Entry{EventType: audit.BrowserDetected, Metadata: map[string]any{"name": "Google Chrome", "version": "126.0.6478.61", "isChrome": true}})
	step(time.Second, audit.Entry{EventType: audit.SessionStart})
	step(time.Minute, audit.Entry{EventType: audit.TabHidden, QuestionID: "q1"})
	step(time.Second, audit.Entry{EventType: audit.TabVisible, QuestionID: "q1"})
	step(time.Minute, audit.Entry{EventType: audit.CopyAttempt, Metadata: map[string]any{"selection": `say "hi", then, leave`}})
	step(time.Second, audit.Entry{EventType: audit.TabHidden})
	step(time.Second, audit.Entry{EventType: audit.KeyboardShortcutBlocked, Metadata: map[string]any{"key": "F12", "ctrl": false, "shift": false, "alt": false, "meta": false}})
	step(40*time.Minute, audit.Entry{EventType: audit.SessionEnd})
	l.MarkSubmitted()
	return l.Logs()
}

func TestJSONRoundTrip(t *testing.T) {
	logs := recorded(t)

	var b bytes.Buffer
	require.NoError(t, WriteJSON(&b, logs, exportTime))
	assert.Contains(t, b.String(), "\n  \"exportedAt\"", "pretty-printed with two spaces")

	var env Envelope
	require.NoError(t, json.Unmarshal(b.Bytes(), &env))
	if diff := cmp.Diff(logs, env.Logs); diff != "" {
		t.Errorf("logs changed across export (-want +got):\n%s", diff)
	}
	assert.Equal(t, len(logs), env.TotalEvents)
	assert.Equal(t, "3f2a9c1e-77b0-4c39-9a51-0d6c1b2e8f44", env.AttemptID)
	assert.True(t, env.ExportedAt.Equal(exportTime))

	require.NoError(t, Validate(b.Bytes()))
}

func TestEmptyEnvelope(t *testing.T) {
	data, err := MarshalEnvelope(nil, exportTime)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"logs": []`)
	assert.Contains(t, string(data), `"attemptId": "unknown"`)
	require.NoError(t, Validate(data))
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]string{
		"not json":        `{`,
		"missing logs":    `{"exportedAt":"2026-03-01T10:30:15Z","totalEvents":0,"attemptId":"x"}`,
		"unknown type":    `{"exportedAt":"2026-03-01T10:30:15Z","totalEvents":1,"attemptId":"x","logs":[{"eventType":"NOPE","timestamp":"2026-03-01T10:30:15Z","attemptId":"x"}]}`,
		"bad timestamp":   `{"exportedAt":"yesterday","totalEvents":0,"attemptId":"x","logs":[]}`,
		"count mismatch":  `{"exportedAt":"2026-03-01T10:30:15Z","totalEvents":3,"attemptId":"x","logs":[]}`,
		"extra event key": `{"exportedAt":"2026-03-01T10:30:15Z","totalEvents":1,"attemptId":"x","logs":[{"eventType":"TAB_HIDDEN","timestamp":"2026-03-01T10:30:15Z","attemptId":"x","hash":"abc"}]}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, Validate([]byte(doc)))
		})
	}
}

func TestCSV(t *testing.T) {
	logs := recorded(t)

	var b bytes.Buffer
	require.NoError(t, WriteCSV(&b, logs))

	lines := strings.Split(b.String(), "\n")
	assert.Equal(t, CSVHeader, lines[0])
	assert.Len(t, lines, len(logs)+1)
	for _, line := range lines[1:] {
		assert.True(t, strings.HasPrefix(line, `"`) && strings.HasSuffix(line, `"`), "row not quoted: %s", line)
	}

	rows, err := csv.NewReader(strings.NewReader(b.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, len(logs)+1)
	for i, row := range rows[1:] {
		require.Len(t, row, 5)
		assert.Equal(t, string(logs[i].EventType), row[0])
		assert.Equal(t, logs[i].AttemptID, row[2])
		assert.Equal(t, logs[i].QuestionID, row[3])

		var meta map[string]any
		require.NoError(t, json.Unmarshal([]byte(row[4]), &meta), "metadata cell of row %d", i+1)
		if logs[i].Metadata == nil {
			assert.Empty(t, meta)
		} else {
			assert.Equal(t, logs[i].Metadata, meta)
		}
	}
}

func TestFiles(t *testing.T) {
	logs := recorded(t)
	dir := t.TempDir()

	path, err := JSONFile(dir, "", logs, exportTime)
	require.NoError(t, err)
	assert.Equal(t, "secure-test-logs-2026-03-01T10-30-15-123Z.json", filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, Validate(data))

	path, err = CSVFile(dir, "attempt.csv", logs, exportTime)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "attempt.csv"), path)

	_, err = JSONFile(dir, "../escape.json", logs, exportTime)
	assert.Error(t, err)
}

type stubClipboard struct {
	text string
	err  error
}

func (c *stubClipboard) WriteText(_ context.Context, text string) error {
	if c.err != nil {
		return c.err
	}
	c.text = text
	return nil
}

type panicClipboard struct{}

func (panicClipboard) WriteText(context.Context, string) error { panic("clipboard gone") }

func TestCopyToClipboard(t *testing.T) {
	logs := recorded(t)
	ctx := context.Background()

	cb := &stubClipboard{}
	assert.True(t, CopyToClipboard(ctx, cb, logs, exportTime, logging.Discard()))
	want, _ := MarshalEnvelope(logs, exportTime)
	assert.Equal(t, string(want), cb.text)

	assert.False(t, CopyToClipboard(ctx, &stubClipboard{err: errors.New("denied")}, logs, exportTime, logging.Discard()))
	assert.False(t, CopyToClipboard(ctx, panicClipboard{}, logs, exportTime, logging.Discard()))
}

func TestReport(t *testing.T) {
	logs := recorded(t)
	r := Report(logs, exportTime)

	order := []string{
		"SECURE TEST ASSESSMENT REPORT",
		"Attempt ID: 3f2a9c1e-77b0-4c39-9a51-0d6c1b2e8f44",
		"Generated: 2026-03-01T10:30:15.123Z",
		"SESSION INFORMATION",
		"Start Time: 2026-03-01T09:00:01Z",
		"End Time: 2026-03-01T09:42:04Z",
		"Duration: 42 minutes",
		"BROWSER INFORMATION",
		`"name": "Google Chrome"`,
		"EVENT SUMMARY",
		"Total Events: 9",
		fmt.Sprintf("%-30s %d", "TAB_HIDDEN", 2),
		"SECURITY ALERTS",
		"Tab Switches: 2",
		"Focus Lost: 0",
		"Copy Attempts: 1",
		"Paste Attempts: 0",
		"Fullscreen Exits: 0",
		"Blocked Shortcuts: 1",
		"DevTools Detected: 0",
		"INTEGRITY CHECK",
		"✓ Logs Submitted",
		"✓ Session Completed",
		"✓ Timer Status",
	}
	pos := 0
	for _, want := range order {
		i := strings.Index(r[pos:], want)
		require.GreaterOrEqual(t, i, 0, "missing or out of order: %q", want)
		pos += i + len(want)
	}

	// The most frequent type is listed first.
	summary := r[strings.Index(r, "Total Events"):strings.Index(r, "SECURITY ALERTS")]
	assert.Less(t, strings.Index(summary, "TAB_HIDDEN"), strings.Index(summary, "BROWSER_DETECTED"))
}

func TestReportEmpty(t *testing.T) {
	r := Report(nil, exportTime)
	assert.Contains(t, r, "Attempt ID: Unknown")
	assert.Contains(t, r, "Start Time: N/A")
	assert.Contains(t, r, "Duration: N/A")
	assert.Contains(t, r, "BROWSER INFORMATION\n"+thinRule+"\nN/A\n")
	assert.Contains(t, r, "✗ Logs Submitted")
	assert.Contains(t, r, "✗ Session Completed")
}

func TestReportTimerExpired(t *testing.T) {
	logs := []audit.Event{{EventType: audit.TimerExpired, Timestamp: exportTime, AttemptID: "a"}}
	assert.Contains(t, Report(logs, exportTime), "⚠ Timer Status")
}

func TestDurationRoundsHalfUp(t *testing.T) {
	start := exportTime
	assert.Equal(t, 0, durationMinutes(start, start.Add(29*time.Second)))
	assert.Equal(t, 1, durationMinutes(start, start.Add(30*time.Second)))
	assert.Equal(t, 2, durationMinutes(start, start.Add(150*time.Second)))
}

func TestMailtoURL(t *testing.T) {
	logs := recorded(t)
	link := MailtoURL(logs, "proctor@example.edu", exportTime)

	require.True(t, strings.HasPrefix(link, "mailto:proctor@example.edu?"))
	assert.NotContains(t, link, "+")

	u, err := url.Parse(link)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "Secure Test Logs - 3f2a9c1e", q.Get("subject"))

	body := q.Get("body")
	assert.Contains(t, body, "Total Events: 9")
	assert.Contains(t, body, `"TAB_HIDDEN": 2`)
	assert.NotContains(t, body, "attached as JSON")
	assert.NotContains(t, body, "say \"hi\"", "the body carries counts only")
	assert.Less(t, strings.Index(body, "BROWSER_DETECTED"), strings.Index(body, "SESSION_START"))
}

func TestTally(t *testing.T) {
	logs := []audit.Event{
		{EventType: audit.FocusLost},
		{EventType: audit.TabHidden},
		{EventType: audit.FocusLost},
	}
	assert.Equal(t, []Count{{audit.FocusLost, 2}, {audit.TabHidden, 1}}, Tally(logs))
	assert.Empty(t, Tally(nil))
	assert.Equal(t, "{}", summaryJSON(nil))
}
