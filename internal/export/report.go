package export

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"proctord/internal/audit"
)

// Count is the number of events of one type.
type Count struct {
	Type  audit.EventType `json:"type"`
	Count int             `json:"count"`
}

// Tally counts events per type, in order of each type's first
// appearance.
func Tally(logs []audit.Event) []Count {
	idx := make(map[audit.EventType]int)
	var out []Count
	for _, e := range logs {
		i, ok := idx[e.EventType]
		if !ok {
			i = len(out)
			idx[e.EventType] = i
			out = append(out, Count{Type: e.EventType})
		}
		out[i].Count++
	}
	return out
}

func countOf(counts []Count, t audit.EventType) int {
	for _, c := range counts {
		if c.Type == t {
			return c.Count
		}
	}
	return 0
}

func find(logs []audit.Event, t audit.EventType) (audit.Event, bool) {
	for _, e := range logs {
		if e.EventType == t {
			return e, true
		}
	}
	return audit.Event{}, false
}

// Alert is one line of the SECURITY ALERTS section.
type Alert struct {
	Label string
	Type  audit.EventType
}

// Alerts lists the counters of the SECURITY ALERTS section, in order.
var Alerts = []Alert{
	{"Tab Switches", audit.TabHidden},
	{"Focus Lost", audit.FocusLost},
	{"Copy Attempts", audit.CopyAttempt},
	{"Paste Attempts", audit.PasteAttempt},
	{"Fullscreen Exits", audit.FullscreenExit},
	{"Blocked Shortcuts", audit.KeyboardShortcutBlocked},
	{"DevTools Detected", audit.DevtoolsDetected},
}

const (
	rule     = "================================================="
	thinRule = "-------------------------------------------------"
)

// Report renders the fixed-layout review report.
func Report(logs []audit.Event, now time.Time) string {
	counts := Tally(logs)
	var b strings.Builder

	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	section := func(title string) {
		line("")
		line(thinRule)
		line(title)
		line(thinRule)
	}

	attempt := "Unknown"
	if len(logs) > 0 && logs[0].AttemptID != "" {
		attempt = logs[0].AttemptID
	}

	line("")
	line(rule)
	line("        SECURE TEST ASSESSMENT REPORT")
	line(rule)
	line("")
	line("Attempt ID: %s", attempt)
	line("Generated: %s", now.UTC().Format(time.RFC3339Nano))

	section("SESSION INFORMATION")
	start, hasStart := find(logs, audit.SessionStart)
	end, hasEnd := find(logs, audit.SessionEnd)
	line("Start Time: %s", stamp(start, hasStart))
	line("End Time: %s", stamp(end, hasEnd))
	if hasStart && hasEnd {
		line("Duration: %d minutes", durationMinutes(start.Timestamp, end.Timestamp))
	} else {
		line("Duration: N/A")
	}

	section("BROWSER INFORMATION")
	line("%s", browserInfo(logs))

	section("EVENT SUMMARY")
	line("Total Events: %d", len(logs))
	line("")
	sorted := append([]Count(nil), counts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Count > sorted[j].Count })
	for _, c := range sorted {
		line("%-30s %d", c.Type, c.Count)
	}

	section("SECURITY ALERTS")
	for _, a := range Alerts {
		line("%s: %d", a.Label, countOf(counts, a.Type))
	}

	section("INTEGRITY CHECK")
	line("%s Logs Submitted", mark(countOf(counts, audit.LogsSubmitted) > 0, "✓", "✗"))
	line("%s Session Completed", mark(hasEnd, "✓", "✗"))
	line("%s Timer Status", mark(countOf(counts, audit.TimerExpired) > 0, "⚠", "✓"))
	line("")
	line(rule)

	return b.String()
}

func stamp(e audit.Event, ok bool) string {
	if !ok {
		return "N/A"
	}
	return e.Timestamp.UTC().Format(time.RFC3339Nano)
}

// durationMinutes rounds half up, like the session clock on the page.
func durationMinutes(start, end time.Time) int {
	return int(math.Floor(end.Sub(start).Minutes() + 0.5))
}

func browserInfo(logs []audit.Event) string {
	e, ok := find(logs, audit.BrowserDetected)
	if !ok || e.Metadata == nil {
		return "N/A"
	}
	data, err := json.MarshalIndent(e.Metadata, "", "  ")
	if err != nil {
		return "N/A"
	}
	return string(data)
}

func mark(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}
