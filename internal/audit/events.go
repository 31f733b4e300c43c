// Package audit implements the append-only event log of an attempt.
//
// The log lives in the store under a single key and is rewritten as a
// whole on every append. Once the attempt is submitted the log is sealed:
// appends and clears become no-ops.
package audit

import "time"

// EventType is the closed set of things the log can record.
type EventType string

const (
	BrowserDetected         EventType = "BROWSER_DETECTED"
	BrowserBlocked          EventType = "BROWSER_BLOCKED"
	FullscreenEnter         EventType = "FULLSCREEN_ENTER"
	FullscreenExit          EventType = "FULLSCREEN_EXIT"
	FullscreenDenied        EventType = "FULLSCREEN_DENIED"
	FullscreenRequest       EventType = "FULLSCREEN_REQUEST"
	TabHidden               EventType = "TAB_HIDDEN"
	TabVisible              EventType = "TAB_VISIBLE"
	CopyAttempt             EventType = "COPY_ATTEMPT"
	PasteAttempt            EventType = "PASTE_ATTEMPT"
	CutAttempt              EventType = "CUT_ATTEMPT"
	FocusLost               EventType = "FOCUS_LOST"
	FocusGained             EventType = "FOCUS_GAINED"
	TimerStart              EventType = "TIMER_START"
	TimerTick               EventType = "TIMER_TICK"
	TimerEnd                EventType = "TIMER_END"
	TimerExpired            EventType = "TIMER_EXPIRED"
	SessionStart            EventType = "SESSION_START"
	SessionEnd              EventType = "SESSION_END"
	SessionResume           EventType = "SESSION_RESUME"
	ContextMenuBlocked      EventType = "CONTEXT_MENU_BLOCKED"
	KeyboardShortcutBlocked EventType = "KEYBOARD_SHORTCUT_BLOCKED"
	DevtoolsDetected        EventType = "DEVTOOLS_DETECTED"
	LogsSubmitted           EventType = "LOGS_SUBMITTED"
	LogsBatchSent           EventType = "LOGS_BATCH_SENT"
	LogsBatchFailed         EventType = "LOGS_BATCH_FAILED"
	NetworkOnline           EventType = "NETWORK_ONLINE"
	NetworkOffline          EventType = "NETWORK_OFFLINE"
	PageRefresh             EventType = "PAGE_REFRESH"
	PageUnload              EventType = "PAGE_UNLOAD"
)

var knownTypes = map[EventType]struct{}{
	BrowserDetected: {}, BrowserBlocked: {},
	FullscreenEnter: {}, FullscreenExit: {}, FullscreenDenied: {}, FullscreenRequest: {},
	TabHidden: {}, TabVisible: {},
	CopyAttempt: {}, PasteAttempt: {}, CutAttempt: {},
	FocusLost: {}, FocusGained: {},
	TimerStart: {}, TimerTick: {}, TimerEnd: {}, TimerExpired: {},
	SessionStart: {}, SessionEnd: {}, SessionResume: {},
	ContextMenuBlocked: {}, KeyboardShortcutBlocked: {}, DevtoolsDetected: {},
	LogsSubmitted: {}, LogsBatchSent: {}, LogsBatchFailed: {},
	NetworkOnline: {}, NetworkOffline: {},
	PageRefresh: {}, PageUnload: {},
}

// Valid reports whether t is a member of the enumeration.
func (t EventType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Types returns every event type, in no particular order.
func Types() []EventType {
	out := make([]EventType, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	return out
}

// Event is one entry of the log.
type Event struct {
	EventType  EventType      `json:"eventType"`
	Timestamp  time.Time      `json:"timestamp"`
	AttemptID  string         `json:"attemptId"`
	QuestionID string         `json:"questionId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Entry is what producers hand to Logger.Log: an event without the
// timestamp and attempt ID, which the logger stamps.
type Entry struct {
	EventType  EventType
	QuestionID string
	Metadata   map[string]any
}
