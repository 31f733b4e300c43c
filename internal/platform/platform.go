// Package platform abstracts the page environment that proctord polices.
// In production the environment is a browser extension on the far side
// of the native-messaging channel; in tests it is a Dispatcher driven by
// hand together with stub Screen, Window and Clipboard values.
package platform

import (
	"context"
	"errors"
	"strings"
)

// Kind names a signal the page can deliver.
type Kind string

const (
	VisibilityChange Kind = "visibilitychange"
	Blur             Kind = "blur"
	Focus            Kind = "focus"
	Copy             Kind = "copy"
	Cut              Kind = "cut"
	Paste            Kind = "paste"
	ContextMenu      Kind = "contextmenu"
	KeyDown          Kind = "keydown"
	FullscreenChange Kind = "fullscreenchange"
	Online           Kind = "online"
	Offline          Kind = "offline"
	BeforeUnload     Kind = "beforeunload"

	// Activity covers the user-activity signals: pointer press, key
	// press, scroll and touch. Event.Source says which.
	Activity Kind = "activity"
)

var kinds = map[Kind]bool{
	VisibilityChange: true, Blur: true, Focus: true, Copy: true, Cut: true,
	Paste: true, ContextMenu: true, KeyDown: true, FullscreenChange: true,
	Online: true, Offline: true, BeforeUnload: true, Activity: true,
}

// Valid reports whether k is a known signal kind.
func (k Kind) Valid() bool { return kinds[k] }

// KeyPress is a key-down with its modifier state.
type KeyPress struct {
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Meta  bool   `json:"meta,omitempty"`
}

// Upper returns the key name upper-cased.
func (k KeyPress) Upper() string { return strings.ToUpper(k.Key) }

// Event is one signal delivered by the page. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind Kind `json:"kind"`

	// Hidden is the document visibility after a VisibilityChange.
	Hidden bool `json:"hidden,omitempty"`

	// Selection is the selected text at the time of a Copy or Cut.
	Selection string `json:"selection,omitempty"`

	// X and Y are the cursor coordinates of a ContextMenu.
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	Key KeyPress `json:"key,omitzero"`

	// Fullscreen is the presentation state after a FullscreenChange.
	Fullscreen bool `json:"fullscreen,omitempty"`

	// Source is the DOM event behind an Activity signal.
	Source string `json:"source,omitempty"`

	QuestionID string `json:"questionId,omitempty"`

	prevented bool
}

// PreventDefault asks the page to suppress the browser's default action.
func (e *Event) PreventDefault() { e.prevented = true }

// DefaultPrevented reports whether a handler called PreventDefault.
func (e *Event) DefaultPrevented() bool { return e.prevented }

// Handler reacts to one event. Handlers run synchronously on the
// dispatching goroutine and must return quickly.
type Handler func(*Event)

// Bus delivers page signals to subscribers.
type Bus interface {
	// Subscribe registers h for kind and returns a function that
	// unregisters it. The returned function is idempotent.
	Subscribe(kind Kind, h Handler) (dispose func())
}

// Dimensions are the outer and inner sizes of the browser window.
type Dimensions struct {
	OuterWidth  int `json:"outerWidth"`
	InnerWidth  int `json:"innerWidth"`
	OuterHeight int `json:"outerHeight"`
	InnerHeight int `json:"innerHeight"`
}

// Screen can switch the page into fullscreen presentation.
type Screen interface {
	RequestFullscreen(ctx context.Context) error
}

// Window reports window geometry.
type Window interface {
	Dimensions(ctx context.Context) (Dimensions, error)
}

// Clipboard writes plain text to the system clipboard.
type Clipboard interface {
	WriteText(ctx context.Context, text string) error
}

// ErrUnavailable is returned by platform adapters when the page is not
// connected.
var ErrUnavailable = errors.New("platform: page not connected")
