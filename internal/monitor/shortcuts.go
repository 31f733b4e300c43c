package monitor

import (
	"strings"

	"proctord/internal/platform"
)

// Shortcut describes a blocked key combination. Keys compare
// upper-cased, so "F12" and "f12" are the same key. Ctrl is satisfied by
// either Control or Meta. Shift is exact: a shortcut with Shift false
// matches only while Shift is NOT held.
type Shortcut struct {
	Key   string `toml:"key" json:"key" yaml:"key" validate:"required"`
	Ctrl  bool   `toml:"ctrl" json:"ctrl" yaml:"ctrl"`
	Shift bool   `toml:"shift" json:"shift" yaml:"shift"`
}

// DefaultShortcuts covers the developer tools, view source, print and
// save combinations.
func DefaultShortcuts() []Shortcut {
	return []Shortcut{
		{Key: "I", Ctrl: true, Shift: true},
		{Key: "J", Ctrl: true, Shift: true},
		{Key: "C", Ctrl: true, Shift: true},
		{Key: "F12"},
		{Key: "U", Ctrl: true},
		{Key: "P", Ctrl: true},
		{Key: "S", Ctrl: true},
	}
}

// Matches reports whether k triggers s.
func (s Shortcut) Matches(k platform.KeyPress) bool {
	if strings.ToUpper(s.Key) != k.Upper() {
		return false
	}
	if s.Ctrl && !k.Ctrl && !k.Meta {
		return false
	}
	return s.Shift == k.Shift
}

// Match reports whether any shortcut in table matches k.
func Match(table []Shortcut, k platform.KeyPress) bool {
	for _, s := range table {
		if s.Matches(k) {
			return true
		}
	}
	return false
}
