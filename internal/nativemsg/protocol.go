// Package nativemsg speaks Chrome's native messaging protocol with the
// proctord browser extension.
//
// Every message is a 32-bit length in native byte order followed by that
// many bytes of UTF-8 JSON. The browser refuses messages from the host
// larger than 1 MiB; messages towards the host are capped here at 64 MiB.
package nativemsg

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"proctord/internal/platform"
)

// Size limits, in bytes of JSON payload.
const (
	MaxOutgoing = 1 << 20
	MaxIncoming = 64 << 20
)

// HeaderSize is the length prefix size.
const HeaderSize = 4

var (
	// ErrTooLarge is returned for messages over the size limit.
	ErrTooLarge = errors.New("nativemsg: message too large")

	// ErrMalformed is returned for a well-framed message whose body is
	// not valid JSON. The stream stays usable.
	ErrMalformed = errors.New("nativemsg: malformed message")
)

// MessageType identifies a message.
type MessageType string

const (
	// Extension to host.
	MsgHello   MessageType = "hello"
	MsgSignal  MessageType = "signal"
	MsgResult  MessageType = "result"
	MsgCommand MessageType = "command"

	// Host to extension.
	MsgVerdict           MessageType = "verdict"
	MsgRequestFullscreen MessageType = "requestFullscreen"
	MsgGetDimensions     MessageType = "getDimensions"
	MsgWriteClipboard    MessageType = "writeClipboard"
	MsgState             MessageType = "state"
	MsgError             MessageType = "error"
)

// Message is the JSON body of every frame. Only the fields relevant to
// Type are set.
type Message struct {
	Type MessageType `json:"type"`

	// ID correlates a host request with the extension's result, and a
	// signal with the host's verdict.
	ID uint64 `json:"id,omitempty"`

	// Hello.
	UserAgent string `json:"userAgent,omitempty"`

	// Signal.
	Event *platform.Event `json:"event,omitempty"`

	// Verdict: whether the page must suppress the default action.
	Prevent bool `json:"prevent,omitempty"`

	// Command from the page: "submit", "restart" or "copyLogs".
	Command string `json:"command,omitempty"`

	// WriteClipboard.
	Text string `json:"text,omitempty"`

	// Result of GetDimensions.
	Dimensions *platform.Dimensions `json:"dimensions,omitempty"`

	// State pushed to the page for its timer and fullscreen indicators.
	State *State `json:"state,omitempty"`

	// Error of a failed request, or of an error message.
	Error string `json:"error,omitempty"`
}

// State is what the page renders.
type State struct {
	Remaining  string `json:"remaining"`
	Running    bool   `json:"running"`
	Fullscreen bool   `json:"fullscreen"`
	Submitted  bool   `json:"submitted"`
	Blocked    bool   `json:"blocked,omitempty"`
}

// WriteMessage frames and writes m.
func WriteMessage(w io.Writer, m *Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	if len(payload) > MaxOutgoing {
		return fmt.Errorf("%w: %s message is %d bytes", ErrTooLarge, m.Type, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.NativeEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads one frame. It returns io.EOF when the stream ends
// cleanly between frames.
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.NativeEndian.Uint32(hdr[:])
	if n > MaxIncoming {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}

	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &m, nil
}
