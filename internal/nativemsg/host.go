package nativemsg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/platform"
)

// ErrClosed is returned by requests made after the extension hung up.
var ErrClosed = errors.New("nativemsg: connection closed")

// CommandFunc handles a command sent by the page.
type CommandFunc func(ctx context.Context, command string)

// Host is the proctord end of a native messaging connection. It turns
// inbound signals into platform events and implements platform.Screen,
// platform.Window and platform.Clipboard by sending requests to the
// extension.
type Host struct {
	r   io.Reader
	w   io.Writer
	d   *platform.Dispatcher
	log *slog.Logger

	wmu sync.Mutex

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan *Message
	closed  bool
	done    chan struct{}

	hello     chan string
	helloOnce sync.Once

	onCommand CommandFunc
}

var (
	_ platform.Screen    = (*Host)(nil)
	_ platform.Window    = (*Host)(nil)
	_ platform.Clipboard = (*Host)(nil)
)

// HostOption configures a Host.
type HostOption func(*Host)

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) HostOption {
	return func(h *Host) { h.log = l }
}

// WithCommandHandler installs fn for page commands.
func WithCommandHandler(fn CommandFunc) HostOption {
	return func(h *Host) { h.onCommand = fn }
}

// NewHost returns a host reading from r and writing to w. For a real
// extension these are os.Stdin and os.Stdout.
func NewHost(r io.Reader, w io.Writer, d *platform.Dispatcher, opts ...HostOption) *Host {
	h := &Host{
		r:       r,
		w:       w,
		d:       d,
		pending: make(map[uint64]chan *Message),
		done:    make(chan struct{}),
		hello:   make(chan string, 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = logging.Default().WithComponent("nativemsg")
	}
	return h
}

// SetCommandHandler replaces the command handler. It must be called
// before Run.
func (h *Host) SetCommandHandler(fn CommandFunc) { h.onCommand = fn }

// Run reads messages until the extension closes the stream or ctx is
// cancelled. A clean hang-up returns nil. Run closes the host on return,
// failing any request still waiting for a result.
func (h *Host) Run(ctx context.Context) error {
	defer h.shutdown()

	msgs := make(chan *Message)
	errc := make(chan error, 1)
	go func() {
		for {
			m, err := ReadMessage(h.r)
			if errors.Is(err, ErrMalformed) {
				h.log.Warn("dropping malformed message", "err", err)
				continue
			}
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- m:
			case <-h.done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				h.log.Info("extension disconnected")
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		case m := <-msgs:
			metrics.NativeMessages.WithLabelValues(metrics.DirectionInbound).Inc()
			h.handle(ctx, m)
		}
	}
}

func (h *Host) handle(ctx context.Context, m *Message) {
	switch m.Type {
	case MsgHello:
		h.helloOnce.Do(func() { h.hello <- m.UserAgent })
	case MsgSignal:
		h.handleSignal(m)
	case MsgResult:
		h.mu.Lock()
		ch, ok := h.pending[m.ID]
		delete(h.pending, m.ID)
		h.mu.Unlock()
		if !ok {
			h.log.Debug("result for unknown request", "id", m.ID)
			return
		}
		ch <- m
	case MsgCommand:
		if h.onCommand == nil {
			h.log.Warn("no handler for command", "command", m.Command)
			return
		}
		h.onCommand(ctx, m.Command)
	default:
		h.log.Warn("unexpected message type", "type", string(m.Type))
		_ = h.Send(&Message{Type: MsgError, ID: m.ID, Error: fmt.Sprintf("unexpected message type %q", m.Type)})
	}
}

// handleSignal dispatches the event synchronously and answers with a
// verdict, so the page knows whether to suppress the default action.
func (h *Host) handleSignal(m *Message) {
	if m.Event == nil || !m.Event.Kind.Valid() {
		h.log.Warn("dropping invalid signal", "id", m.ID)
		return
	}
	prevent := h.d.Dispatch(m.Event)
	if m.ID == 0 {
		return
	}
	if err := h.Send(&Message{Type: MsgVerdict, ID: m.ID, Prevent: prevent}); err != nil {
		h.log.Error("send verdict", "err", err)
	}
}

// Hello waits for the extension's greeting and returns its User-Agent.
func (h *Host) Hello(ctx context.Context) (string, error) {
	select {
	case ua := <-h.hello:
		return ua, nil
	case <-h.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send writes one message to the extension.
func (h *Host) Send(m *Message) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if err := WriteMessage(h.w, m); err != nil {
		return err
	}
	metrics.NativeMessages.WithLabelValues(metrics.DirectionOutbound).Inc()
	return nil
}

// call sends a request and waits for the matching result.
func (h *Host) call(ctx context.Context, m *Message) (*Message, error) {
	m.ID = h.nextID.Add(1)
	ch := make(chan *Message, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.pending[m.ID] = ch
	h.mu.Unlock()

	forget := func() {
		h.mu.Lock()
		delete(h.pending, m.ID)
		h.mu.Unlock()
	}

	if err := h.Send(m); err != nil {
		forget()
		return nil, err
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return res, errors.New(res.Error)
		}
		return res, nil
	case <-h.done:
		return nil, ErrClosed
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// RequestFullscreen implements platform.Screen. The error text is the
// browser's refusal reason.
func (h *Host) RequestFullscreen(ctx context.Context) error {
	_, err := h.call(ctx, &Message{Type: MsgRequestFullscreen})
	return err
}

// Dimensions implements platform.Window.
func (h *Host) Dimensions(ctx context.Context) (platform.Dimensions, error) {
	res, err := h.call(ctx, &Message{Type: MsgGetDimensions})
	if err != nil {
		return platform.Dimensions{}, err
	}
	if res.Dimensions == nil {
		return platform.Dimensions{}, errors.New("nativemsg: result carries no dimensions")
	}
	return *res.Dimensions, nil
}

// WriteText implements platform.Clipboard.
func (h *Host) WriteText(ctx context.Context, text string) error {
	_, err := h.call(ctx, &Message{Type: MsgWriteClipboard, Text: text})
	return err
}

func (h *Host) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}
