package nativemsg

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"proctord/internal/logging"
	"proctord/internal/platform"
)

func TestFraming(t *testing.T) {
	var b bytes.Buffer
	m := &Message{Type: MsgSignal, ID: 7, Event: &platform.Event{Kind: platform.Copy, Selection: "x"}}
	require.NoError(t, WriteMessage(&b, m))

	raw := b.Bytes()
	assert.EqualValues(t, len(raw)-HeaderSize, binary.NativeEndian.Uint32(raw[:HeaderSize]))

	got, err := ReadMessage(&b)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = ReadMessage(&b)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteRejectsOversize(t *testing.T) {
	var b bytes.Buffer
	err := WriteMessage(&b, &Message{Type: MsgWriteClipboard, Text: strings.Repeat("a", MaxOutgoing)})
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, b.Len(), "nothing written")
}

func TestReadErrors(t *testing.T) {
	frame := func(n uint32, payload string) io.Reader {
		var hdr [HeaderSize]byte
		binary.NativeEndian.PutUint32(hdr[:], n)
		return bytes.NewReader(append(hdr[:], payload...))
	}

	_, err := ReadMessage(frame(MaxIncoming+1, ""))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = ReadMessage(frame(10, `{"ty`))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadMessage(frame(3, `{x}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ReadMessage(bytes.NewReader([]byte{1, 0}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// peer is the extension side of a host under test.
type peer struct {
	t    *testing.T
	in   *io.PipeWriter
	out  *io.PipeReader
	host *Host
	d    *platform.Dispatcher
	errc chan error
}

func newPeer(t *testing.T, opts ...HostOption) *peer {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	d := platform.NewDispatcher()
	opts = append([]HostOption{WithLogger(logging.Discard())}, opts...)
	p := &peer{
		t:    t,
		in:   inW,
		out:  outR,
		host: NewHost(inR, outW, d, opts...),
		d:    d,
		errc: make(chan error, 1),
	}
	go func() { p.errc <- p.host.Run(context.Background()) }()
	t.Cleanup(func() {
		outW.Close()
		outR.Close()
	})
	return p
}

func (p *peer) send(m *Message) {
	p.t.Helper()
	require.NoError(p.t, WriteMessage(p.in, m))
}

func (p *peer) recv() *Message {
	p.t.Helper()
	m, err := ReadMessage(p.out)
	require.NoError(p.t, err)
	return m
}

// hangUp closes the extension's end and waits for Run to return.
func (p *peer) hangUp() error {
	p.in.Close()
	select {
	case err := <-p.errc:
		return err
	case <-time.After(5 * time.Second):
		p.t.Fatal("host did not stop")
		return nil
	}
}

func TestSignalVerdict(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := newPeer(t)

	var seen []platform.Kind
	p.d.Subscribe(platform.ContextMenu, func(e *platform.Event) {
		seen = append(seen, e.Kind)
		e.PreventDefault()
	})

	p.send(&Message{Type: MsgSignal, ID: 1, Event: &platform.Event{Kind: platform.ContextMenu, X: 3, Y: 4}})
	v := p.recv()
	assert.Equal(t, MsgVerdict, v.Type)
	assert.EqualValues(t, 1, v.ID)
	assert.True(t, v.Prevent)

	p.send(&Message{Type: MsgSignal, ID: 2, Event: &platform.Event{Kind: platform.Blur}})
	v = p.recv()
	assert.EqualValues(t, 2, v.ID)
	assert.False(t, v.Prevent)

	assert.NoError(t, p.hangUp())
	assert.Equal(t, []platform.Kind{platform.ContextMenu}, seen)
}

func TestMalformedAndInvalidAreSkipped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := newPeer(t)

	var hdr [HeaderSize]byte
	binary.NativeEndian.PutUint32(hdr[:], 3)
	_, err := p.in.Write(append(hdr[:], "{x}"...))
	require.NoError(t, err)
	p.send(&Message{Type: MsgSignal, ID: 1, Event: &platform.Event{Kind: "mousemove"}})
	p.send(&Message{Type: MsgSignal, ID: 2, Event: &platform.Event{Kind: platform.Focus}})

	v := p.recv()
	assert.EqualValues(t, 2, v.ID, "only the valid signal gets a verdict")
	assert.NoError(t, p.hangUp())
}

func TestUnexpectedTypeGetsError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := newPeer(t)

	p.send(&Message{Type: MsgVerdict, ID: 9})
	m := p.recv()
	assert.Equal(t, MsgError, m.Type)
	assert.EqualValues(t, 9, m.ID)
	assert.NoError(t, p.hangUp())
}

func TestHello(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := newPeer(t)

	p.send(&Message{Type: MsgHello, UserAgent: "Mozilla/5.0 Chrome/126.0"})
	ua, err := p.host.Hello(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Mozilla/5.0 Chrome/126.0", ua)
	assert.NoError(t, p.hangUp())
}

func TestRequests(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := newPeer(t)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- p.host.RequestFullscreen(ctx) }()
	req := p.recv()
	assert.Equal(t, MsgRequestFullscreen, req.Type)
	p.send(&Message{Type: MsgResult, ID: req.ID, Error: "Permissions check failed"})
	assert.EqualError(t, <-errc, "Permissions check failed")

	go func() { errc <- p.host.RequestFullscreen(ctx) }()
	req = p.recv()
	p.send(&Message{Type: MsgResult, ID: req.ID})
	assert.NoError(t, <-errc)

	dims := make(chan platform.Dimensions, 1)
	go func() {
		d, err := p.host.Dimensions(ctx)
		errc <- err
		dims <- d
	}()
	req = p.recv()
	assert.Equal(t, MsgGetDimensions, req.Type)
	want := platform.Dimensions{OuterWidth: 1280, InnerWidth: 1100, OuterHeight: 800, InnerHeight: 700}
	p.send(&Message{Type: MsgResult, ID: req.ID, Dimensions: &want})
	require.NoError(t, <-errc)
	assert.Equal(t, want, <-dims)

	go func() { errc <- p.host.WriteText(ctx, `{"logs":[]}`) }()
	req = p.recv()
	assert.Equal(t, MsgWriteClipboard, req.Type)
	assert.Equal(t, `{"logs":[]}`, req.Text)
	p.send(&Message{Type: MsgResult, ID: req.ID})
	assert.NoError(t, <-errc)

	assert.NoError(t, p.hangUp())
}

func TestHangUpFailsPendingRequest(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := newPeer(t)

	errc := make(chan error, 1)
	go func() { errc <- p.host.RequestFullscreen(context.Background()) }()
	p.recv()
	assert.NoError(t, p.hangUp())
	assert.ErrorIs(t, <-errc, ErrClosed)

	assert.ErrorIs(t, p.host.WriteText(context.Background(), "x"), ErrClosed)
	_, err := p.host.Hello(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCancelledRequest(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := newPeer(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.host.RequestFullscreen(ctx) }()
	req := p.recv()
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// A late result is ignored.
	p.send(&Message{Type: MsgResult, ID: req.ID})
	assert.NoError(t, p.hangUp())
}

func TestCommands(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	got := make(chan string, 2)
	p := newPeer(t, WithCommandHandler(func(_ context.Context, cmd string) { got <- cmd }))

	p.send(&Message{Type: MsgCommand, Command: "submit"})
	assert.Equal(t, "submit", <-got)
	assert.NoError(t, p.hangUp())
}

func TestTruncatedStreamIsAnError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := newPeer(t)

	_, err := p.in.Write([]byte{9, 0})
	require.NoError(t, err)
	err = p.hangUp()
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
