//go:build linux

package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"proctord/internal/logging"
)

const (
	nmService   = "org.freedesktop.NetworkManager"
	nmPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface = "org.freedesktop.NetworkManager"
)

// NetworkWatcher turns NetworkManager connectivity changes into Online and
// Offline signals. It complements the page's own online/offline events,
// which a browser only raises for the interface it is using.
type NetworkWatcher struct {
	d    *Dispatcher
	conn *dbus.Conn
	log  *slog.Logger
	last Kind
}

// NewNetworkWatcher connects to the system bus.
func NewNetworkWatcher(d *Dispatcher) (*NetworkWatcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &NetworkWatcher{
		d:    d,
		conn: conn,
		log:  logging.Default().WithComponent("network"),
	}, nil
}

// Run dispatches a signal for every connectivity change until ctx is
// cancelled, then closes the bus connection.
func (w *NetworkWatcher) Run(ctx context.Context) error {
	defer w.conn.Close()

	if err := w.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(nmInterface),
		dbus.WithMatchMember("StateChanged"),
	); err != nil {
		return fmt.Errorf("match StateChanged: %w", err)
	}

	signals := make(chan *dbus.Signal, 8)
	w.conn.Signal(signals)
	defer w.conn.RemoveSignal(signals)

	if v, err := w.conn.Object(nmService, nmPath).GetProperty(nmInterface + ".State"); err == nil {
		if state, ok := v.Value().(uint32); ok {
			w.observe(state)
		}
	} else {
		w.log.Debug("read initial network state", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if sig.Name != nmInterface+".StateChanged" || len(sig.Body) == 0 {
				continue
			}
			if state, ok := sig.Body[0].(uint32); ok {
				w.observe(state)
			}
		}
	}
}

func (w *NetworkWatcher) observe(state uint32) {
	kind, ok := networkKind(state)
	if !ok || kind == w.last {
		return
	}
	first := w.last == ""
	w.last = kind
	// The initial reading only primes the edge detector.
	if first {
		w.log.Debug("initial network state", "state", state)
		return
	}
	w.log.Info("network state changed", "state", state, "signal", string(kind))
	w.d.Dispatch(&Event{Kind: kind})
}
