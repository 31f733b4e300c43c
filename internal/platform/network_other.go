//go:build !linux

package platform

import (
	"context"
	"errors"
)

// NetworkWatcher is only implemented on Linux.
type NetworkWatcher struct{}

// NewNetworkWatcher always fails outside Linux.
func NewNetworkWatcher(d *Dispatcher) (*NetworkWatcher, error) {
	return nil, errors.New("network watcher: not supported on this platform")
}

// Run returns immediately.
func (w *NetworkWatcher) Run(ctx context.Context) error { return nil }
