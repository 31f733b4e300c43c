package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/audit"
	"proctord/internal/logging"
	"proctord/internal/platform"
	"proctord/internal/proctor"
	"proctord/internal/store"
)

func TestPageState(t *testing.T) {
	r := 125
	st := pageState(proctor.State{Remaining: &r, Running: true, Fullscreen: true})
	assert.Equal(t, "02:05", st.Remaining)
	assert.True(t, st.Running)
	assert.True(t, st.Fullscreen)
	assert.False(t, st.Submitted)

	assert.Equal(t, "00:00", pageState(proctor.State{Submitted: true}).Remaining)
}

func TestAttemptRestartOpensNext(t *testing.T) {
	shared := store.NewShared(store.NewMemory())
	deps := proctor.Deps{
		Shared:    shared,
		Bus:       platform.NewDispatcher(),
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Log:       logging.Discard(),
	}
	ctx := context.Background()
	at := &attempt{
		opts: proctor.Options{RequireChrome: true},
		open: func(opts proctor.Options) (*proctor.Proctor, error) {
			return proctor.Open(ctx, deps, opts)
		},
	}
	p, err := at.open(at.opts)
	require.NoError(t, err)
	at.p = p
	defer at.close()

	first := p.AttemptID()
	require.NoError(t, at.handle(ctx, proctor.CommandSubmit))
	assert.True(t, at.current().Submitted())

	require.NoError(t, at.handle(ctx, proctor.CommandRestart))
	next := at.current()
	require.NotNil(t, next)
	assert.NotEqual(t, first, next.AttemptID())
	assert.False(t, next.Submitted())
	assert.Equal(t, audit.BrowserDetected, next.Logs()[0].EventType)

	assert.ErrorIs(t, at.handle(ctx, "dance"), proctor.ErrUnknownCommand)
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(context.Canceled))
	assert.NoError(t, ignoreCanceled(nil))
	assert.Error(t, ignoreCanceled(assert.AnError))
}
