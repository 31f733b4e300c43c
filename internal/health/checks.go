package health

import (
	"context"
	"errors"

	"proctord/internal/audit"
	"proctord/internal/session"
	"proctord/internal/store"
)

// StoreCheck pings the persistent store.
func StoreCheck(shared *store.Shared) Check {
	return func(ctx context.Context) CheckResult {
		if err := shared.Ping(); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "store unavailable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "store ok"}
	}
}

// SessionCheck reports the open attempt. No session at all is degraded:
// events would still be logged, but bound to nothing a reviewer can find.
func SessionCheck(sessions *session.Manager) Check {
	return func(ctx context.Context) CheckResult {
		s, ok := sessions.Get()
		if !ok {
			return CheckResult{Status: StatusDegraded, Message: "no session"}
		}
		details := map[string]any{
			"attempt_id":    s.AttemptID,
			"submitted":     s.IsSubmitted,
			"last_activity": s.LastActivity,
		}
		if s.RemainingTime != nil {
			details["remaining_seconds"] = *s.RemainingTime
		}
		return CheckResult{Status: StatusHealthy, Message: "session open", Details: details}
	}
}

// EventLogCheck decodes the event log. A corrupt log is degraded, since
// the next append replaces it.
func EventLogCheck(shared *store.Shared) Check {
	return func(ctx context.Context) CheckResult {
		events, err := audit.ReadLogs(shared)
		switch {
		case errors.Is(err, store.ErrClosed):
			return CheckResult{Status: StatusUnhealthy, Message: "store closed", Error: err.Error()}
		case err != nil:
			return CheckResult{Status: StatusDegraded, Message: "event log unreadable", Error: err.Error()}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "event log ok",
			Details: map[string]any{"events": len(events)},
		}
	}
}
