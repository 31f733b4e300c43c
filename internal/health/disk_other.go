//go:build !linux && !darwin

package health

import "context"

// DiskSpaceCheck is not implemented on this platform and always reports
// healthy.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		return CheckResult{
			Status:  StatusHealthy,
			Message: "disk space not checked on this platform",
			Details: map[string]any{"path": path},
		}
	}
}
