//go:build linux || darwin

package health

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskSpaceCheck reports degraded when less than minFreeBytes are free
// on the file system holding path.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		var st unix.Statfs_t
		if err := unix.Statfs(path, &st); err != nil {
			return CheckResult{Status: StatusUnknown, Message: "statfs failed", Error: err.Error()}
		}
		free := uint64(st.Bavail) * uint64(st.Bsize)
		details := map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFreeBytes}
		if free < minFreeBytes {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("only %d bytes free", free),
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "disk space ok", Details: details}
	}
}
