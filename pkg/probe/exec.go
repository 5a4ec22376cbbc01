package probe

import (
	"context"
	"os/exec"
	"runtime"
	"time"
)

// ExecPinger shells out to the system ping utility with a count of one.
type ExecPinger struct {
	Host string
	// Timeout bounds a single ping invocation; 0 leaves it to the OS default.
	Timeout time.Duration
}

func (p ExecPinger) IsReachable(ctx context.Context) bool {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "ping", pingArgs(runtime.GOOS, p.Host)...)
	return cmd.Run() == nil
}

func pingArgs(goos, host string) []string {
	count := "-c"
	if goos == "windows" {
		count = "-n"
	}
	return []string{count, "1", host}
}
