// Package hostid identifies the machine running the harness so outcome rows
// from several benches can be told apart.
package hostid

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

const probeTimeout = 5 * time.Second

var (
	once   sync.Once
	cached string
)

// Get returns a best-effort hardware UUID for the host, falling back to the
// hostname. The lookup runs once per process.
func Get() string {
	once.Do(func() {
		id, err := hostUUID()
		if err != nil || id == "" {
			id, _ = os.Hostname()
		}
		cached = strings.TrimSpace(id)
	})
	return cached
}

// hostUUID uses `system_profiler` on macOS. On Linux it prefers
// /etc/machine-id then falls back to /sys/class/dmi/id/product_uuid.
func hostUUID() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		cmd := exec.CommandContext(ctx, "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	case "linux":
		return firstNonEmpty("/etc/machine-id", "/sys/class/dmi/id/product_uuid"), nil
	default:
		return "", nil
	}
}

func firstNonEmpty(paths ...string) string {
	for _, path := range paths {
		if id, err := readSystemFile(path); err == nil && id != "" {
			return id
		}
	}
	return ""
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
