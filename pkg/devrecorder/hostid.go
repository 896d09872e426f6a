package devrecorder

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	hostIDOnce sync.Once
	hostID     string
)

// HostID returns a best-effort hardware UUID of the machine the devices are
// attached to, so several hosts can share one device table. On macOS it uses
// system_profiler; on Linux it prefers /etc/machine-id then
// /sys/class/dmi/id/product_uuid. Falls back to the hostname.
func HostID() string {
	hostIDOnce.Do(func() {
		hostID = lookupHostID()
		if hostID == "" {
			hostID, _ = os.Hostname()
		}
	})
	return hostID
}

func lookupHostID() string {
	switch runtime.GOOS {
	case "darwin":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if id := readSystemFile(path); id != "" {
				return id
			}
		}
	}
	return ""
}

func readSystemFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
