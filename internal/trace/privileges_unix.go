//go:build !windows

package trace

import (
	"fmt"
	"os"
	"strings"
)

// CheckPrivileges verifies that the process can open the raw sockets the
// engine needs. Returns nil if privileged, an actionable error otherwise.
func CheckPrivileges() error {
	if os.Geteuid() == 0 {
		return nil
	}

	if hasNetRawCapability() {
		return nil
	}

	return fmt.Errorf("mptrace requires elevated privileges for raw socket access.\n\nRun with: sudo %s", strings.Join(os.Args, " "))
}

// hasNetRawCapability checks for CAP_NET_RAW on Linux. On other Unix systems
// /proc/self/status does not exist and this reports false.
func hasNetRawCapability() bool {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false
	}

	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "CapEff:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return false
		}

		var capMask uint64
		if _, err := fmt.Sscanf(fields[1], "%x", &capMask); err != nil {
			return false
		}

		// CAP_NET_RAW is capability bit 13.
		const capNetRaw = 1 << 13
		return capMask&capNetRaw != 0
	}

	return false
}
