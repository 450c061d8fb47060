package exec

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/guseggert/rsupport/protocol"
	"golang.org/x/sys/unix"
)

const osReleasePath = "/etc/os-release"

func platformInfo(info *protocol.SysInfo) error {
	info.OSVersion = readOSRelease(osReleasePath)

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fmt.Errorf("uname: %w", err)
	}
	info.Kernel = unix.ByteSliceToString(uts.Release[:])

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	info.MemoryTotalBytes = uint64(si.Totalram) * unit
	info.UptimeSeconds = int64(si.Uptime)
	return nil
}

// readOSRelease returns PRETTY_NAME from an os-release file, or "" if it cannot be read.
func readOSRelease(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || key != "PRETTY_NAME" {
			continue
		}
		return strings.Trim(value, `"'`)
	}
	return ""
}
