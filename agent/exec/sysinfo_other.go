//go:build !linux && !windows

package exec

import (
	"runtime"

	"github.com/guseggert/rsupport/protocol"
)

func platformInfo(info *protocol.SysInfo) error {
	info.OSVersion = runtime.GOOS
	return nil
}
