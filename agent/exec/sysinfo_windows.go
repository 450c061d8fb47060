package exec

import (
	"fmt"

	"github.com/guseggert/rsupport/protocol"
	"golang.org/x/sys/windows"
)

func platformInfo(info *protocol.SysInfo) error {
	v := windows.RtlGetVersion()
	info.OSVersion = fmt.Sprintf("Windows %d.%d", v.MajorVersion, v.MinorVersion)
	info.Kernel = fmt.Sprintf("%d.%d.%d", v.MajorVersion, v.MinorVersion, v.BuildNumber)
	return nil
}
