//go:build windows

package exec

import (
	"context"
	osexec "os/exec"
)

func shellCommand(ctx context.Context, commandLine string) *osexec.Cmd {
	return osexec.CommandContext(ctx, "cmd", "/C", commandLine)
}
