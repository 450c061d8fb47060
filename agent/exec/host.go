// Package exec runs operator commands and collects system information on a client host.
package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"os/user"
	"runtime"
	"strings"
	"time"

	"github.com/guseggert/rsupport/protocol"
	"go.uber.org/zap"
)

// DefaultMaxOutput caps each of stdout and stderr of a command.
const DefaultMaxOutput = 1 << 20

const waitDelay = time.Second

// Result is the outcome of running one command line.
type Result struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Err      string
	Duration time.Duration
}

// Response converts the result to its wire form.
func (r Result) Response() protocol.CommandResponse {
	return protocol.CommandResponse{
		Success:    r.Success,
		ExitCode:   r.ExitCode,
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		Error:      r.Err,
		DurationMS: r.Duration.Milliseconds(),
	}
}

// Host is what a client can do on the machine it runs on.
type Host interface {
	// Execute runs a command line through the platform shell. It never fails: problems
	// starting or running the command are reported in the Result.
	Execute(ctx context.Context, commandLine string) Result
	// SysInfo describes the machine. Fields that cannot be read are left empty.
	SysInfo(ctx context.Context) (protocol.SysInfo, error)
}

// Local is the Host for the machine the process runs on.
type Local struct {
	Log *zap.SugaredLogger
	// MaxOutput caps stdout and stderr separately. Zero means DefaultMaxOutput.
	MaxOutput int
	// Dir is the working directory of commands. Empty means the process's own.
	Dir string
}

func (l *Local) log() *zap.SugaredLogger {
	if l.Log == nil {
		return zap.NewNop().Sugar()
	}
	return l.Log
}

func (l *Local) Execute(ctx context.Context, commandLine string) Result {
	start := time.Now()
	if strings.TrimSpace(commandLine) == "" {
		return Result{ExitCode: -1, Err: "empty command line"}
	}
	limit := l.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}

	cmd := shellCommand(ctx, commandLine)
	cmd.Dir = l.Dir
	// a killed shell may leave children holding the output pipes
	cmd.WaitDelay = waitDelay
	stdout := newCappedBuffer(limit)
	stderr := newCappedBuffer(limit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	l.log().Debugw("running command", "CommandLine", commandLine)
	err := cmd.Run()

	res := Result{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *osexec.ExitError
	switch {
	case err == nil:
		res.Success = true
	case ctx.Err() != nil:
		res.Err = fmt.Sprintf("command canceled: %s", ctx.Err())
	case errors.As(err, &exitErr):
		res.Err = exitErr.Error()
	default:
		res.Err = fmt.Sprintf("running command: %s", err)
	}
	l.log().Debugw("command finished", "CommandLine", commandLine, "ExitCode", res.ExitCode, "Duration", res.Duration)
	return res
}

func (l *Local) SysInfo(ctx context.Context) (protocol.SysInfo, error) {
	info := protocol.SysInfo{
		Username: Username(),
		OS:       string(protocol.OSKindFromGOOS(runtime.GOOS)),
		Arch:     runtime.GOARCH,
		CPUs:     runtime.NumCPU(),
	}
	var errs []error
	hostname, err := os.Hostname()
	if err != nil {
		errs = append(errs, fmt.Errorf("reading hostname: %w", err))
	}
	info.Hostname = hostname
	if err := platformInfo(&info); err != nil {
		errs = append(errs, err)
	}
	return info, errors.Join(errs...)
}

// Username returns the name of the user running the process.
func Username() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		name := u.Username
		// Windows reports DOMAIN\user
		if i := strings.LastIndex(name, `\`); i >= 0 {
			name = name[i+1:]
		}
		return name
	}
	for _, env := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return "unknown"
}
