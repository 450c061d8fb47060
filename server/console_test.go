package server

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/rsupport/correlator"
	"github.com/guseggert/rsupport/internal/clock"
	"github.com/guseggert/rsupport/protocol"
	"github.com/guseggert/rsupport/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOperator struct {
	clients []registry.ClientRecord
	calls   []string
}

func (f *fakeOperator) Clients() []registry.ClientRecord { return f.clients }

func (f *fakeOperator) Execute(ctx context.Context, id, commandLine string) (protocol.CommandResponse, error) {
	f.calls = append(f.calls, "execute "+id+" "+commandLine)
	if id == "gone" {
		return protocol.CommandResponse{}, fmt.Errorf("%w: %s", correlator.ErrClientUnavailable, id)
	}
	if commandLine == "false" {
		return protocol.CommandResponse{ExitCode: 1, Stderr: "nope", Error: "exit status 1", DurationMS: 3}, nil
	}
	return protocol.CommandResponse{Success: true, Stdout: "out", DurationMS: 7}, nil
}

func (f *fakeOperator) SysInfo(ctx context.Context, id string) (protocol.SysInfo, error) {
	f.calls = append(f.calls, "sysinfo "+id)
	return protocol.SysInfo{Hostname: "box", OS: "Linux", Arch: "arm64", CPUs: 4, MemoryTotalBytes: 8 << 30}, nil
}

func (f *fakeOperator) Ping(ctx context.Context, id string) (time.Duration, error) {
	f.calls = append(f.calls, "ping "+id)
	return 1500 * time.Microsecond, nil
}

func (f *fakeOperator) Shutdown(ctx context.Context, id string) error {
	f.calls = append(f.calls, "shutdown "+id)
	return nil
}

func (f *fakeOperator) Log(ctx context.Context, id string, level protocol.LogLevel, message string) error {
	f.calls = append(f.calls, fmt.Sprintf("log %s %s %s", id, level, message))
	return nil
}

func runConsole(t *testing.T, op Operator, input string) string {
	t.Helper()
	out := &bytes.Buffer{}
	c := NewConsole(op, strings.NewReader(input), out)
	c.clock = clock.Fake(t0.Add(time.Minute))
	require.NoError(t, c.Run(context.Background()))
	return out.String()
}

func TestConsoleList(t *testing.T) {
	op := &fakeOperator{clients: []registry.ClientRecord{
		{ID: "alice-box", DisplayName: "box", Username: "alice", OSKind: protocol.OSLinux, OSVersion: "Ubuntu 22.04", Status: registry.StatusActive, LastHeartbeatAt: t0.Add(50 * time.Second)},
		{ID: "bob-pc", DisplayName: "pc", Username: "bob", OSKind: protocol.OSWindows, Status: registry.StatusStale, LastHeartbeatAt: t0},
	}}
	out := runConsole(t, op, "list\n")

	assert.Regexp(t, regexp.MustCompile(`ID\s+HOST\s+USER\s+OS\s+STATUS\s+LAST SEEN`), out)
	assert.Regexp(t, regexp.MustCompile(`alice-box\s+box\s+alice\s+Linux \(Ubuntu 22.04\)\s+Active\s+10s ago`), out)
	assert.Regexp(t, regexp.MustCompile(`bob-pc\s+pc\s+bob\s+Windows\s+Stale\s+1m0s ago`), out)
}

func TestConsoleListEmpty(t *testing.T) {
	assert.Contains(t, runConsole(t, &fakeOperator{}, "list\n"), "no clients registered")
}

func TestConsoleCommands(t *testing.T) {
	op := &fakeOperator{}
	input := strings.Join([]string{
		"execute alice-box echo  hello   world",
		"execute alice-box false",
		"sysinfo alice-box",
		"ping alice-box",
		"log alice-box WARN disk is almost full",
		"shutdown alice-box",
		"",
		"exit",
		"ping never-reached",
	}, "\n")
	out := runConsole(t, op, input)

	assert.Equal(t, []string{
		"execute alice-box echo  hello   world",
		"execute alice-box false",
		"sysinfo alice-box",
		"ping alice-box",
		"log alice-box warning disk is almost full",
		"shutdown alice-box",
	}, op.calls)

	assert.Contains(t, out, "out\nexit code 0 (7ms)")
	assert.Contains(t, out, "nope\n")
	assert.Contains(t, out, "failed: exit code 1 (3ms): exit status 1")
	assert.Regexp(t, regexp.MustCompile(`Hostname:\s+box`), out)
	assert.Regexp(t, regexp.MustCompile(`Memory:\s+8192 MiB`), out)
	assert.Contains(t, out, "pong from alice-box in 1.5ms")
	assert.Contains(t, out, "logged on alice-box")
	assert.Contains(t, out, "alice-box is shutting down")
}

func TestConsoleErrors(t *testing.T) {
	op := &fakeOperator{}
	out := runConsole(t, op, strings.Join([]string{
		"frobnicate",
		"execute alice-box",
		"sysinfo",
		"log alice-box loud hi",
		"execute gone ls",
	}, "\n"))

	assert.Contains(t, out, `error: unknown command "frobnicate", try help`)
	assert.Contains(t, out, "error: usage: execute <id> <command line>")
	assert.Contains(t, out, "error: usage: sysinfo <id>")
	assert.Contains(t, out, `error: unknown log level "loud"`)
	assert.Contains(t, out, "error: client unavailable: gone")
	assert.Equal(t, []string{"execute gone ls"}, op.calls)
}

func TestConsoleHelp(t *testing.T) {
	out := runConsole(t, &fakeOperator{}, "help\n")
	for _, name := range []string{"list", "execute", "sysinfo", "ping", "shutdown", "log", "exit"} {
		assert.Contains(t, out, name)
	}
}

func TestSplitArgs(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want []string
	}{
		{in: "", n: 2, want: nil},
		{in: "a", n: 2, want: []string{"a"}},
		{in: "a b c", n: 2, want: []string{"a", "b c"}},
		{in: "  a   b  c ", n: 2, want: []string{"a", "b  c"}},
		{in: "a b c", n: 1, want: []string{"a b c"}},
		{in: "a b c d", n: 3, want: []string{"a", "b", "c d"}},
		{in: "a b", n: 0, want: nil},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, splitArgs(c.in, c.n), "splitArgs(%q, %d)", c.in, c.n)
	}
}
