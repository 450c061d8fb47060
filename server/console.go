package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/guseggert/rsupport/internal/clock"
	"github.com/guseggert/rsupport/protocol"
	"github.com/guseggert/rsupport/registry"
)

// Operator is what the console drives. *Server implements it.
type Operator interface {
	Clients() []registry.ClientRecord
	Execute(ctx context.Context, id, commandLine string) (protocol.CommandResponse, error)
	SysInfo(ctx context.Context, id string) (protocol.SysInfo, error)
	Ping(ctx context.Context, id string) (time.Duration, error)
	Shutdown(ctx context.Context, id string) error
	Log(ctx context.Context, id string, level protocol.LogLevel, message string) error
}

var _ Operator = (*Server)(nil)

const prompt = "rsupport> "

type consoleCommand struct {
	usage string
	help  string
	// args is the number of leading words split off the line; the last one keeps the rest verbatim.
	args int
	run  func(c *Console, ctx context.Context, args []string) error
}

var consoleCommands map[string]consoleCommand

func init() {
	consoleCommands = map[string]consoleCommand{
		"list":     {usage: "list", help: "list registered clients", run: (*Console).list},
		"execute":  {usage: "execute <id> <command line>", help: "run a command line on a client", args: 2, run: (*Console).execute},
		"sysinfo":  {usage: "sysinfo <id>", help: "show a client's system information", args: 1, run: (*Console).sysinfo},
		"ping":     {usage: "ping <id>", help: "measure the round trip to a client", args: 1, run: (*Console).ping},
		"shutdown": {usage: "shutdown <id>", help: "ask a client to stop", args: 1, run: (*Console).shutdown},
		"log":      {usage: "log <id> <debug|info|warning|error> <message>", help: "write a message to a client's log", args: 3, run: (*Console).log},
		"help":     {usage: "help", help: "show this help", run: (*Console).help},
		"exit":     {usage: "exit", help: "leave the console"},
	}
}

// Console is a line oriented operator interface.
type Console struct {
	op     Operator
	in     io.Reader
	out    io.Writer
	clock  clock.Clock
	styles *lipgloss.Renderer
}

func NewConsole(op Operator, in io.Reader, out io.Writer) *Console {
	return &Console{op: op, in: in, out: out, clock: clock.Real(), styles: lipgloss.NewRenderer(out)}
}

// Run reads commands until exit, end of input, or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	fmt.Fprint(c.out, prompt)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.Exec(ctx, scanner.Text()) {
			return nil
		}
		fmt.Fprint(c.out, prompt)
	}
	fmt.Fprintln(c.out)
	return scanner.Err()
}

// Exec runs one command line and reports whether the console should keep going.
func (c *Console) Exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	name, rest, _ := strings.Cut(line, " ")
	if name == "exit" || name == "quit" {
		return false
	}
	cmd, ok := consoleCommands[name]
	if !ok {
		c.errorf("unknown command %q, try help", name)
		return true
	}
	args := splitArgs(rest, cmd.args)
	if len(args) < cmd.args {
		c.errorf("usage: %s", cmd.usage)
		return true
	}
	if err := cmd.run(c, ctx, args); err != nil {
		c.errorf("%s", err)
	}
	return true
}

// splitArgs splits s into at most n words. The last word is the unsplit remainder.
func splitArgs(s string, n int) []string {
	var args []string
	s = strings.TrimSpace(s)
	for len(args) < n && s != "" {
		if len(args) == n-1 {
			args = append(args, s)
			break
		}
		word, rest, _ := strings.Cut(s, " ")
		args = append(args, word)
		s = strings.TrimSpace(rest)
	}
	return args
}

func (c *Console) errorf(format string, a ...any) {
	style := c.styles.NewStyle().Foreground(lipgloss.Color("1"))
	fmt.Fprintln(c.out, style.Render("error: "+fmt.Sprintf(format, a...)))
}

var statusColors = map[registry.Status]lipgloss.Color{
	registry.StatusActive:       lipgloss.Color("2"),
	registry.StatusStale:        lipgloss.Color("3"),
	registry.StatusUnresponsive: lipgloss.Color("1"),
}

func (c *Console) list(ctx context.Context, _ []string) error {
	clients := c.op.Clients()
	if len(clients) == 0 {
		fmt.Fprintln(c.out, "no clients registered")
		return nil
	}
	now := c.clock.Now()
	header := []string{"ID", "HOST", "USER", "OS", "STATUS", "LAST SEEN"}
	rows := make([][]string, 0, len(clients))
	for _, rec := range clients {
		osName := string(rec.OSKind)
		if rec.OSVersion != "" {
			osName += " (" + rec.OSVersion + ")"
		}
		rows = append(rows, []string{
			rec.ID,
			rec.DisplayName,
			rec.Username,
			osName,
			string(rec.Status),
			now.Sub(rec.LastHeartbeatAt).Round(time.Second).String() + " ago",
		})
	}

	widths := make([]int, len(header))
	for _, row := range append([][]string{header}, rows...) {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	render := func(row []string, bold bool) {
		var b strings.Builder
		for i, cell := range row {
			style := c.styles.NewStyle().Bold(bold)
			if i < len(row)-1 {
				style = style.Width(widths[i] + 2)
			}
			if color, ok := statusColors[registry.Status(cell)]; ok && i == 4 && !bold {
				style = style.Foreground(color)
			}
			b.WriteString(style.Render(cell))
		}
		fmt.Fprintln(c.out, b.String())
	}
	render(header, true)
	for _, row := range rows {
		render(row, false)
	}
	return nil
}

func (c *Console) execute(ctx context.Context, args []string) error {
	resp, err := c.op.Execute(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if resp.Stdout != "" {
		fmt.Fprint(c.out, withNewline(resp.Stdout))
	}
	if resp.Stderr != "" {
		fmt.Fprintln(c.out, c.styles.NewStyle().Foreground(lipgloss.Color("3")).Render(strings.TrimSuffix(resp.Stderr, "\n")))
	}
	status := fmt.Sprintf("exit code %d (%dms)", resp.ExitCode, resp.DurationMS)
	if !resp.Success {
		status = "failed: " + status
		if resp.Error != "" {
			status += ": " + resp.Error
		}
	}
	fmt.Fprintln(c.out, status)
	return nil
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func (c *Console) sysinfo(ctx context.Context, args []string) error {
	info, err := c.op.SysInfo(ctx, args[0])
	if err != nil {
		return err
	}
	fields := [][2]string{
		{"Hostname", info.Hostname},
		{"Username", info.Username},
		{"OS", info.OS},
		{"OS version", info.OSVersion},
		{"Kernel", info.Kernel},
		{"Arch", info.Arch},
		{"CPUs", fmt.Sprint(info.CPUs)},
	}
	if info.MemoryTotalBytes > 0 {
		fields = append(fields, [2]string{"Memory", fmt.Sprintf("%d MiB", info.MemoryTotalBytes>>20)})
	}
	if info.UptimeSeconds > 0 {
		fields = append(fields, [2]string{"Uptime", (time.Duration(info.UptimeSeconds) * time.Second).String()})
	}
	label := c.styles.NewStyle().Bold(true).Width(12)
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		fmt.Fprintln(c.out, label.Render(f[0]+":")+f[1])
	}
	return nil
}

func (c *Console) ping(ctx context.Context, args []string) error {
	rtt, err := c.op.Ping(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "pong from %s in %s\n", args[0], rtt.Round(time.Microsecond))
	return nil
}

func (c *Console) shutdown(ctx context.Context, args []string) error {
	if err := c.op.Shutdown(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s is shutting down\n", args[0])
	return nil
}

func (c *Console) log(ctx context.Context, args []string) error {
	level, ok := protocol.ParseLogLevel(args[1])
	if !ok {
		return fmt.Errorf("unknown log level %q", args[1])
	}
	if err := c.op.Log(ctx, args[0], level, args[2]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "logged on %s\n", args[0])
	return nil
}

func (c *Console) help(context.Context, []string) error {
	names := make([]string, 0, len(consoleCommands))
	for name := range consoleCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	usage := c.styles.NewStyle().Width(50)
	for _, name := range names {
		cmd := consoleCommands[name]
		fmt.Fprintln(c.out, usage.Render(cmd.usage)+cmd.help)
	}
	return nil
}
