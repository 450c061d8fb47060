package server

import (
	"context"
	"testing"
	"time"

	"github.com/guseggert/rsupport/agent"
	"github.com/guseggert/rsupport/agent/exec"
	"github.com/guseggert/rsupport/correlator"
	"github.com/guseggert/rsupport/heartbeat"
	"github.com/guseggert/rsupport/internal/clock"
	"github.com/guseggert/rsupport/protocol"
	"github.com/guseggert/rsupport/registry"
	"github.com/guseggert/rsupport/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "rs"

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeHost struct{}

func (fakeHost) Execute(ctx context.Context, commandLine string) exec.Result {
	switch commandLine {
	case "false":
		return exec.Result{ExitCode: 1, Err: "exit status 1"}
	case "sleep":
		<-ctx.Done()
		return exec.Result{ExitCode: -1, Err: "command canceled"}
	}
	return exec.Result{Success: true, Stdout: commandLine + "\n"}
}

func (fakeHost) sysInfo() protocol.SysInfo {
	return protocol.SysInfo{
		Hostname:         "box",
		Username:         "alice",
		OS:               "Linux",
		OSVersion:        "Debian GNU/Linux 12 (bookworm)",
		Kernel:           "6.1.0-18-amd64",
		Arch:             "amd64",
		CPUs:             8,
		MemoryTotalBytes: 16 << 30,
		UptimeSeconds:    3600,
	}
}

func (h fakeHost) SysInfo(ctx context.Context) (protocol.SysInfo, error) {
	return h.sysInfo(), nil
}

func startServer(t *testing.T, broker *transport.MemoryBroker, opts ...Option) *Server {
	t.Helper()
	conn := broker.Connect()
	t.Cleanup(func() { _ = conn.Close() })
	s, err := New(conn, append([]Option{WithPrefix(prefix)}, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errc)
	})
	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	return s
}

func startAgent(t *testing.T, broker *transport.MemoryBroker, id string) <-chan error {
	t.Helper()
	dial := func(context.Context) (transport.Bus, error) { return broker.Connect(), nil }
	a, err := agent.New(id, dial, fakeHost{}, agent.WithPrefix(prefix), agent.WithHeartbeatInterval(50*time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()
	return errc
}

func waitActive(t *testing.T, s *Server, id string) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Registry().IsActive(id) }, 5*time.Second, 10*time.Millisecond)
}

// publish sends a client message from a raw connection.
func publish(t *testing.T, conn *transport.MemoryConn, kind protocol.Kind, id string, env *protocol.Envelope) {
	t.Helper()
	subject, err := protocol.Address(prefix, id, kind)
	require.NoError(t, err)
	b, err := protocol.JSON.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.Publish(subject, b))
}

func TestEndToEnd(t *testing.T) {
	broker := transport.NewMemoryBroker()
	s := startServer(t, broker, WithCallTimeout(5*time.Second))
	agentErr := startAgent(t, broker, "alice-box")
	waitActive(t, s, "alice-box")
	ctx := context.Background()

	clients := s.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, "box", clients[0].DisplayName)
	assert.Equal(t, "alice", clients[0].Username)
	assert.Equal(t, protocol.OSLinux, clients[0].OSKind)

	resp, err := s.Execute(ctx, "alice-box", "echo hi")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "echo hi\n", resp.Stdout)

	resp, err = s.Execute(ctx, "alice-box", "false")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, 1, resp.ExitCode)

	info, err := s.SysInfo(ctx, "alice-box")
	require.NoError(t, err)
	assert.Equal(t, fakeHost{}.sysInfo(), info)

	rtt, err := s.Ping(ctx, "alice-box")
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	require.NoError(t, s.Log(ctx, "alice-box", protocol.LogInfo, "hello from the operator"))
	assert.ErrorIs(t, s.Log(ctx, "alice-box", "loud", "hello"), ErrRejected)

	require.NoError(t, s.Shutdown(ctx, "alice-box"))
	select {
	case err := <-agentErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not shut down")
	}

	calls := s.Metrics().Calls
	assert.Equal(t, float64(2), testutil.ToFloat64(calls.WithLabelValues("command_request", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(calls.WithLabelValues("sysinfo_request", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(calls.WithLabelValues("ping", "ok")))
	// a rejected log request is still a completed round trip
	assert.Equal(t, float64(2), testutil.ToFloat64(calls.WithLabelValues("log_request", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(calls.WithLabelValues("shutdown_request", "ok")))
}

func TestCallsToUnknownClientPublishNothing(t *testing.T) {
	broker := transport.NewMemoryBroker()
	s := startServer(t, broker)

	before := broker.Published()
	_, err := s.Execute(context.Background(), "ghost", "echo hi")
	assert.ErrorIs(t, err, correlator.ErrClientUnavailable)
	_, err = s.Ping(context.Background(), "ghost")
	assert.ErrorIs(t, err, correlator.ErrClientUnavailable)
	assert.Equal(t, before, broker.Published())

	_, err = s.Client("ghost")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestTimeoutMarksUnresponsive(t *testing.T) {
	broker := transport.NewMemoryBroker()
	s := startServer(t, broker, WithCallTimeout(50*time.Millisecond))
	raw := broker.Connect()
	defer raw.Close()

	// a client that registers but never answers
	publish(t, raw, protocol.KindRegister, "mute", protocol.NewRegister(protocol.Registration{ClientID: "mute"}))
	waitActive(t, s, "mute")

	_, err := s.Ping(context.Background(), "mute")
	assert.ErrorIs(t, err, correlator.ErrTimeout)
	rec, err := s.Client("mute")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusUnresponsive, rec.Status)

	// no further calls until it is heard from again
	before := broker.Published()
	_, err = s.Ping(context.Background(), "mute")
	assert.ErrorIs(t, err, correlator.ErrClientUnavailable)
	assert.Equal(t, before, broker.Published())

	publish(t, raw, protocol.KindHeartbeat, "mute", protocol.NewHeartbeat(protocol.Heartbeat{ClientID: "mute", Timestamp: time.Now()}))
	waitActive(t, s, "mute")

	assert.Equal(t, float64(1), testutil.ToFloat64(s.Metrics().Calls.WithLabelValues("ping", "timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.Metrics().Calls.WithLabelValues("ping", "unavailable")))
}

func TestLateAndUnknownRepliesAreCounted(t *testing.T) {
	broker := transport.NewMemoryBroker()
	s := startServer(t, broker, WithCallTimeout(50*time.Millisecond))
	raw := broker.Connect()
	defer raw.Close()
	pings, err := protocol.Address(prefix, "slow", protocol.KindPing)
	require.NoError(t, err)
	sub, err := raw.Subscribe(pings)
	require.NoError(t, err)

	publish(t, raw, protocol.KindRegister, "slow", protocol.NewRegister(protocol.Registration{ClientID: "slow"}))
	waitActive(t, s, "slow")

	_, err = s.Ping(context.Background(), "slow")
	require.ErrorIs(t, err, correlator.ErrTimeout)
	var msg *transport.Message
	select {
	case msg = <-sub.Messages():
	case <-time.After(5 * time.Second):
		t.Fatal("no ping was sent")
	}
	req, err := protocol.JSON.Decode(msg.Data)
	require.NoError(t, err)
	require.Equal(t, protocol.TypePing, req.Type)

	// the answer arrives after the call gave up, then one nobody asked for
	publish(t, raw, protocol.KindReply, "slow", &protocol.Envelope{Type: protocol.TypePong, RequestID: req.RequestID})
	publish(t, raw, protocol.KindReply, "slow", &protocol.Envelope{Type: protocol.TypePong, RequestID: "never-issued"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.Metrics().RepliesDropped.WithLabelValues("late")) == 1 &&
			testutil.ToFloat64(s.Metrics().RepliesDropped.WithLabelValues("unknown")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDropsMessagesWithMismatchedIDs(t *testing.T) {
	broker := transport.NewMemoryBroker()
	s := startServer(t, broker)
	raw := broker.Connect()
	defer raw.Close()

	publish(t, raw, protocol.KindRegister, "c1", protocol.NewRegister(protocol.Registration{ClientID: "c2"}))
	publish(t, raw, protocol.KindHeartbeat, "c1", protocol.NewHeartbeat(protocol.Heartbeat{ClientID: "c1"}))
	require.NoError(t, raw.Publish("rs.register.c1", []byte("{not json")))
	publish(t, raw, protocol.KindRegister, "c1", protocol.NewHeartbeat(protocol.Heartbeat{ClientID: "c1"}))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.Metrics().Dropped.WithLabelValues("id_mismatch")) == 1 &&
			testutil.ToFloat64(s.Metrics().Dropped.WithLabelValues("malformed")) == 1 &&
			testutil.ToFloat64(s.Metrics().Dropped.WithLabelValues("type")) == 1 &&
			testutil.ToFloat64(s.Metrics().Messages.WithLabelValues("heartbeat")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.Clients())
}

func TestSilentClientGoesStaleThenIsEvicted(t *testing.T) {
	broker := transport.NewMemoryBroker()
	clk := clock.Fake(t0)
	s := startServer(t, broker,
		WithClock(clk),
		WithThresholds(heartbeat.Thresholds{StaleAfter: 30 * time.Second, EvictAfter: 60 * time.Second}),
		WithSweepInterval(10*time.Second),
		WithExpiryInterval(time.Hour),
	)
	raw := broker.Connect()
	defer raw.Close()

	publish(t, raw, protocol.KindRegister, "quiet", protocol.NewRegister(protocol.Registration{ClientID: "quiet"}))
	publish(t, raw, protocol.KindRegister, "chatty", protocol.NewRegister(protocol.Registration{ClientID: "chatty"}))
	waitActive(t, s, "quiet")
	waitActive(t, s, "chatty")

	status := func(id string) registry.Status {
		rec, err := s.Client(id)
		if err != nil {
			return ""
		}
		return rec.Status
	}
	// tick advances the clock by one sweep interval; chatty heartbeats before every sweep
	tick := func() {
		publish(t, raw, protocol.KindHeartbeat, "chatty", protocol.NewHeartbeat(protocol.Heartbeat{ClientID: "chatty"}))
		require.Eventually(t, func() bool {
			rec, err := s.Client("chatty")
			return err == nil && rec.LastHeartbeatAt.Equal(clk.Now())
		}, 5*time.Second, time.Millisecond)
		// monitor and correlator expiry are both parked on the clock
		clk.BlockUntil(2)
		clk.Advance(10 * time.Second)
	}

	for i := 0; i < 3; i++ {
		tick()
	}
	// t0+30s is not past the stale threshold
	clk.BlockUntil(2)
	assert.Equal(t, registry.StatusActive, status("quiet"))

	tick()
	require.Eventually(t, func() bool { return status("quiet") == registry.StatusStale }, 5*time.Second, time.Millisecond)
	_, err := s.Execute(context.Background(), "quiet", "echo hi")
	assert.ErrorIs(t, err, correlator.ErrClientUnavailable)

	for i := 0; i < 3; i++ {
		tick()
	}
	require.Eventually(t, func() bool { return status("quiet") == "" }, 5*time.Second, time.Millisecond)

	clients := s.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, "chatty", clients[0].ID)
	assert.Equal(t, registry.StatusActive, clients[0].Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.Metrics().Transitions.WithLabelValues("stale")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.Metrics().Transitions.WithLabelValues("evicted")))
}

func TestHeartbeatDoesNotRecreateEvictedClient(t *testing.T) {
	broker := transport.NewMemoryBroker()
	s := startServer(t, broker)
	raw := broker.Connect()
	defer raw.Close()

	publish(t, raw, protocol.KindRegister, "c1", protocol.NewRegister(protocol.Registration{ClientID: "c1"}))
	waitActive(t, s, "c1")
	s.Registry().Evict("c1")
	require.Empty(t, s.Clients())

	// heartbeats from an evicted client do not bring it back on their own
	publish(t, raw, protocol.KindHeartbeat, "c1", protocol.NewHeartbeat(protocol.Heartbeat{ClientID: "c1", Timestamp: time.Now()}))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.Metrics().Messages.WithLabelValues("heartbeat")) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Empty(t, s.Clients())
}

func TestRestartedServerPicksUpLiveClient(t *testing.T) {
	broker := transport.NewMemoryBroker()
	first := startServer(t, broker)
	startAgent(t, broker, "c1")
	waitActive(t, first, "c1")

	// a server started after the client registered only sees repeated registrations
	second := startServer(t, broker)
	waitActive(t, second, "c1")
	rec, err := second.Client("c1")
	require.NoError(t, err)
	assert.Equal(t, "box", rec.DisplayName)

	// and a live client evicted while its connection stayed up comes back the same way
	first.Registry().Evict("c1")
	waitActive(t, first, "c1")
}

func TestNewValidates(t *testing.T) {
	conn := transport.NewMemoryBroker().Connect()
	_, err := New(conn, WithPrefix("bad prefix"))
	assert.ErrorIs(t, err, protocol.ErrInvalidSubject)

	_, err = New(conn, WithThresholds(heartbeat.Thresholds{StaleAfter: time.Minute, EvictAfter: time.Second}))
	assert.Error(t, err)
}
