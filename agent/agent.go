package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/rsupport/agent/exec"
	"github.com/guseggert/rsupport/heartbeat"
	"github.com/guseggert/rsupport/internal/clock"
	"github.com/guseggert/rsupport/protocol"
	"github.com/guseggert/rsupport/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// errShutdown ends a session when the operator asked the client to stop.
var errShutdown = errors.New("shutdown requested")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateRegistering:
		return "Registering"
	case StateActive:
		return "Active"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Dialer opens a new connection to the bus.
type Dialer func(ctx context.Context) (transport.Bus, error)

// Agent is the client side of rsupport. It keeps a session with the bus alive,
// registers itself, sends heartbeats and serves requests addressed to it.
type Agent struct {
	log *zap.SugaredLogger

	clientID          string
	prefix            string
	codec             protocol.Codec
	dial              Dialer
	host              exec.Host
	clock             clock.Clock
	backoff           Backoff
	heartbeatInterval time.Duration
	registerEvery     int
	onState           func(State)

	state        atomic.Int32
	inflight     sync.WaitGroup
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

type Option func(a *Agent)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Agent) {
		a.log = l.Named("agent")
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.log = a.log.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithPrefix(prefix string) Option {
	return func(a *Agent) {
		a.prefix = prefix
	}
}

func WithCodec(c protocol.Codec) Option {
	return func(a *Agent) {
		a.codec = c
	}
}

func WithClock(c clock.Clock) Option {
	return func(a *Agent) {
		a.clock = c
	}
}

func WithBackoff(b Backoff) Option {
	return func(a *Agent) {
		a.backoff = b
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatInterval = d
	}
}

// WithRegisterEvery sets how many heartbeats pass between repeated registrations.
func WithRegisterEvery(n int) Option {
	return func(a *Agent) {
		a.registerEvery = n
	}
}

// WithStateHandler registers a function called on every state change.
func WithStateHandler(f func(State)) Option {
	return func(a *Agent) {
		a.onState = f
	}
}

func New(clientID string, dial Dialer, host exec.Host, opts ...Option) (*Agent, error) {
	if err := protocol.ValidateClientID(clientID); err != nil {
		return nil, err
	}
	a := &Agent{
		log:               zap.NewNop().Sugar(),
		clientID:          clientID,
		prefix:            protocol.DefaultPrefix,
		codec:             protocol.JSON,
		dial:              dial,
		host:              host,
		clock:             clock.Real(),
		backoff:           DefaultBackoff(),
		heartbeatInterval: heartbeat.DefaultInterval,
		registerEvery:     heartbeat.DefaultRegisterEvery,
		shutdown:          make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if err := protocol.ValidatePrefix(a.prefix); err != nil {
		return nil, err
	}
	if a.backoff.Initial <= 0 || a.backoff.Max < a.backoff.Initial {
		return nil, fmt.Errorf("invalid backoff %s..%s", a.backoff.Initial, a.backoff.Max)
	}
	a.log = a.log.With("ClientID", clientID)
	return a, nil
}

func (a *Agent) ClientID() string { return a.clientID }

func (a *Agent) State() State { return State(a.state.Load()) }

func (a *Agent) setState(s State) {
	if State(a.state.Swap(int32(s))) == s {
		return
	}
	a.log.Debugw("state changed", "State", s.String())
	if a.onState != nil {
		a.onState(s)
	}
}

// Run keeps a session alive until ctx is done or the operator sends a shutdown request.
// Transport failures never end Run: it reconnects with backoff and registers again.
// It returns nil after a shutdown request and ctx.Err() after cancellation.
func (a *Agent) Run(ctx context.Context) error {
	defer a.inflight.Wait()
	defer a.setState(StateDisconnected)

	backoff := a.backoff
	for {
		a.setState(StateConnecting)
		bus, err := a.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := backoff.Next()
			a.log.Warnw("connecting failed, retrying", "Error", err, "Delay", delay)
			if !a.sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		err = a.session(ctx, bus, &backoff)
		if cerr := bus.Close(); cerr != nil {
			a.log.Debugw("closing bus", "Error", cerr)
		}
		a.setState(StateDisconnected)

		switch {
		case errors.Is(err, errShutdown):
			a.log.Info("shutting down at operator request")
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}
		delay := backoff.Next()
		a.log.Warnw("session lost, reconnecting", "Error", err, "Delay", delay)
		if !a.sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (a *Agent) sleep(ctx context.Context, d time.Duration) bool {
	return clock.Sleep(a.clock, d, ctx.Done())
}

// session registers on a fresh connection and serves it until it fails.
func (a *Agent) session(ctx context.Context, bus transport.Bus, backoff *Backoff) error {
	a.setState(StateRegistering)

	pattern, err := protocol.ClientWildcard(a.prefix, a.clientID)
	if err != nil {
		return err
	}
	sub, err := bus.Subscribe(pattern)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			a.log.Debugw("unsubscribing", "Error", err)
		}
	}()

	reg, err := a.register(ctx, bus)
	if err != nil {
		return err
	}
	a.setState(StateActive)
	backoff.Reset()

	g, gctx := errgroup.WithContext(ctx)
	emitter := &heartbeat.Emitter{
		Bus:      bus,
		Codec:    a.codec,
		Prefix:   a.prefix,
		ClientID: a.clientID,
		Interval: a.heartbeatInterval,
		Clock:    a.clock,
		Log:      a.log.Named("heartbeat"),

		Registration:  &reg,
		RegisterEvery: a.registerEvery,
	}
	g.Go(func() error { return emitter.Run(gctx) })
	g.Go(func() error { return a.serve(ctx, gctx, bus, sub) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-bus.Closed():
			return transport.ErrClosed
		case <-a.shutdown:
			return errShutdown
		}
	})
	return g.Wait()
}

// register announces the client on bus and returns what it announced.
func (a *Agent) register(ctx context.Context, bus transport.Bus) (protocol.Registration, error) {
	info, err := a.host.SysInfo(ctx)
	if err != nil {
		a.log.Debugw("incomplete system info", "Error", err)
	}
	reg := protocol.Registration{
		ClientID:    a.clientID,
		DisplayName: info.Hostname,
		Username:    info.Username,
		OSKind:      protocol.OSKind(info.OS),
		OSVersion:   info.OSVersion,
	}
	subject, err := protocol.Address(a.prefix, a.clientID, protocol.KindRegister)
	if err != nil {
		return reg, err
	}
	b, err := a.codec.Encode(protocol.NewRegister(reg))
	if err != nil {
		return reg, fmt.Errorf("encoding registration: %w", err)
	}
	if err := bus.Publish(subject, b); err != nil {
		return reg, fmt.Errorf("publishing registration: %w", err)
	}
	a.log.Infow("registered", "Subject", subject, "Host", reg.DisplayName, "User", reg.Username)
	return reg, nil
}

func (a *Agent) requestShutdown() {
	a.shutdownOnce.Do(func() { close(a.shutdown) })
}
