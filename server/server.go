// Package server is the operator side of rsupport. It tracks clients through their
// registrations and heartbeats and sends them requests.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/rsupport/correlator"
	"github.com/guseggert/rsupport/heartbeat"
	"github.com/guseggert/rsupport/internal/clock"
	"github.com/guseggert/rsupport/protocol"
	"github.com/guseggert/rsupport/registry"
	"github.com/guseggert/rsupport/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrRejected is returned when a client acknowledged a request with a failure.
var ErrRejected = errors.New("request rejected by client")

// DefaultExpiryInterval is how often pending calls past their deadline are expired.
const DefaultExpiryInterval = time.Second

type Server struct {
	log    *zap.SugaredLogger
	bus    transport.Bus
	codec  protocol.Codec
	prefix string
	clock  clock.Clock

	thresholds     heartbeat.Thresholds
	sweepInterval  time.Duration
	expiryInterval time.Duration
	callTimeout    time.Duration

	registry   *registry.Registry
	monitor    *heartbeat.Monitor
	correlator *correlator.Correlator
	metrics    *Metrics

	ready chan struct{}
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Server) {
		s.prefix = prefix
	}
}

func WithCodec(c protocol.Codec) Option {
	return func(s *Server) {
		s.codec = c
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

func WithThresholds(t heartbeat.Thresholds) Option {
	return func(s *Server) {
		s.thresholds = t
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) {
		s.sweepInterval = d
	}
}

func WithExpiryInterval(d time.Duration) Option {
	return func(s *Server) {
		s.expiryInterval = d
	}
}

// WithCallTimeout sets how long operations wait for a client's reply.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.callTimeout = d
	}
}

func New(bus transport.Bus, opts ...Option) (*Server, error) {
	s := &Server{
		log:            zap.NewNop().Sugar(),
		bus:            bus,
		codec:          protocol.JSON,
		prefix:         protocol.DefaultPrefix,
		clock:          clock.Real(),
		thresholds:     heartbeat.DefaultThresholds(heartbeat.DefaultInterval),
		sweepInterval:  heartbeat.DefaultSweepInterval,
		expiryInterval: DefaultExpiryInterval,
		callTimeout:    correlator.DefaultTimeout,
		ready:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if err := protocol.ValidatePrefix(s.prefix); err != nil {
		return nil, err
	}
	if s.expiryInterval <= 0 {
		return nil, errors.New("expiry interval must be positive")
	}

	s.registry = registry.New(registry.WithLogger(s.log))
	s.metrics = NewMetrics(s.registry)

	var err error
	s.monitor, err = heartbeat.NewMonitor(s.registry, s.thresholds,
		heartbeat.WithClock(s.clock),
		heartbeat.WithLogger(s.log),
		heartbeat.WithSweepInterval(s.sweepInterval),
		heartbeat.WithSweepHandler(s.metrics.observeSweep),
	)
	if err != nil {
		return nil, fmt.Errorf("building heartbeat monitor: %w", err)
	}
	s.correlator, err = correlator.New(bus, s.codec, s.prefix, s.registry,
		correlator.WithClock(s.clock),
		correlator.WithLogger(s.log),
		correlator.WithDefaultTimeout(s.callTimeout),
		correlator.WithObserver(s.metrics.observeCall),
		correlator.WithOnTimeout(s.registry.MarkUnresponsive),
		correlator.WithDropHandler(s.metrics.observeReplyDrop),
	)
	if err != nil {
		return nil, fmt.Errorf("building correlator: %w", err)
	}
	s.log = s.log.Named("server")
	return s, nil
}

func (s *Server) Registry() *registry.Registry { return s.registry }

func (s *Server) Metrics() *Metrics { return s.metrics }

// Ready is closed once Run has subscribed to client traffic.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Run subscribes to registrations, heartbeats and replies of every client and keeps
// the registry up to date until ctx is done or the bus is closed.
func (s *Server) Run(ctx context.Context) error {
	handlers := map[protocol.Kind]func(*transport.Message){
		protocol.KindRegister:  s.handleRegister,
		protocol.KindHeartbeat: s.handleHeartbeat,
		protocol.KindReply:     s.handleReply,
	}
	subs := map[protocol.Kind]transport.Subscription{}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()
	for kind := range handlers {
		pattern := protocol.Wildcard(s.prefix, kind)
		sub, err := s.bus.Subscribe(pattern)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", pattern, err)
		}
		s.log.Debugw("subscribed", "Pattern", pattern)
		subs[kind] = sub
	}

	g, gctx := errgroup.WithContext(ctx)
	for kind, sub := range subs {
		kind, sub := kind, sub
		g.Go(func() error { return s.receive(gctx, kind, sub, handlers[kind]) })
	}
	g.Go(func() error { return s.monitor.Run(gctx) })
	g.Go(func() error { return s.correlator.RunExpiry(gctx, s.expiryInterval) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.bus.Closed():
			return transport.ErrClosed
		}
	})
	close(s.ready)
	s.log.Infow("server running", "Prefix", s.prefix, "Codec", s.codec.Name())

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) receive(ctx context.Context, kind protocol.Kind, sub transport.Subscription, handle func(*transport.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return transport.ErrClosed
			}
			s.metrics.Messages.WithLabelValues(string(kind)).Inc()
			handle(msg)
		}
	}
}

// decode checks that a client message is well formed and that the id in its payload
// matches the subject it was published on.
func (s *Server) decode(msg *transport.Message, want protocol.MessageType) (string, *protocol.Envelope, bool) {
	_, id, err := protocol.Parse(s.prefix, msg.Subject)
	if err != nil {
		s.drop("subject", "Subject", msg.Subject, "Error", err)
		return "", nil, false
	}
	env, err := s.codec.Decode(msg.Data)
	if err != nil {
		s.drop("malformed", "ClientID", id, "Error", err)
		return "", nil, false
	}
	if env.Type != want {
		s.drop("type", "ClientID", id, "Type", env.Type)
		return "", nil, false
	}
	return id, env, true
}

func (s *Server) drop(reason string, keysAndValues ...interface{}) {
	s.metrics.Dropped.WithLabelValues(reason).Inc()
	s.log.Debugw("dropping message: "+reason, keysAndValues...)
}

func (s *Server) handleRegister(msg *transport.Message) {
	id, env, ok := s.decode(msg, protocol.TypeRegister)
	if !ok {
		return
	}
	if env.Register.ClientID != id {
		s.drop("id_mismatch", "Subject", msg.Subject, "ClientID", env.Register.ClientID)
		return
	}
	if _, err := s.registry.Register(*env.Register, s.clock.Now()); err != nil {
		s.log.Warnw("rejecting registration", "ClientID", id, "Error", err)
	}
}

func (s *Server) handleHeartbeat(msg *transport.Message) {
	id, env, ok := s.decode(msg, protocol.TypeHeartbeat)
	if !ok {
		return
	}
	if env.Heartbeat.ClientID != id {
		s.drop("id_mismatch", "Subject", msg.Subject, "ClientID", env.Heartbeat.ClientID)
		return
	}
	// liveness is judged by when the server heard the client, not by the client's clock
	s.registry.RecordHeartbeat(id, s.clock.Now())
}

func (s *Server) handleReply(msg *transport.Message) {
	s.correlator.HandleReply(msg.Subject, msg.Data)
}

// Clients lists every registered client in registration order.
func (s *Server) Clients() []registry.ClientRecord { return s.registry.List() }

func (s *Server) Client(id string) (registry.ClientRecord, error) { return s.registry.Get(id) }

// Execute runs a command line on the client. A command that fails on the client is not an
// error: it returns a response with Success false.
func (s *Server) Execute(ctx context.Context, id, commandLine string) (protocol.CommandResponse, error) {
	resp, err := s.correlator.Call(ctx, id, protocol.NewCommandRequest(commandLine), s.callTimeout)
	if err != nil {
		return protocol.CommandResponse{}, err
	}
	return *resp.CommandResponse, nil
}

func (s *Server) SysInfo(ctx context.Context, id string) (protocol.SysInfo, error) {
	resp, err := s.correlator.Call(ctx, id, protocol.NewSysInfoRequest(), s.callTimeout)
	if err != nil {
		return protocol.SysInfo{}, err
	}
	return *resp.SysInfo, nil
}

// Ping returns the round trip time to the client.
func (s *Server) Ping(ctx context.Context, id string) (time.Duration, error) {
	start := s.clock.Now()
	if _, err := s.correlator.Call(ctx, id, protocol.NewPing(), s.callTimeout); err != nil {
		return 0, err
	}
	return s.clock.Now().Sub(start), nil
}

// Shutdown asks the client to end its session. The client stays registered until the
// heartbeat monitor evicts it.
func (s *Server) Shutdown(ctx context.Context, id string) error {
	return s.ack(ctx, id, protocol.NewShutdownRequest())
}

// Log asks the client to write a message to its own log.
func (s *Server) Log(ctx context.Context, id string, level protocol.LogLevel, message string) error {
	return s.ack(ctx, id, protocol.NewLogRequest(level, message))
}

func (s *Server) ack(ctx context.Context, id string, req *protocol.Envelope) error {
	resp, err := s.correlator.Call(ctx, id, req, s.callTimeout)
	if err != nil {
		return err
	}
	if !resp.Ack.OK {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Ack.Message)
	}
	return nil
}
