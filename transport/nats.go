package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultNATSURL is used when no URL is configured.
const DefaultNATSURL = "nats://localhost:4222"

type NATSConfig struct {
	URL  string
	Name string

	ConnectTimeout time.Duration

	// MaxReconnects is passed to the NATS client; -1 retries forever and 0 disables
	// reconnects, so that losing the server closes the connection and the caller
	// decides how to reconnect.
	MaxReconnects int
	ReconnectWait time.Duration

	// NoEcho stops the connection from receiving its own publications.
	NoEcho bool

	BufferSize int
}

// DefaultNATSConfig returns the settings used by the server: reconnect forever inside the client library.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            DefaultNATSURL,
		ConnectTimeout: 5 * time.Second,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		BufferSize:     DefaultBufferSize,
	}
}

// NATSBus is a Bus backed by a NATS connection.
type NATSBus struct {
	log    *zap.SugaredLogger
	conn   *nats.Conn
	buffer int

	closed    chan struct{}
	closeOnce sync.Once
}

// DialNATS connects to the NATS server described by cfg.
func DialNATS(cfg NATSConfig, log *zap.SugaredLogger) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultNATSURL
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	b := &NATSBus{
		log:    log.Named("nats"),
		buffer: cfg.BufferSize,
		closed: make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ClosedHandler(func(*nats.Conn) {
			b.log.Debug("connection closed")
			b.markClosed()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.log.Debugw("disconnected", "Error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.log.Debugw("reconnected", "URL", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			b.log.Debugw("async error", "Subject", subject, "Error", err)
		}),
	}
	if cfg.MaxReconnects == 0 {
		opts = append(opts, nats.NoReconnect())
	} else {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.NoEcho {
		opts = append(opts, nats.NoEcho())
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	b.conn = conn
	return b, nil
}

func (b *NATSBus) markClosed() {
	b.closeOnce.Do(func() { close(b.closed) })
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	err := b.conn.Publish(subject, data)
	if errors.Is(err, nats.ErrConnectionClosed) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(pattern string) (Subscription, error) {
	ch := make(chan *Message, b.buffer)
	sub := &natsSub{ch: ch, stop: make(chan struct{})}
	ns, err := b.conn.Subscribe(pattern, func(m *nats.Msg) {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.done {
			return
		}
		select {
		case ch <- &Message{Subject: m.Subject, Data: m.Data}:
		default:
			b.log.Debugw("subscription buffer full, dropping message", "Subject", m.Subject)
		}
	})
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	sub.sub = ns
	go func() {
		select {
		case <-b.closed:
			sub.finish()
		case <-sub.stop:
		}
	}()
	return sub, nil
}

func (b *NATSBus) Closed() <-chan struct{} { return b.closed }

func (b *NATSBus) Close() error {
	b.conn.Close()
	b.markClosed()
	return nil
}

// Conn returns the underlying NATS connection.
func (b *NATSBus) Conn() *nats.Conn { return b.conn }

type natsSub struct {
	sub  *nats.Subscription
	ch   chan *Message
	stop chan struct{}

	mu   sync.Mutex
	done bool
}

func (s *natsSub) Messages() <-chan *Message { return s.ch }

func (s *natsSub) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.ch)
		close(s.stop)
	}
}

func (s *natsSub) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	s.finish()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("unsubscribing: %w", err)
	}
	return nil
}
