package transport

import (
	"sync"
	"sync/atomic"
)

// MemoryBroker is an in-process bus shared by any number of connections.
// It behaves like a NATS server without persistence: messages go to the subscriptions that
// exist when they are published, and a full subscription buffer drops the message.
type MemoryBroker struct {
	mu    sync.RWMutex
	subs  map[*memorySub]struct{}
	conns int

	published atomic.Int64
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[*memorySub]struct{}{}}
}

// Connect opens a new connection to the broker.
func (b *MemoryBroker) Connect() *MemoryConn {
	b.mu.Lock()
	b.conns++
	b.mu.Unlock()
	return &MemoryConn{broker: b, closed: make(chan struct{}), subs: map[*memorySub]struct{}{}}
}

// Published returns the number of messages published through the broker so far.
func (b *MemoryBroker) Published() int64 { return b.published.Load() }

// Connections returns the number of connections ever opened on the broker.
func (b *MemoryBroker) Connections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conns
}

func (b *MemoryBroker) deliver(subject string, data []byte) {
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !MatchSubject(sub.pattern, subject) {
			continue
		}
		msg := &Message{Subject: subject, Data: append([]byte(nil), data...)}
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

func (b *MemoryBroker) remove(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// MemoryConn is one connection to a MemoryBroker. It implements Bus.
type MemoryConn struct {
	broker *MemoryBroker

	mu        sync.Mutex
	subs      map[*memorySub]struct{}
	closed    chan struct{}
	closeOnce sync.Once

	// PublishHook, when set, runs before every publish; a non-nil error fails the publish.
	PublishHook func(subject string) error
}

func (c *MemoryConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *MemoryConn) Publish(subject string, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.PublishHook != nil {
		if err := c.PublishHook(subject); err != nil {
			return err
		}
	}
	c.broker.deliver(subject, data)
	return nil
}

func (c *MemoryConn) Subscribe(pattern string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return nil, ErrClosed
	}
	sub := &memorySub{conn: c, pattern: pattern, ch: make(chan *Message, DefaultBufferSize)}
	c.subs[sub] = struct{}{}
	c.broker.mu.Lock()
	c.broker.subs[sub] = struct{}{}
	c.broker.mu.Unlock()
	return sub, nil
}

func (c *MemoryConn) Closed() <-chan struct{} { return c.closed }

// Close drops every subscription of the connection, which is how tests simulate losing the transport.
func (c *MemoryConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for sub := range subs {
			c.broker.remove(sub)
		}
	})
	return nil
}

type memorySub struct {
	conn    *MemoryConn
	pattern string
	ch      chan *Message
}

func (s *memorySub) Messages() <-chan *Message { return s.ch }

func (s *memorySub) Unsubscribe() error {
	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()
	s.conn.broker.remove(s)
	return nil
}
