// Package correlator matches replies to outstanding requests over a bus that has no
// native request/reply.
//
// Every call gets a fresh request id and a pending entry keyed by it. The entry is
// resolved exactly once, by whichever of reply, deadline, expiry sweep or cancellation
// removes it from the pending map first. A late reply finds no entry and is dropped.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/rsupport/internal/clock"
	"github.com/guseggert/rsupport/protocol"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

var (
	// ErrClientUnavailable is returned without publishing anything when the target is not Active.
	ErrClientUnavailable = errors.New("client unavailable")
	ErrTimeout           = errors.New("call timed out")
	// ErrTransport wraps the bus error when a request could not be published.
	ErrTransport = errors.New("transport error")
	// ErrUnexpectedReply is returned when the reply type does not answer the request type.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

const (
	DefaultTimeout = 30 * time.Second
	recentSize     = 1024
)

// DropReason says why HandleReply discarded a reply.
type DropReason string

const (
	DropSubject     DropReason = "subject"
	DropMalformed   DropReason = "malformed"
	DropNotReply    DropReason = "not_reply"
	DropWrongClient DropReason = "wrong_client"
	// DropLate is a reply to a call that already timed out, was canceled or was answered.
	DropLate DropReason = "late"
	// DropUnknown is a reply whose request id this correlator never issued or has forgotten.
	DropUnknown DropReason = "unknown"
)

type Publisher interface {
	Publish(subject string, data []byte) error
}

// Availability tells the correlator whether a client may be called.
type Availability interface {
	IsActive(id string) bool
}

// CallResult describes a finished call. Err is nil on success.
type CallResult struct {
	ClientID string
	Type     protocol.MessageType
	Err      error
	Duration time.Duration
}

type resolution struct {
	env *protocol.Envelope
	err error
}

type pendingCall struct {
	requestID string
	clientID  string
	reqType   protocol.MessageType
	issuedAt  time.Time
	deadline  time.Time
	done      chan resolution
}

type Correlator struct {
	bus     Publisher
	codec   protocol.Codec
	prefix  string
	clients Availability

	clock          clock.Clock
	log            *zap.SugaredLogger
	defaultTimeout time.Duration
	observe        func(CallResult)
	onTimeout      func(clientID string)
	onDrop         func(DropReason)

	pending  sync.Map
	inflight atomic.Int64
	// recent remembers resolved ids so a late reply can be told apart from a bogus one.
	recent *lru.Cache[string, struct{}]
}

type Option func(c *Correlator)

func WithClock(clk clock.Clock) Option {
	return func(c *Correlator) {
		c.clock = clk
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Correlator) {
		c.log = l.Named("correlator")
	}
}

// WithDefaultTimeout sets the timeout used by calls that pass a non-positive one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		c.defaultTimeout = d
	}
}

// WithObserver registers a function called once per finished call.
func WithObserver(f func(CallResult)) Option {
	return func(c *Correlator) {
		c.observe = f
	}
}

// WithOnTimeout registers a function called with the target of every call that timed out.
func WithOnTimeout(f func(clientID string)) Option {
	return func(c *Correlator) {
		c.onTimeout = f
	}
}

// WithDropHandler registers a function called with the reason of every reply HandleReply discards.
func WithDropHandler(f func(DropReason)) Option {
	return func(c *Correlator) {
		c.onDrop = f
	}
}

func New(bus Publisher, codec protocol.Codec, prefix string, clients Availability, opts ...Option) (*Correlator, error) {
	if err := protocol.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	recent, err := lru.New[string, struct{}](recentSize)
	if err != nil {
		return nil, err
	}
	c := &Correlator{
		bus:            bus,
		codec:          codec,
		prefix:         prefix,
		clients:        clients,
		clock:          clock.Real(),
		log:            zap.NewNop().Sugar(),
		defaultTimeout: DefaultTimeout,
		recent:         recent,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Call sends req to the client and waits for its reply, the timeout, or ctx.
// The request id of req is overwritten with a fresh one.
func (c *Correlator) Call(ctx context.Context, clientID string, req *protocol.Envelope, timeout time.Duration) (*protocol.Envelope, error) {
	start := c.clock.Now()
	env, err := c.call(ctx, clientID, req, timeout)
	if c.observe != nil {
		c.observe(CallResult{ClientID: clientID, Type: req.Type, Err: err, Duration: c.clock.Now().Sub(start)})
	}
	return env, err
}

func (c *Correlator) call(ctx context.Context, clientID string, req *protocol.Envelope, timeout time.Duration) (*protocol.Envelope, error) {
	kind, ok := req.Type.SubjectKind()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a request", protocol.ErrMalformed, req.Type)
	}
	replyType, _ := req.Type.ReplyType()
	subject, err := protocol.Address(c.prefix, clientID, kind)
	if err != nil {
		return nil, err
	}
	if !c.clients.IsActive(clientID) {
		return nil, fmt.Errorf("%w: %s", ErrClientUnavailable, clientID)
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	msg := *req
	msg.RequestID = uuid.NewString()
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	b, err := c.codec.Encode(&msg)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	pc := &pendingCall{
		requestID: msg.RequestID,
		clientID:  clientID,
		reqType:   msg.Type,
		issuedAt:  now,
		deadline:  now.Add(timeout),
		done:      make(chan resolution, 1),
	}
	c.pending.Store(pc.requestID, pc)
	c.inflight.Add(1)

	log := c.log.With("ClientID", clientID, "RequestID", pc.requestID, "Type", msg.Type)
	log.Debugw("sending request", "Subject", subject)
	if err := c.bus.Publish(subject, b); err != nil {
		c.remove(pc.requestID)
		return nil, fmt.Errorf("%w: publishing to %s: %w", ErrTransport, subject, err)
	}

	select {
	case res := <-pc.done:
		return c.finish(log, pc, replyType, res)
	case <-c.clock.After(timeout):
		if c.remove(pc.requestID) {
			c.timedOut(log, pc)
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, msg.Type, timeout)
		}
		// resolved concurrently
		return c.finish(log, pc, replyType, <-pc.done)
	case <-ctx.Done():
		if c.remove(pc.requestID) {
			log.Debugw("call canceled")
			return nil, ctx.Err()
		}
		return c.finish(log, pc, replyType, <-pc.done)
	}
}

func (c *Correlator) finish(log *zap.SugaredLogger, pc *pendingCall, replyType protocol.MessageType, res resolution) (*protocol.Envelope, error) {
	if res.err != nil {
		if errors.Is(res.err, ErrTimeout) {
			c.timedOut(log, pc)
		}
		return nil, res.err
	}
	if res.env.Type != replyType {
		log.Warnw("reply type does not match request", "ReplyType", res.env.Type, "Expected", replyType)
		return nil, fmt.Errorf("%w: got %s for %s", ErrUnexpectedReply, res.env.Type, pc.reqType)
	}
	log.Debugw("received reply", "RTT", c.clock.Now().Sub(pc.issuedAt))
	return res.env, nil
}

func (c *Correlator) timedOut(log *zap.SugaredLogger, pc *pendingCall) {
	log.Warnw("call timed out", "Deadline", pc.deadline)
	if c.onTimeout != nil {
		c.onTimeout(pc.clientID)
	}
}

// remove takes the pending entry out of the map. Only the caller that gets true may resolve it.
func (c *Correlator) remove(requestID string) bool {
	if _, loaded := c.pending.LoadAndDelete(requestID); loaded {
		c.inflight.Add(-1)
		c.recent.Add(requestID, struct{}{})
		return true
	}
	return false
}

// HandleReply resolves the pending call a reply belongs to. Replies that cannot be decoded,
// that match no pending call, or that arrive on another client's subject are dropped.
func (c *Correlator) HandleReply(subject string, data []byte) {
	kind, clientID, err := protocol.Parse(c.prefix, subject)
	if err != nil || kind != protocol.KindReply {
		c.drop(DropSubject, "Subject", subject, "Error", err)
		return
	}
	env, err := c.codec.Decode(data)
	if err != nil {
		c.drop(DropMalformed, "ClientID", clientID, "Error", err)
		return
	}
	if !env.Type.IsResponse() {
		c.drop(DropNotReply, "ClientID", clientID, "Type", env.Type)
		return
	}

	v, ok := c.pending.Load(env.RequestID)
	if !ok {
		if c.recent.Contains(env.RequestID) {
			c.drop(DropLate, "ClientID", clientID, "RequestID", env.RequestID)
		} else {
			c.drop(DropUnknown, "ClientID", clientID, "RequestID", env.RequestID)
		}
		return
	}
	pc := v.(*pendingCall)
	if pc.clientID != clientID {
		c.drop(DropWrongClient, "RequestID", env.RequestID, "Expected", pc.clientID, "ClientID", clientID)
		return
	}
	if c.remove(env.RequestID) {
		pc.done <- resolution{env: env}
	} else {
		// resolved between Load and remove
		c.drop(DropLate, "ClientID", clientID, "RequestID", env.RequestID)
	}
}

func (c *Correlator) drop(reason DropReason, keysAndValues ...interface{}) {
	if reason == DropMalformed || reason == DropWrongClient {
		c.log.Warnw("dropping reply: "+string(reason), keysAndValues...)
	} else {
		c.log.Debugw("dropping reply: "+string(reason), keysAndValues...)
	}
	if c.onDrop != nil {
		c.onDrop(reason)
	}
}

// Expire resolves every pending call whose deadline is before now with ErrTimeout and
// returns how many it expired.
func (c *Correlator) Expire(now time.Time) int {
	n := 0
	c.pending.Range(func(key, value any) bool {
		pc := value.(*pendingCall)
		if !pc.deadline.Before(now) {
			return true
		}
		if c.remove(pc.requestID) {
			pc.done <- resolution{err: fmt.Errorf("%w: %s expired at %s", ErrTimeout, pc.reqType, pc.deadline)}
			n++
		}
		return true
	})
	return n
}

// RunExpiry calls Expire every interval until ctx is done.
func (c *Correlator) RunExpiry(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(interval):
		}
		if n := c.Expire(c.clock.Now()); n > 0 {
			c.log.Debugw("expired pending calls", "Count", n)
		}
	}
}

// Pending returns the number of calls waiting for a reply.
func (c *Correlator) Pending() int {
	return int(c.inflight.Load())
}
