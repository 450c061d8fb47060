package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/guseggert/rsupport/internal/clock"
	"github.com/guseggert/rsupport/protocol"
	"github.com/guseggert/rsupport/transport"
	"go.uber.org/zap"
)

const (
	// DefaultInterval is how often clients send heartbeats.
	DefaultInterval = 10 * time.Second
	// DefaultRegisterEvery is how many heartbeats pass between repeated registrations.
	DefaultRegisterEvery = 3
	// DefaultSweepInterval is how often the server ages its clients.
	DefaultSweepInterval = 5 * time.Second
)

// Publisher is the part of the bus the emitter needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = transport.Bus(nil)

// Emitter publishes a client's heartbeats.
type Emitter struct {
	Bus      Publisher
	Codec    protocol.Codec
	Prefix   string
	ClientID string
	Interval time.Duration
	Clock    clock.Clock
	Log      *zap.SugaredLogger

	// Registration, when set, is published again every RegisterEvery heartbeats so that a
	// server that restarted or evicted the client picks it up without a reconnect.
	Registration *protocol.Registration
	// RegisterEvery defaults to DefaultRegisterEvery.
	RegisterEvery int
}

// Run publishes a heartbeat immediately and then every Interval until ctx is done or a
// publish fails. A failed publish means the transport is gone, so the error is returned to
// let the session reconnect. The first heartbeat is never preceded by a registration: the
// session has just sent one.
func (e *Emitter) Run(ctx context.Context) error {
	subject, err := protocol.Address(e.Prefix, e.ClientID, protocol.KindHeartbeat)
	if err != nil {
		return err
	}
	registerSubject, err := protocol.Address(e.Prefix, e.ClientID, protocol.KindRegister)
	if err != nil {
		return err
	}
	every := e.RegisterEvery
	if every <= 0 {
		every = DefaultRegisterEvery
	}
	clk := e.Clock
	if clk == nil {
		clk = clock.Real()
	}
	interval := e.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := e.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	for beat := 0; ; beat++ {
		if e.Registration != nil && beat > 0 && beat%every == 0 {
			b, err := e.Codec.Encode(protocol.NewRegister(*e.Registration))
			if err != nil {
				return fmt.Errorf("encoding registration: %w", err)
			}
			if err := e.Bus.Publish(registerSubject, b); err != nil {
				return fmt.Errorf("publishing registration: %w", err)
			}
			log.Debugw("repeated registration", "Subject", registerSubject)
		}
		b, err := e.Codec.Encode(protocol.NewHeartbeat(protocol.Heartbeat{ClientID: e.ClientID, Timestamp: clk.Now()}))
		if err != nil {
			return fmt.Errorf("encoding heartbeat: %w", err)
		}
		if err := e.Bus.Publish(subject, b); err != nil {
			return fmt.Errorf("publishing heartbeat: %w", err)
		}
		log.Debugw("sent heartbeat", "Subject", subject)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(interval):
		}
	}
}
