package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/rsupport/internal/clock"
	"github.com/guseggert/rsupport/registry"
	"go.uber.org/zap"
)

// Thresholds decide when a silent client turns Stale and when it is evicted.
type Thresholds struct {
	StaleAfter time.Duration
	EvictAfter time.Duration
}

// DefaultThresholds derives thresholds from the client heartbeat interval:
// stale after three missed intervals, evicted after six.
func DefaultThresholds(interval time.Duration) Thresholds {
	return Thresholds{StaleAfter: 3 * interval, EvictAfter: 6 * interval}
}

// Validate requires 0 < StaleAfter < EvictAfter so that clients pass through Stale before removal.
func (t Thresholds) Validate() error {
	if t.StaleAfter <= 0 {
		return errors.New("stale threshold must be positive")
	}
	if t.EvictAfter <= t.StaleAfter {
		return fmt.Errorf("evict threshold %s must be greater than stale threshold %s", t.EvictAfter, t.StaleAfter)
	}
	return nil
}

// Registry is the part of the client registry the monitor ages.
type Registry interface {
	List() []registry.ClientRecord
	Age(id string, now time.Time, staleAfter, evictAfter time.Duration) registry.Transition
}

// Change records one transition made by a sweep.
type Change struct {
	ClientID   string
	Transition registry.Transition
}

type Monitor struct {
	registry      Registry
	thresholds    Thresholds
	sweepInterval time.Duration
	clock         clock.Clock
	log           *zap.SugaredLogger
	onSweep       func([]Change)
}

type MonitorOption func(m *Monitor)

func WithClock(c clock.Clock) MonitorOption {
	return func(m *Monitor) {
		m.clock = c
	}
}

func WithLogger(l *zap.SugaredLogger) MonitorOption {
	return func(m *Monitor) {
		m.log = l.Named("heartbeat_monitor")
	}
}

func WithSweepInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.sweepInterval = d
	}
}

// WithSweepHandler registers a function called after every sweep with the changes it made.
func WithSweepHandler(f func([]Change)) MonitorOption {
	return func(m *Monitor) {
		m.onSweep = f
	}
}

// NewMonitor builds a monitor. The default sweep interval is half the stale threshold.
func NewMonitor(reg Registry, thresholds Thresholds, opts ...MonitorOption) (*Monitor, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		registry:      reg,
		thresholds:    thresholds,
		sweepInterval: thresholds.StaleAfter / 2,
		clock:         clock.Real(),
		log:           zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.sweepInterval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	return m, nil
}

// Sweep ages every registered client once.
func (m *Monitor) Sweep(now time.Time) []Change {
	var changes []Change
	for _, rec := range m.registry.List() {
		tr := m.registry.Age(rec.ID, now, m.thresholds.StaleAfter, m.thresholds.EvictAfter)
		if tr != registry.TransitionNone {
			changes = append(changes, Change{ClientID: rec.ID, Transition: tr})
		}
	}
	if m.onSweep != nil {
		m.onSweep(changes)
	}
	return changes
}

// Run sweeps every sweep interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Debugw("starting", "SweepInterval", m.sweepInterval, "StaleAfter", m.thresholds.StaleAfter, "EvictAfter", m.thresholds.EvictAfter)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.sweepInterval):
		}
		for _, c := range m.Sweep(m.clock.Now()) {
			m.log.Debugw("sweep", "ClientID", c.ClientID, "Transition", c.Transition.String())
		}
	}
}
