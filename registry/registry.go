// Package registry keeps the server's view of which clients exist and whether they are alive.
//
// Map membership and per-record state are guarded separately: a heartbeat for one client
// only takes the map's read lock and that client's own lock, so unrelated clients never
// wait on each other. Every operation on a record is atomic with respect to the others.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/rsupport/protocol"
	"go.uber.org/zap"
)

// ErrNotFound is returned by lookups of unknown client ids.
var ErrNotFound = errors.New("client not found")

type Status string

const (
	StatusActive Status = "Active"
	// StatusStale means the client missed heartbeats and will be evicted if it stays silent.
	StatusStale Status = "Stale"
	// StatusUnresponsive means a call to the client timed out. The next heartbeat clears it.
	StatusUnresponsive Status = "Unresponsive"
)

// ClientRecord is a snapshot of one registered client.
type ClientRecord struct {
	ID              string          `json:"id"`
	DisplayName     string          `json:"display_name"`
	Username        string          `json:"username"`
	OSKind          protocol.OSKind `json:"os_kind"`
	OSVersion       string          `json:"os_version,omitempty"`
	RegisteredAt    time.Time       `json:"registered_at"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
	Status          Status          `json:"status"`
}

// Transition is the outcome of aging a record.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionStale
	TransitionEvicted
)

func (t Transition) String() string {
	switch t {
	case TransitionStale:
		return "stale"
	case TransitionEvicted:
		return "evicted"
	default:
		return "none"
	}
}

type entry struct {
	// seq orders entries by first registration. It never changes.
	seq uint64

	mu      sync.Mutex
	record  ClientRecord
	removed bool
}

type Registry struct {
	log *zap.SugaredLogger

	mu      sync.RWMutex
	entries map[string]*entry
	nextSeq uint64
}

type Option func(r *Registry)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) {
		r.log = l.Named("registry")
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		log:     zap.NewNop().Sugar(),
		entries: map[string]*entry{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Register adds a client or refreshes an existing one. Re-registering never duplicates a
// record: it refreshes the announced fields and RegisteredAt and sets the client back to Active.
// Two clients announcing the same id overwrite each other (last write wins).
func (r *Registry) Register(info protocol.Registration, now time.Time) (string, error) {
	if err := protocol.ValidateClientID(info.ClientID); err != nil {
		return "", err
	}
	for {
		e := r.lookup(info.ClientID)
		if e == nil {
			r.mu.Lock()
			e = r.entries[info.ClientID]
			if e == nil {
				e = &entry{seq: r.nextSeq}
				r.nextSeq++
				e.record = newRecord(info, now)
				r.entries[info.ClientID] = e
				r.mu.Unlock()
				r.log.Infow("client registered", "ClientID", info.ClientID, "Host", info.DisplayName, "User", info.Username)
				return info.ClientID, nil
			}
			r.mu.Unlock()
		}

		e.mu.Lock()
		if e.removed {
			// evicted between lookup and lock; insert a fresh entry
			e.mu.Unlock()
			r.mu.Lock()
			if r.entries[info.ClientID] == e {
				delete(r.entries, info.ClientID)
			}
			r.mu.Unlock()
			continue
		}
		prev := e.record
		e.record = newRecord(info, now)
		e.mu.Unlock()

		if prev.Username != info.Username || prev.DisplayName != info.DisplayName {
			r.log.Warnw("client id re-registered by a different host",
				"ClientID", info.ClientID,
				"PreviousHost", prev.DisplayName, "PreviousUser", prev.Username,
				"Host", info.DisplayName, "User", info.Username)
		} else {
			r.log.Debugw("client re-registered", "ClientID", info.ClientID, "PreviousStatus", prev.Status)
		}
		return info.ClientID, nil
	}
}

func newRecord(info protocol.Registration, now time.Time) ClientRecord {
	return ClientRecord{
		ID:              info.ClientID,
		DisplayName:     info.DisplayName,
		Username:        info.Username,
		OSKind:          info.OSKind,
		OSVersion:       info.OSVersion,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		Status:          StatusActive,
	}
}

// RecordHeartbeat notes that the client was heard from at the given time and clears Stale
// and Unresponsive. Unknown ids are ignored: a heartbeat may arrive before the registration.
// Heartbeats older than the last one seen do not move the time backwards.
func (r *Registry) RecordHeartbeat(id string, at time.Time) {
	e := r.lookup(id)
	if e == nil {
		r.log.Debugw("heartbeat from unknown client", "ClientID", id)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return
	}
	if at.After(e.record.LastHeartbeatAt) {
		e.record.LastHeartbeatAt = at
	}
	if e.record.Status != StatusActive {
		r.log.Infow("client active again", "ClientID", id, "PreviousStatus", e.record.Status)
		e.record.Status = StatusActive
	}
}

// MarkUnresponsive flags a client whose call timed out. Stale clients stay Stale.
func (r *Registry) MarkUnresponsive(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.removed && e.record.Status == StatusActive {
		e.record.Status = StatusUnresponsive
	}
}

func (r *Registry) Get(id string) (ClientRecord, error) {
	e := r.lookup(id)
	if e == nil {
		return ClientRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ClientRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.record, nil
}

// IsActive reports whether the client is registered and Active.
func (r *Registry) IsActive(id string) bool {
	rec, err := r.Get(id)
	return err == nil && rec.Status == StatusActive
}

// List returns a snapshot of every record, ordered by first registration.
func (r *Registry) List() []ClientRecord {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	records := make([]ClientRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			records = append(records, e.record)
		}
		e.mu.Unlock()
	}
	return records
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Counts returns the number of clients in each status.
func (r *Registry) Counts() map[Status]int {
	counts := map[Status]int{StatusActive: 0, StatusStale: 0, StatusUnresponsive: 0}
	for _, rec := range r.List() {
		counts[rec.Status]++
	}
	return counts
}

// Evict removes the client. Evicting an unknown id is a no-op.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	e := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	r.log.Infow("client evicted", "ClientID", id)
}

// Age applies one liveness step to the client based on how long it has been silent at now.
// An Active or Unresponsive client silent for more than staleAfter becomes Stale. Only a
// client that is already Stale and silent for more than evictAfter is evicted, so every
// eviction is preceded by a Stale step in an earlier call.
func (r *Registry) Age(id string, now time.Time, staleAfter, evictAfter time.Duration) Transition {
	e := r.lookup(id)
	if e == nil {
		return TransitionNone
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return TransitionNone
	}
	elapsed := now.Sub(e.record.LastHeartbeatAt)
	switch {
	case e.record.Status != StatusStale && elapsed > staleAfter:
		e.record.Status = StatusStale
		e.mu.Unlock()
		r.log.Warnw("client stale", "ClientID", id, "Silence", elapsed)
		return TransitionStale
	case e.record.Status == StatusStale && elapsed > evictAfter:
		e.removed = true
		e.mu.Unlock()
	default:
		e.mu.Unlock()
		return TransitionNone
	}

	r.mu.Lock()
	if r.entries[id] == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	r.log.Infow("client evicted", "ClientID", id, "Silence", elapsed)
	return TransitionEvicted
}
