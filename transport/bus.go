// Package transport provides the publish/subscribe bus rsupport runs on.
//
// The bus only promises best-effort delivery to current subscribers: no ordering across
// subjects, no persistence, no request/reply. Everything above that is built by the
// protocol layers on Publish and Subscribe alone.
package transport

import (
	"errors"
	"strings"
)

// ErrClosed is returned by operations on a bus whose connection is gone.
var ErrClosed = errors.New("bus closed")

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 256

type Message struct {
	Subject string
	Data    []byte
}

// Bus is a connection to the message bus.
type Bus interface {
	Publish(subject string, data []byte) error
	// Subscribe starts delivering messages whose subject matches pattern.
	// Patterns use NATS wildcards: "*" matches one token, ">" matches the rest.
	Subscribe(pattern string) (Subscription, error)
	// Closed is closed once the connection is lost for good, either through Close
	// or because the transport gave up on it.
	Closed() <-chan struct{}
	Close() error
}

type Subscription interface {
	// Messages is closed when the subscription ends.
	Messages() <-chan *Message
	Unsubscribe() error
}

// MatchSubject reports whether subject matches pattern under NATS wildcard rules.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
