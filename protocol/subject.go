package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidClientID is returned when a client id cannot be used in a subject.
var ErrInvalidClientID = errors.New("invalid client id")

// ErrInvalidSubject is returned when a subject or prefix does not follow the addressing scheme.
var ErrInvalidSubject = errors.New("invalid subject")

// Kind is the middle token of a subject and says what travels on it.
type Kind string

const (
	// Published by clients.
	KindRegister  Kind = "register"
	KindHeartbeat Kind = "heartbeat"
	KindReply     Kind = "reply"

	// Published by the server to a single client.
	KindCommand  Kind = "command"
	KindSysInfo  Kind = "sysinfo"
	KindPing     Kind = "ping"
	KindShutdown Kind = "shutdown"
	KindLog      Kind = "log"
)

var kinds = map[Kind]bool{
	KindRegister: true, KindHeartbeat: true, KindReply: true,
	KindCommand: true, KindSysInfo: true, KindPing: true, KindShutdown: true, KindLog: true,
}

// FromClient reports whether subjects of kind k are published by clients.
func (k Kind) FromClient() bool {
	return k == KindRegister || k == KindHeartbeat || k == KindReply
}

const delimiter = "."

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "rs-support"

// ValidateClientID rejects ids that would change the shape of a subject: empty ids and ids
// containing the delimiter, a wildcard token, whitespace or control characters.
func ValidateClientID(id string) error {
	if err := validateToken(id); err != nil {
		return fmt.Errorf("%w %q: %s", ErrInvalidClientID, id, err)
	}
	return nil
}

// ValidatePrefix checks a subject prefix. A prefix may span several tokens ("acme.support"),
// but each token follows the client id rules.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("%w: empty prefix", ErrInvalidSubject)
	}
	for _, tok := range strings.Split(prefix, delimiter) {
		if err := validateToken(tok); err != nil {
			return fmt.Errorf("%w: prefix %q: %s", ErrInvalidSubject, prefix, err)
		}
	}
	return nil
}

func validateToken(s string) error {
	if s == "" {
		return errors.New("empty token")
	}
	for _, r := range s {
		switch {
		case r == '.':
			return errors.New("contains the subject delimiter")
		case r == '*' || r == '>':
			return errors.New("contains a wildcard")
		case unicode.IsSpace(r) || unicode.IsControl(r):
			return errors.New("contains whitespace or control characters")
		}
	}
	return nil
}

// Address returns the subject for messages of kind k concerning client id.
func Address(prefix, id string, k Kind) (string, error) {
	if !kinds[k] {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidSubject, k)
	}
	if err := ValidateClientID(id); err != nil {
		return "", err
	}
	return prefix + delimiter + string(k) + delimiter + id, nil
}

// Wildcard returns the subscription pattern that matches kind k for every client.
func Wildcard(prefix string, k Kind) string {
	return prefix + delimiter + string(k) + delimiter + "*"
}

// ClientWildcard returns the subscription pattern that matches every kind addressed to client id.
func ClientWildcard(prefix, id string) (string, error) {
	if err := ValidateClientID(id); err != nil {
		return "", err
	}
	return prefix + delimiter + "*" + delimiter + id, nil
}

// Parse splits a subject produced by Address back into its kind and client id.
func Parse(prefix, subject string) (Kind, string, error) {
	rest, ok := strings.CutPrefix(subject, prefix+delimiter)
	if !ok {
		return "", "", fmt.Errorf("%w: %q is outside prefix %q", ErrInvalidSubject, subject, prefix)
	}
	kind, id, ok := strings.Cut(rest, delimiter)
	if !ok || !kinds[Kind(kind)] {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	if err := ValidateClientID(id); err != nil {
		return "", "", err
	}
	return Kind(kind), id, nil
}

// DefaultClientID derives a stable client id from the local username and hostname.
// Characters outside [A-Za-z0-9_-] are replaced with '-', so the result is always addressable.
func DefaultClientID(username, hostname string) string {
	if username == "" {
		username = "unknown-user"
	}
	if hostname == "" {
		hostname = "unknown-host"
	}
	return sanitize(username) + "-" + sanitize(hostname)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '-'
	}, s)
}
