package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		match   bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b", false},
		{"a.*.c", "a.x.c", true},
		{"a.*.c", "a.x.y.c", false},
		{"a.*", "a", false},
		{"a.>", "a.b", true},
		{"a.>", "a.b.c.d", true},
		{"a.>", "a", false},
		{"p.*.c1", "p.ping.c1", true},
		{"p.*.c1", "p.ping.c10", false},
		{"p.heartbeat.*", "p.heartbeat.c1", true},
		{"p.heartbeat.*", "q.heartbeat.c1", false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.match, MatchSubject(c.pattern, c.subject), "%s vs %s", c.pattern, c.subject)
	}
}

func receive(t *testing.T, sub Subscription) *Message {
	t.Helper()
	select {
	case m, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestMemoryPubSub(t *testing.T) {
	broker := NewMemoryBroker()
	a := broker.Connect()
	b := broker.Connect()
	defer a.Close()
	defer b.Close()

	sub, err := b.Subscribe("p.heartbeat.*")
	require.NoError(t, err)

	require.NoError(t, a.Publish("p.heartbeat.c1", []byte("hello")))
	require.NoError(t, a.Publish("p.register.c1", []byte("ignored")))

	m := receive(t, sub)
	assert.Equal(t, "p.heartbeat.c1", m.Subject)
	assert.Equal(t, "hello", string(m.Data))

	select {
	case m := <-sub.Messages():
		t.Fatalf("unexpected message on %s", m.Subject)
	default:
	}
	assert.EqualValues(t, 2, broker.Published())
	assert.Equal(t, 2, broker.Connections())
}

func TestMemoryCloseEndsSubscriptions(t *testing.T) {
	broker := NewMemoryBroker()
	conn := broker.Connect()
	sub, err := conn.Subscribe("x.>")
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	_, ok := <-sub.Messages()
	assert.False(t, ok)
	select {
	case <-conn.Closed():
	default:
		t.Fatal("Closed not signalled")
	}
	assert.ErrorIs(t, conn.Publish("x.y", nil), ErrClosed)
	_, err = conn.Subscribe("x.y")
	assert.ErrorIs(t, err, ErrClosed)

	// other connections keep working
	other := broker.Connect()
	sub2, err := other.Subscribe("x.y")
	require.NoError(t, err)
	require.NoError(t, other.Publish("x.y", []byte("z")))
	assert.Equal(t, "z", string(receive(t, sub2).Data))
}

func TestMemoryUnsubscribe(t *testing.T) {
	broker := NewMemoryBroker()
	conn := broker.Connect()
	defer conn.Close()

	sub, err := conn.Subscribe("x")
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, conn.Publish("x", nil))

	_, ok := <-sub.Messages()
	assert.False(t, ok)
}
