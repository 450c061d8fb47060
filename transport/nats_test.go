package transport

import (
	"testing"
	"time"

	"github.com/guseggert/rsupport/internal/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dialTestNATS(t *testing.T, cfg NATSConfig) *NATSBus {
	test.Integration(t)
	cfg.URL = test.NATSURL()
	cfg.ConnectTimeout = 2 * time.Second
	b, err := DialNATS(cfg, zap.NewNop().Sugar())
	if err != nil {
		t.Skipf("NATS not available at %s: %s", cfg.URL, err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNATSPubSub(t *testing.T) {
	b := dialTestNATS(t, DefaultNATSConfig())

	sub, err := b.Subscribe("rsupport-test.heartbeat.*")
	require.NoError(t, err)
	require.NoError(t, b.Conn().Flush())

	require.NoError(t, b.Publish("rsupport-test.heartbeat.c1", []byte("hello")))

	m := receive(t, sub)
	assert.Equal(t, "rsupport-test.heartbeat.c1", m.Subject)
	assert.Equal(t, "hello", string(m.Data))

	require.NoError(t, sub.Unsubscribe())
	_, ok := <-sub.Messages()
	assert.False(t, ok)
}

func TestNATSCloseSignalsClosed(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	b := dialTestNATS(t, cfg)

	sub, err := b.Subscribe("rsupport-test.x")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	select {
	case <-b.Closed():
	case <-time.After(time.Second):
		t.Fatal("Closed not signalled")
	}
	_, ok := <-sub.Messages()
	assert.False(t, ok)
	assert.ErrorIs(t, b.Publish("rsupport-test.x", nil), ErrClosed)
}
