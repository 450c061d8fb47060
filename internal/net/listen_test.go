package net

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenEphemeral(t *testing.T) {
	l, port, err := Listen("localhost:0")
	require.NoError(t, err)
	defer l.Close()
	assert.NotZero(t, port)

	conn, err := net.Dial("tcp", fmt.Sprintf("localhost:%d", port))
	require.NoError(t, err)
	conn.Close()
}

func TestListenBadAddr(t *testing.T) {
	_, _, err := Listen("not an address")
	assert.Error(t, err)
}
