package net

import (
	"fmt"
	"net"
)

// Listen opens a TCP listener on addr and returns it with the port it is bound to.
// A zero port, as in "localhost:0", binds a free ephemeral port.
func Listen(addr string) (net.Listener, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("resolving %s: %w", addr, err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, 0, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}
