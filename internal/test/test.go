package test

import (
	"os"
	"testing"
)

// Integration skips the test unless RSUPPORT_INTEGRATION is set.
// Integration tests need external services, such as a NATS server.
func Integration(t *testing.T) {
	if os.Getenv("RSUPPORT_INTEGRATION") == "" {
		t.Skip("skipping integration test, set RSUPPORT_INTEGRATION to run")
	}
}

// NATSURL returns the NATS server integration tests connect to.
func NATSURL() string {
	if u := os.Getenv("NATS_URL"); u != "" {
		return u
	}
	return "nats://localhost:4222"
}
