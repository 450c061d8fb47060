package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAfter(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	ch := c.After(10 * time.Second)
	require.Equal(t, 1, c.Pending())

	c.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case fired := <-ch:
		assert.Equal(t, start.Add(10*time.Second), fired)
	default:
		t.Fatal("did not fire")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}

func TestSleepInterrupted(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	done := make(chan struct{})
	close(done)
	assert.False(t, Sleep(c, time.Hour, done))
}
