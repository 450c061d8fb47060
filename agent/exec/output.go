package exec

import (
	"bytes"
	"fmt"
	"sync"
)

// cappedBuffer keeps the first limit bytes written to it and counts the rest.
// Writes never fail, so a chatty command is not killed by a broken pipe.
type cappedBuffer struct {
	m       sync.Mutex
	limit   int
	buf     bytes.Buffer
	dropped int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.m.Lock()
	defer c.m.Unlock()

	room := c.limit - c.buf.Len()
	if room >= len(p) {
		return c.buf.Write(p)
	}
	if room > 0 {
		c.buf.Write(p[:room])
	}
	c.dropped += len(p) - max(room, 0)
	return len(p), nil
}

// String returns the kept output, with a note when some of it was dropped.
func (c *cappedBuffer) String() string {
	c.m.Lock()
	defer c.m.Unlock()
	if c.dropped == 0 {
		return c.buf.String()
	}
	return c.buf.String() + fmt.Sprintf("\n[output truncated, %d bytes dropped]", c.dropped)
}
