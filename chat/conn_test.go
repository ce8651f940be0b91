package chat

import (
	"encoding/json"
	"sync"
	"testing"
)

type fakeConn struct {
	id string

	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	sendErr error
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) failWith(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// messages decodes every frame received so far.
func (c *fakeConn) messages(t *testing.T) []Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, 0, len(c.frames))
	for _, f := range c.frames {
		var m Message
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("conn %s received undecodable frame %s: %v", c.id, f, err)
		}
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) ofType(t *testing.T, mt MessageType) []Message {
	t.Helper()
	var out []Message
	for _, m := range c.messages(t) {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

var _ Conn = (*fakeConn)(nil)
