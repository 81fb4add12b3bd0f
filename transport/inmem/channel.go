package inmem

import (
	"context"
	"sync"

	"github.com/ozontech/duplex/part"
)

// Channel is an in-memory stream: inbound parts come from a Queue and
// outbound parts are recorded.
type Channel struct {
	*Queue
	name string

	mu      sync.Mutex
	written []part.Part
	onWrite func(ctx context.Context, p part.Part) error
}

// NewChannel returns a channel whose inbound side yields parts and then io.EOF.
func NewChannel(name string, parts ...part.Part) *Channel {
	c := NewOpenChannel(name)
	for _, p := range parts {
		c.Push(p)
	}
	c.CloseWrite()
	return c
}

// NewOpenChannel returns a channel whose inbound side waits for Push.
func NewOpenChannel(name string) *Channel {
	return &Channel{Queue: NewQueue(), name: name}
}

// OnWrite installs a hook called before a part is recorded. A hook error fails the write.
func (c *Channel) OnWrite(fn func(ctx context.Context, p part.Part) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = fn
}

func (c *Channel) Write(ctx context.Context, p part.Part) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if c.onWrite != nil {
		if err := c.onWrite(ctx, p); err != nil {
			return err
		}
	}
	c.written = append(c.written, p)
	return nil
}

func (c *Channel) Written() []part.Part {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]part.Part(nil), c.written...)
}

func (c *Channel) String() string { return "inmem:" + c.name }
