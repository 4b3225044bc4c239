package updater

import "sync"

// Reply is an HTTP reply produced by the update flow.
// Every reply closes the connection after it is sent.
type Reply struct {
	Status int
	Body   string
}

// Conn is the handle a session keeps to the connection that may still be
// waiting for a reply. The HTTP layer closes it when the client goes away;
// close hooks let holders drop their reference.
type Conn struct {
	mu        sync.Mutex
	replies   chan Reply
	closed    bool
	delivered bool
	onClose   []func()
}

// NewConn returns an open connection handle.
func NewConn() *Conn {
	return &Conn{replies: make(chan Reply, 1)}
}

// Deliver queues r for the waiting handler. It returns false if the
// connection is closed or already has its reply.
func (c *Conn) Deliver(r Reply) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.delivered {
		return false
	}
	c.delivered = true
	c.replies <- r
	return true
}

// Replies yields at most one reply.
func (c *Conn) Replies() <-chan Reply {
	return c.replies
}

// OnClose registers fn to run when the connection closes. If it is already
// closed fn runs immediately.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// Close marks the connection gone and runs the close hooks once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
