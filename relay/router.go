package relay

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/conclave-mpc/conclave/protocol"
)

// Router tracks live authenticated connections by transport public key and
// forwards opaque frames among them. It holds no key material and never
// inspects envelope payloads.
type Router struct {
	active *xsync.MapOf[string, *conn]
}

// NewRouter creates an empty connection registry.
func NewRouter() *Router {
	return &Router{active: xsync.NewMapOf[string, *conn]()}
}

func (r *Router) promote(c *conn) {
	r.active.Store(string(c.publicKey), c)
}

func (r *Router) drop(c *conn) {
	// only remove if this connection still owns the key; a reconnect may
	// have replaced it
	if cur, ok := r.active.Load(string(c.publicKey)); ok && cur == c {
		r.active.Delete(string(c.publicKey))
	}
}

func (r *Router) lookup(key []byte) (*conn, bool) {
	return r.active.Load(string(key))
}

// deliver queues an encoded frame for the holder of key. Per-recipient
// ordering is preserved by the recipient's single writer goroutine.
func (r *Router) deliver(key []byte, frame protocol.Frame) error {
	c, ok := r.lookup(key)
	if !ok {
		return ErrRecipientUnreachable
	}
	return c.enqueue(protocol.EncodeFrame(frame))
}
