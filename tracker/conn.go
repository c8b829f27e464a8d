package tracker

import (
	g "github.com/anacrolix/generics"
)

// Sender hands a message to a peer's connection for writing. It must not block, and must not call
// back into the Tracker: it's called with the Tracker's lock held.
type Sender interface {
	Send(msg any)
}

// Conn is the tracker's state for one transport connection. The transport creates it, passes it to
// every ProcessMessage call for that connection, and calls Tracker.Disconnect once when the
// connection ends. Its fields are guarded by the Tracker lock.
type Conn struct {
	sender Sender
	// Bound by the first successful announce.
	peerId g.Option[string]
	// The swarms this connection announced into, by info hash.
	swarms map[string]*Swarm
}

func NewConn(sender Sender) *Conn {
	return &Conn{sender: sender}
}

func (c *Conn) send(msg any) {
	c.sender.Send(msg)
}
