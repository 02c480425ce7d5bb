package relay

import "time"

// conn is the registry's record of a peer.
type conn struct {
	peer     Peer
	session  string // session whose audio this peer carries
	joined   time.Time
	lastSeen time.Time
	misses   int
	awaiting bool
}

// registry tracks every live peer. It is owned by the hub goroutine.
type registry struct {
	conns map[string]*conn
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*conn)}
}

// add registers p. Registering an id twice is a no-op.
func (r *registry) add(p Peer, now time.Time) (*conn, bool) {
	if _, ok := r.conns[p.ID()]; ok {
		return nil, false
	}
	c := &conn{peer: p, joined: now, lastSeen: now}
	if p.Kind() == PeerClient {
		c.session = p.ID()
	}
	r.conns[p.ID()] = c
	return c, true
}

// remove unregisters id. Removing an absent id is a no-op.
func (r *registry) remove(id string) (*conn, bool) {
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return c, ok
}

func (r *registry) get(id string) (*conn, bool) {
	c, ok := r.conns[id]
	return c, ok
}

func (r *registry) len() int {
	return len(r.conns)
}

func (r *registry) count(kind PeerKind) int {
	n := 0
	for _, c := range r.conns {
		if c.peer.Kind() == kind {
			n++
		}
	}
	return n
}

// broadcast hands frame to every peer but the sender. Each recipient gets
// frames in the order broadcast is called, since every peer queue is FIFO and
// only the hub goroutine writes to it. Peers that are closing refuse the
// frame and are skipped.
func (r *registry) broadcast(senderID string, frame []byte, echo bool) int {
	delivered := 0
	for id, c := range r.conns {
		if id == senderID && !echo {
			continue
		}
		if c.peer.SendBinary(frame) {
			delivered++
		}
	}
	return delivered
}
