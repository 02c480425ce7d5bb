package relay

import "time"

// heartbeat probes every peer once. A peer that has not answered the
// previous probe collects a miss; MaxMisses consecutive misses reap it
// through the same path as a close.
func (h *Hub) heartbeat(now time.Time) {
	var dead []string
	for id, c := range h.registry.conns {
		if c.awaiting {
			c.misses++
			if c.misses >= h.policy.MaxMisses {
				dead = append(dead, id)
				continue
			}
		}
		c.awaiting = true
		c.peer.Ping()
	}
	for _, id := range dead {
		h.log.Warn().Str("peer", id).Int("misses", h.policy.MaxMisses).Msg("heartbeat timeout")
		h.unregister(id, "heartbeat timeout")
	}
}

func (h *Hub) onPong(id string, now time.Time) {
	c, ok := h.registry.get(id)
	if !ok {
		return
	}
	c.awaiting = false
	c.misses = 0
	c.lastSeen = now
}
