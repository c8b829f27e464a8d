package tracker

import (
	"slices"

	g "github.com/anacrolix/generics"
)

// Swarm is the set of connections announced under one info hash. Member order is not meaningful.
type Swarm struct {
	infoHash       string
	conns          []*Conn
	completedCount int
	// Peer IDs of members that reported completion. Most swarms never see one, so this is created
	// on demand.
	completedPeers map[string]struct{}
}

func newSwarm(infoHash string) *Swarm {
	return &Swarm{infoHash: infoHash}
}

func (s *Swarm) InfoHash() string {
	return s.infoHash
}

func (s *Swarm) NumPeers() int {
	return len(s.conns)
}

func (s *Swarm) NumCompleted() int {
	return s.completedCount
}

func (s *Swarm) NumIncomplete() int {
	return len(s.conns) - s.completedCount
}

// The caller ensures c isn't already a member, and that c has a peer ID.
func (s *Swarm) addPeer(c *Conn, completed bool) {
	s.conns = append(s.conns, c)
	if completed {
		s.setCompleted(c)
	}
}

func (s *Swarm) removePeer(c *Conn) {
	i := slices.Index(s.conns, c)
	if i == -1 {
		return
	}
	if _, ok := s.completedPeers[c.peerId.Value]; ok {
		delete(s.completedPeers, c.peerId.Value)
		s.completedCount--
	}
	last := len(s.conns) - 1
	s.conns[i] = s.conns[last]
	s.conns[last] = nil
	s.conns = s.conns[:last]
}

// Records completion for a member. Repeated reports don't count again.
func (s *Swarm) setCompleted(c *Conn) {
	g.MakeMapIfNil(&s.completedPeers)
	if _, ok := s.completedPeers[c.peerId.Value]; ok {
		return
	}
	s.completedPeers[c.peerId.Value] = struct{}{}
	s.completedCount++
}
