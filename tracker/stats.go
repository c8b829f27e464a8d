package tracker

type SwarmStats struct {
	InfoHash  string
	Peers     int
	Completed int
}

type Stats struct {
	Swarms []SwarmStats
}

func (s Stats) NumPeers() (ret int) {
	for _, swarm := range s.Swarms {
		ret += swarm.Peers
	}
	return
}

func (s Stats) NumCompleted() (ret int) {
	for _, swarm := range s.Swarms {
		ret += swarm.Completed
	}
	return
}

// Stats returns a snapshot of every swarm.
func (t *Tracker) Stats() (ret Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ret.Swarms = make([]SwarmStats, 0, len(t.swarms))
	for infoHash, swarm := range t.swarms {
		ret.Swarms = append(ret.Swarms, SwarmStats{
			InfoHash:  infoHash,
			Peers:     swarm.NumPeers(),
			Completed: swarm.NumCompleted(),
		})
	}
	return
}
