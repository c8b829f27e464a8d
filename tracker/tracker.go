// Package tracker implements the WebTorrent tracker protocol: peers announce into swarms by info
// hash, and the tracker relays WebRTC offers and answers between them.
package tracker

import (
	"context"
	"encoding/json"
	"expvar"
	"maps"
	"math/rand/v2"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/anacrolix/wstracker/webtorrent"
)

var (
	metrics = expvar.NewMap("tracker")
	tracer  = otel.Tracer("wstracker.tracker")
)

type Settings struct {
	// Most offers relayed for a single announce.
	MaxOffers int
	// Seconds between announces, advertised to peers.
	AnnounceInterval int
	Logger           log.Logger
	// Returns a uniformly random int in [0, n).
	RandIntN func(n int) int
}

func DefaultSettings() Settings {
	return Settings{
		MaxOffers:        20,
		AnnounceInterval: 120,
		Logger:           log.Default.WithNames("tracker"),
		RandIntN:         rand.IntN,
	}
}

// Tracker holds the swarms and the peer registry. All operations are serialized by a single lock,
// so it's safe to use from every connection's goroutine.
type Tracker struct {
	settings Settings
	logger   log.Logger

	mu sync.Mutex
	// Non-empty swarms by info hash.
	swarms map[string]*Swarm
	// The connection currently bound to each peer ID.
	peers map[string]*Conn
}

// New returns a Tracker. Settings are used as given, so start from DefaultSettings. A zero MaxOffers
// relays no offers. A nil RandIntN uses math/rand/v2.
func New(settings Settings) *Tracker {
	if settings.RandIntN == nil {
		settings.RandIntN = rand.IntN
	}
	return &Tracker{
		settings: settings,
		logger:   settings.Logger,
		swarms:   make(map[string]*Swarm),
		peers:    make(map[string]*Conn),
	}
}

func (t *Tracker) Settings() Settings {
	return t.settings
}

// ProcessMessage handles a message received on c. Replies and relays are passed to the Senders of
// the connections involved before it returns. An error wrapping ErrProtocol means the peer broke
// the protocol and c should be closed.
func (t *Tracker) ProcessMessage(ctx context.Context, msg webtorrent.Message, c *Conn) (err error) {
	action, _ := msg.String("action")
	event, _ := msg.String("event")
	infoHash, _ := msg.String("info_hash")
	_, span := tracer.Start(ctx, "Tracker.ProcessMessage",
		trace.WithAttributes(
			attribute.String("message.action", action),
			attribute.String("message.event", event),
			attribute.String("message.info_hash", webtorrent.BinaryStringHex(infoHash)),
		))
	defer span.End()
	defer func() {
		if err != nil {
			metrics.Add("protocol errors", 1)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	t.mu.Lock()
	defer t.mu.Unlock()
	switch action {
	case webtorrent.ActionAnnounce:
		if !msg.Has("event") {
			if msg.Has("answer") {
				return t.processAnswer(msg, c)
			}
			return t.processAnnounce(msg, c, false)
		}
		var ev AnnounceEvent
		if s, ok := msg.String("event"); !ok || ev.UnmarshalText([]byte(s)) != nil {
			return protocolError("unknown announce event")
		}
		switch ev {
		case Started:
			return t.processAnnounce(msg, c, false)
		case Completed:
			return t.processAnnounce(msg, c, true)
		case Stopped:
			t.processStop(msg, c)
			return nil
		}
		panic(ev)
	case webtorrent.ActionScrape:
		t.processScrape(msg, c)
		return nil
	default:
		return protocolError("unknown action")
	}
}

// Disconnect removes c from every swarm and the peer registry. It must be called when the transport
// connection ends. Calling it again, or on a connection that never announced, does nothing.
func (t *Tracker) Disconnect(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnect(c)
}

func (t *Tracker) disconnect(c *Conn) {
	if !c.peerId.Ok {
		return
	}
	peerId := c.peerId.Value
	t.logger.Levelf(log.Debug, "disconnect peer: %x", peerId)
	for _, swarm := range c.swarms {
		t.removeFromSwarm(c, swarm)
	}
	if t.peers[peerId] == c {
		delete(t.peers, peerId)
	}
	c.peerId = g.None[string]()
}

func (t *Tracker) processAnnounce(msg webtorrent.Message, c *Conn, completed bool) error {
	metrics.Add("announces", 1)
	infoHash, ok := msg.String("info_hash")
	if !ok {
		return protocolError("announce: info_hash field is missing or wrong")
	}
	peerId, peerIdOk := msg.String("peer_id")
	var swarm *Swarm
	if !c.peerId.Ok {
		if !peerIdOk {
			return protocolError("announce: peer_id field is missing or wrong")
		}
		t.bindPeerId(c, peerId)
	} else if peerIdOk && peerId == c.peerId.Value {
		swarm = c.swarms[infoHash]
	} else {
		return protocolError("announce: different peer_id on the same connection")
	}
	left := msg.Number("left")
	completed = completed || left.Ok && left.Value == 0
	if swarm == nil {
		swarm = t.addToSwarm(c, infoHash, completed)
	} else if completed {
		swarm.setCompleted(c)
	}
	c.send(webtorrent.AnnounceReply{
		Action:     webtorrent.ActionAnnounce,
		Interval:   t.settings.AnnounceInterval,
		InfoHash:   infoHash,
		Complete:   swarm.NumCompleted(),
		Incomplete: swarm.NumIncomplete(),
	})
	return t.sendOffers(msg, swarm, c)
}

// Binds peerId to an unbound connection. Any other connection holding the same peer ID is purged
// first, so the newest connection for an identity wins.
func (t *Tracker) bindPeerId(c *Conn, peerId string) {
	if old, ok := t.peers[peerId]; ok && old != c {
		t.logger.Levelf(log.Debug, "announce: peer %x superseded by new connection", peerId)
		metrics.Add("superseded connections", 1)
		t.disconnect(old)
	}
	c.peerId = g.Some(peerId)
	t.peers[peerId] = c
}

func (t *Tracker) addToSwarm(c *Conn, infoHash string, completed bool) *Swarm {
	swarm, ok := t.swarms[infoHash]
	if !ok {
		t.logger.Levelf(log.Debug, "announce: swarm created: %x", infoHash)
		swarm = newSwarm(infoHash)
		t.swarms[infoHash] = swarm
	}
	t.logger.Levelf(log.Debug, "announce: peer %x added to swarm %x", c.peerId.Value, infoHash)
	swarm.addPeer(c, completed)
	g.MakeMapIfNilAndSet(&c.swarms, infoHash, swarm)
	return swarm
}

func (t *Tracker) removeFromSwarm(c *Conn, swarm *Swarm) {
	swarm.removePeer(c)
	delete(c.swarms, swarm.infoHash)
	t.logger.Levelf(log.Debug, "peer %x removed from swarm %x", c.peerId.Value, swarm.infoHash)
	if swarm.NumPeers() == 0 {
		t.logger.Levelf(log.Debug, "swarm removed (empty): %x", swarm.infoHash)
		delete(t.swarms, swarm.infoHash)
	}
}

// Forwards an answer to the peer that made the offer. The recipient sees the answering peer's ID in
// place of the addressing field.
func (t *Tracker) processAnswer(msg webtorrent.Message, c *Conn) error {
	if !c.peerId.Ok {
		return protocolError("answer: connection has no peer_id")
	}
	toPeerId, ok := msg.String("to_peer_id")
	to, found := t.peers[toPeerId]
	if !ok || !found {
		return protocolError("answer: to_peer_id is not in the swarm")
	}
	relay := maps.Clone(msg)
	delete(relay, "to_peer_id")
	peerIdJson, err := json.Marshal(c.peerId.Value)
	if err != nil {
		panic(err)
	}
	relay["peer_id"] = peerIdJson
	to.send(relay)
	metrics.Add("answers relayed", 1)
	t.logger.Levelf(log.Debug, "answer: from peer %x to peer %x", c.peerId.Value, toPeerId)
	return nil
}

// Leaves the swarm for info_hash. It's not an error if the connection isn't in it.
func (t *Tracker) processStop(msg webtorrent.Message, c *Conn) {
	infoHash, _ := msg.String("info_hash")
	swarm, ok := c.swarms[infoHash]
	if !ok {
		t.logger.Levelf(log.Debug, "stop event: peer not in the swarm")
		return
	}
	t.removeFromSwarm(c, swarm)
}
