package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/anacrolix/log"
	"github.com/go-quicktest/qt"

	"github.com/anacrolix/wstracker/webtorrent"
)

type recordingSender struct {
	msgs []any
}

func (r *recordingSender) Send(msg any) {
	r.msgs = append(r.msgs, msg)
}

func (r *recordingSender) take() (ret []any) {
	ret = r.msgs
	r.msgs = nil
	return
}

func newTestTracker() *Tracker {
	settings := DefaultSettings()
	settings.RandIntN = func(int) int { return 0 }
	return New(settings)
}

func newTestConn() (*Conn, *recordingSender) {
	s := &recordingSender{}
	return NewConn(s), s
}

func msg(t testing.TB, fields map[string]any) (ret webtorrent.Message) {
	t.Helper()
	b, err := json.Marshal(fields)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(json.Unmarshal(b, &ret)))
	return
}

func announce(peerId, infoHash string, extra map[string]any) map[string]any {
	m := map[string]any{
		"action":    "announce",
		"info_hash": infoHash,
		"peer_id":   peerId,
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func offers(n int) (ret []any) {
	for i := range n {
		ret = append(ret, map[string]any{
			"offer_id": fmt.Sprintf("offer%d", i),
			"offer":    map[string]any{"type": "offer", "sdp": fmt.Sprintf("sdp%d", i)},
		})
	}
	return
}

func process(t testing.TB, tr *Tracker, c *Conn, fields map[string]any) error {
	t.Helper()
	return tr.ProcessMessage(context.Background(), msg(t, fields), c)
}

func mustProcess(t testing.TB, tr *Tracker, c *Conn, fields map[string]any) {
	t.Helper()
	qt.Assert(t, qt.IsNil(process(t, tr, c, fields)))
}

func announceReply(infoHash string, complete, incomplete int) webtorrent.AnnounceReply {
	return webtorrent.AnnounceReply{
		Action:     "announce",
		Interval:   120,
		InfoHash:   infoHash,
		Complete:   complete,
		Incomplete: incomplete,
	}
}

// Checks the swarm and registry invariants that must hold between operations.
func checkInvariants(t testing.TB, tr *Tracker) {
	t.Helper()
	for infoHash, swarm := range tr.swarms {
		qt.Assert(t, qt.Equals(swarm.infoHash, infoHash))
		qt.Assert(t, qt.Not(qt.Equals(swarm.NumPeers(), 0)))
		qt.Assert(t, qt.Equals(swarm.NumCompleted()+swarm.NumIncomplete(), swarm.NumPeers()))
		qt.Assert(t, qt.Equals(swarm.NumCompleted(), len(swarm.completedPeers)))
		seen := make(map[*Conn]bool)
		for _, c := range swarm.conns {
			qt.Assert(t, qt.IsFalse(seen[c]))
			seen[c] = true
			qt.Assert(t, qt.IsTrue(c.peerId.Ok))
			qt.Assert(t, qt.Equals(tr.peers[c.peerId.Value], c))
			qt.Assert(t, qt.Equals(c.swarms[infoHash], swarm))
		}
		for peerId := range swarm.completedPeers {
			qt.Assert(t, qt.IsTrue(seen[tr.peers[peerId]]))
		}
	}
	for peerId, c := range tr.peers {
		qt.Assert(t, qt.Equals(c.peerId.Value, peerId))
		for infoHash, swarm := range c.swarms {
			qt.Assert(t, qt.Equals(tr.swarms[infoHash], swarm))
		}
	}
}

func TestAnnounceThenOfferFromSecondPeer(t *testing.T) {
	tr := newTestTracker()
	a, aSent := newTestConn()
	b, bSent := newTestConn()

	mustProcess(t, tr, a, announce("a", "h", nil))
	qt.Assert(t, qt.DeepEquals(aSent.take(), []any{announceReply("h", 0, 1)}))

	mustProcess(t, tr, b, announce("b", "h", map[string]any{
		"offers":  offers(2),
		"numwant": 5,
	}))
	qt.Assert(t, qt.DeepEquals(bSent.take(), []any{announceReply("h", 0, 2)}))
	relays := aSent.take()
	qt.Assert(t, qt.HasLen(relays, 1))
	relay := relays[0].(webtorrent.OfferRelay)
	qt.Check(t, qt.Equals(relay.InfoHash, "h"))
	qt.Check(t, qt.Equals(relay.PeerID, "b"))
	qt.Check(t, qt.Equals(string(relay.OfferID), `"offer0"`))
	qt.Check(t, qt.Equals(string(relay.Offer.SDP), `"sdp0"`))
	qt.Check(t, qt.Equals(relay.Offer.Type.String(), "offer"))
	checkInvariants(t, tr)
}

func TestLeftZeroCountsAsCompleted(t *testing.T) {
	tr := newTestTracker()
	a, aSent := newTestConn()
	mustProcess(t, tr, a, announce("a", "h", map[string]any{"left": 0}))
	qt.Assert(t, qt.DeepEquals(aSent.take(), []any{announceReply("h", 1, 0)}))
}

func TestCompletingTwiceCountsOnce(t *testing.T) {
	tr := newTestTracker()
	a, aSent := newTestConn()
	b, _ := newTestConn()
	mustProcess(t, tr, a, announce("a", "h", nil))
	mustProcess(t, tr, b, announce("b", "h", nil))
	mustProcess(t, tr, a, announce("a", "h", map[string]any{"event": "completed"}))
	mustProcess(t, tr, a, announce("a", "h", map[string]any{"event": "completed", "left": 0}))
	mustProcess(t, tr, a, announce("a", "h", nil))
	qt.Assert(t, qt.DeepEquals(aSent.take(), []any{
		announceReply("h", 0, 1),
		announceReply("h", 1, 1),
		announceReply("h", 1, 1),
		announceReply("h", 1, 1),
	}))
	checkInvariants(t, tr)
}

func TestStartedEventIsAnnounce(t *testing.T) {
	tr := newTestTracker()
	a, aSent := newTestConn()
	mustProcess(t, tr, a, announce("a", "h", map[string]any{"event": "started"}))
	qt.Assert(t, qt.DeepEquals(aSent.take(), []any{announceReply("h", 0, 1)}))
}

func TestStopWhenNotMemberDoesNothing(t *testing.T) {
	tr := newTestTracker()
	a, aSent := newTestConn()
	mustProcess(t, tr, a, announce("a", "h", nil))
	aSent.take()
	mustProcess(t, tr, a, announce("a", "other", map[string]any{"event": "stopped"}))
	qt.Assert(t, qt.HasLen(aSent.take(), 0))
	qt.Assert(t, qt.HasLen(tr.swarms, 1))
	qt.Assert(t, qt.Equals(tr.swarms["h"].NumPeers(), 1))

	// An unbound connection isn't in any swarm either.
	u, uSent := newTestConn()
	mustProcess(t, tr, u, map[string]any{"action": "announce", "event": "stopped", "info_hash": "h"})
	qt.Assert(t, qt.HasLen(uSent.take(), 0))
	checkInvariants(t, tr)
}

func TestStopRemovesEmptySwarm(t *testing.T) {
	tr := newTestTracker()
	a, _ := newTestConn()
	b, _ := newTestConn()
	mustProcess(t, tr, a, announce("a", "h", map[string]any{"left": 0}))
	mustProcess(t, tr, b, announce("b", "h", nil))
	mustProcess(t, tr, a, announce("a", "h", map[string]any{"event": "stopped"}))
	qt.Assert(t, qt.Equals(tr.swarms["h"].NumPeers(), 1))
	qt.Assert(t, qt.Equals(tr.swarms["h"].NumCompleted(), 0))
	qt.Assert(t, qt.HasLen(a.swarms, 0))
	mustProcess(t, tr, b, announce("b", "h", map[string]any{"event": "stopped"}))
	qt.Assert(t, qt.HasLen(tr.swarms, 0))
	// Still bound after leaving every swarm.
	qt.Assert(t, qt.Equals(tr.peers["a"], a))
	checkInvariants(t, tr)
}

func TestNewConnectionSupersedesOldForSamePeerId(t *testing.T) {
	tr := newTestTracker()
	old, _ := newTestConn()
	other, _ := newTestConn()
	mustProcess(t, tr, old, announce("a", "h1", map[string]any{"left": 0}))
	mustProcess(t, tr, old, announce("a", "h2", nil))
	mustProcess(t, tr, other, announce("b", "h1", nil))

	c, cSent := newTestConn()
	mustProcess(t, tr, c, announce("a", "h1", nil))
	qt.Assert(t, qt.DeepEquals(cSent.take(), []any{announceReply("h1", 0, 2)}))
	qt.Assert(t, qt.Equals(tr.peers["a"], c))
	qt.Assert(t, qt.IsFalse(old.peerId.Ok))
	qt.Assert(t, qt.HasLen(old.swarms, 0))
	_, ok := tr.swarms["h2"]
	qt.Assert(t, qt.IsFalse(ok))
	checkInvariants(t, tr)

	// The transport eventually reports the old connection closing, which must not affect the new
	// one.
	tr.Disconnect(old)
	qt.Assert(t, qt.Equals(tr.peers["a"], c))
	qt.Assert(t, qt.Equals(tr.swarms["h1"].NumPeers(), 2))
	checkInvariants(t, tr)
}

func TestPeerIdRequiredAndFixed(t *testing.T) {
	tr := newTestTracker()
	a, aSent := newTestConn()
	err := process(t, tr, a, map[string]any{"action": "announce", "info_hash": "h"})
	qt.Assert(t, qt.ErrorIs(err, ErrProtocol))
	err = process(t, tr, a, announce("a", "h", map[string]any{"peer_id": 5}))
	qt.Assert(t, qt.ErrorIs(err, ErrProtocol))
	qt.Assert(t, qt.HasLen(tr.peers, 0))

	mustProcess(t, tr, a, announce("a", "h", nil))
	aSent.take()
	err = process(t, tr, a, announce("b", "h", nil))
	qt.Assert(t, qt.ErrorIs(err, ErrProtocol))
	err = process(t, tr, a, map[string]any{"action": "announce", "info_hash": "h"})
	qt.Assert(t, qt.ErrorIs(err, ErrProtocol))
	qt.Assert(t, qt.HasLen(aSent.take(), 0))
	qt.Assert(t, qt.Equals(tr.swarms["h"].NumPeers(), 1))
}

func TestMalformedInfoHash(t *testing.T) {
	tr := newTestTracker()
	a, aSent := newTestConn()
	err := process(t, tr, a, announce("a", "", map[string]any{"info_hash": []string{"h"}}))
	qt.Assert(t, qt.ErrorIs(err, ErrProtocol))
	qt.Assert(t, qt.HasLen(aSent.take(), 0))
	qt.Assert(t, qt.HasLen(tr.swarms, 0))
	qt.Assert(t, qt.HasLen(tr.peers, 0))
}

func TestUnknownActionOrEvent(t *testing.T) {
	tr := newTestTracker()
	a, _ := newTestConn()
	for _, m := range []map[string]any{
		{},
		{"action": "dance"},
		{"action": 1},
		announce("a", "h", map[string]any{"event": "paused"}),
		announce("a", "h", map[string]any{"event": ""}),
		announce("a", "h", map[string]any{"event": nil}),
	} {
		qt.Check(t, qt.ErrorIs(process(t, tr, a, m), ErrProtocol), qt.Commentf("%v", m))
	}
	qt.Assert(t, qt.HasLen(tr.swarms, 0))
}

func TestOfferToEveryOtherMember(t *testing.T) {
	tr := newTestTracker()
	var sents []*recordingSender
	for i := range 4 {
		c, s := newTestConn()
		sents = append(sents, s)
		mustProcess(t, tr, c, announce(fmt.Sprint(i), "h", nil))
		s.take()
	}
	c, s := newTestConn()
	mustProcess(t, tr, c, announce("x", "h", map[string]any{
		"offers":  offers(6),
		"numwant": 4,
	}))
	qt.Assert(t, qt.HasLen(s.take(), 1))
	offerIds := make(map[string]bool)
	for _, s := range sents {
		msgs := s.take()
		qt.Assert(t, qt.HasLen(msgs, 1))
		relay := msgs[0].(webtorrent.OfferRelay)
		qt.Check(t, qt.Equals(relay.PeerID, "x"))
		offerIds[string(relay.OfferID)] = true
	}
	qt.Assert(t, qt.DeepEquals(offerIds, map[string]bool{
		`"offer0"`: true, `"offer1"`: true, `"offer2"`: true, `"offer3"`: true,
	}))
}

func TestOffersCappedByMaxOffers(t *testing.T) {
	settings := DefaultSettings()
	settings.RandIntN = rand.IntN
	tr := New(settings)
	sents := make(map[*Conn]*recordingSender)
	for i := range 30 {
		c, s := newTestConn()
		sents[c] = s
		mustProcess(t, tr, c, announce(fmt.Sprint(i), "h", nil))
		s.take()
	}
	c, s := newTestConn()
	mustProcess(t, tr, c, announce("x", "h", map[string]any{
		"offers":  offers(25),
		"numwant": 25,
	}))
	qt.Assert(t, qt.HasLen(s.take(), 1))
	total := 0
	for _, s := range sents {
		n := len(s.take())
		qt.Assert(t, qt.IsTrue(n <= 1))
		total += n
	}
	qt.Assert(t, qt.Equals(total, 20))
}

func TestOffersNeedIntegerNumwant(t *testing.T) {
	tr := newTestTracker()
	a, aSent := newTestConn()
	mustProcess(t, tr, a, announce("a", "h", nil))
	aSent.take()
	b, _ := newTestConn()
	mustProcess(t, tr, b, announce("b", "h", map[string]any{"offers": offers(1)}))
	mustProcess(t, tr, b, announce("b", "h", map[string]any{"offers": offers(1), "numwant": 1.5}))
	mustProcess(t, tr, b, announce("b", "h", map[string]any{"offers": offers(1), "numwant": "1"}))
	mustProcess(t, tr, b, announce("b", "h", map[string]any{"offers": offers(1), "numwant": -1}))
	qt.Assert(t, qt.HasLen(aSent.take(), 0))
}

func TestMalformedOffers(t *testing.T) {
	tr := newTestTracker()
	a, _ := newTestConn()
	// Not checked until there's someone to send to.
	mustProcess(t, tr, a, announce("a", "h", map[string]any{"offers": "nope", "numwant": 1}))
	b, _ := newTestConn()
	err := process(t, tr, b, announce("b", "h", map[string]any{"offers": "nope", "numwant": 1}))
	qt.Check(t, qt.ErrorIs(err, ErrProtocol))
	err = process(t, tr, b, announce("b", "h", map[string]any{"offers": nil, "numwant": 1}))
	qt.Check(t, qt.ErrorIs(err, ErrProtocol))
	err = process(t, tr, b, announce("b", "h", map[string]any{"offers": []any{"x"}, "numwant": 1}))
	qt.Check(t, qt.ErrorIs(err, ErrProtocol))
	err = process(t, tr, b, announce("b", "h", map[string]any{
		"offers":  []any{map[string]any{"offer_id": "x", "offer": "sdp"}},
		"numwant": 1,
	}))
	qt.Check(t, qt.ErrorIs(err, ErrProtocol))
	checkInvariants(t, tr)
}

func TestOfferItemsValidatedAsConsumed(t *testing.T) {
	tr := newTestTracker()
	a, aSent := newTestConn()
	mustProcess(t, tr, a, announce("a", "h", nil))
	aSent.take()
	b, _ := newTestConn()
	// Only the first offer is needed for the one other member.
	mustProcess(t, tr, b, announce("b", "h", map[string]any{
		"offers":  append(offers(1), "garbage"),
		"numwant": 1,
	}))
	qt.Assert(t, qt.HasLen(aSent.take(), 1))
}

func TestOfferIdAndSdpPassedThrough(t *testing.T) {
	tr := newTestTracker()
	a, aSent := newTestConn()
	mustProcess(t, tr, a, announce("a", "h", nil))
	aSent.take()
	b, _ := newTestConn()
	mustProcess(t, tr, b, announce("b", "h", map[string]any{
		"offers":  []any{map[string]any{"offer_id": 7, "offer": map[string]any{"sdp": []int{1}}}},
		"numwant": 1,
	}))
	relay := aSent.take()[0].(webtorrent.OfferRelay)
	qt.Check(t, qt.Equals(string(relay.OfferID), "7"))
	qt.Check(t, qt.Equals(string(relay.Offer.SDP), "[1]"))

	mustProcess(t, tr, b, announce("b", "h", map[string]any{
		"offers":  []any{map[string]any{"offer": map[string]any{}}},
		"numwant": 1,
	}))
	relay = aSent.take()[0].(webtorrent.OfferRelay)
	qt.Check(t, qt.IsNil(relay.OfferID))
	qt.Check(t, qt.IsNil(relay.Offer.SDP))
}

func TestAnswerRelay(t *testing.T) {
	tr := newTestTracker()
	a, aSent := newTestConn()
	b, bSent := newTestConn()
	mustProcess(t, tr, a, announce("a", "h", nil))
	mustProcess(t, tr, b, announce("b", "h", nil))
	aSent.take()
	bSent.take()
	mustProcess(t, tr, b, map[string]any{
		"action":     "announce",
		"info_hash":  "h",
		"peer_id":    "b",
		"to_peer_id": "a",
		"offer_id":   "offer0",
		"answer":     map[string]any{"type": "answer", "sdp": "v=0"},
	})
	qt.Assert(t, qt.HasLen(bSent.take(), 0))
	sent := aSent.take()
	qt.Assert(t, qt.HasLen(sent, 1))
	qt.Assert(t, qt.DeepEquals(sent[0], any(msg(t, map[string]any{
		"action":    "announce",
		"info_hash": "h",
		"peer_id":   "b",
		"offer_id":  "offer0",
		"answer":    map[string]any{"type": "answer", "sdp": "v=0"},
	}))))
}

func TestAnswerToUnknownPeer(t *testing.T) {
	tr := newTestTracker()
	a, aSent := newTestConn()
	mustProcess(t, tr, a, announce("a", "h", nil))
	aSent.take()
	err := process(t, tr, a, map[string]any{
		"action":     "announce",
		"to_peer_id": "nobody",
		"answer":     map[string]any{},
	})
	qt.Assert(t, qt.ErrorIs(err, ErrProtocol))
	qt.Assert(t, qt.HasLen(aSent.take(), 0))

	u, _ := newTestConn()
	err = process(t, tr, u, map[string]any{
		"action":     "announce",
		"to_peer_id": "a",
		"answer":     map[string]any{},
	})
	qt.Assert(t, qt.ErrorIs(err, ErrProtocol))
	qt.Assert(t, qt.HasLen(aSent.take(), 0))
}

func TestScrape(t *testing.T) {
	tr := newTestTracker()
	a, _ := newTestConn()
	b, _ := newTestConn()
	mustProcess(t, tr, a, announce("a", "h1", map[string]any{"left": 0}))
	mustProcess(t, tr, b, announce("b", "h1", nil))
	mustProcess(t, tr, b, announce("b", "h2", nil))

	s, sSent := newTestConn()
	mustProcess(t, tr, s, map[string]any{"action": "scrape", "info_hash": "h1"})
	mustProcess(t, tr, s, map[string]any{"action": "scrape", "info_hash": "unknown"})
	mustProcess(t, tr, s, map[string]any{"action": "scrape", "info_hash": []any{"h2", 5, "unknown"}})
	mustProcess(t, tr, s, map[string]any{"action": "scrape", "info_hash": 5})
	mustProcess(t, tr, s, map[string]any{"action": "scrape"})
	h1 := webtorrent.ScrapeFile{Complete: 1, Incomplete: 1, Downloaded: 1}
	h2 := webtorrent.ScrapeFile{Complete: 0, Incomplete: 1, Downloaded: 0}
	reply := func(files map[string]webtorrent.ScrapeFile) webtorrent.ScrapeReply {
		return webtorrent.ScrapeReply{Action: "scrape", Files: files}
	}
	qt.Assert(t, qt.DeepEquals(sSent.take(), []any{
		reply(map[string]webtorrent.ScrapeFile{"h1": h1}),
		reply(map[string]webtorrent.ScrapeFile{"unknown": {}}),
		reply(map[string]webtorrent.ScrapeFile{"h2": h2, "unknown": {}}),
		reply(map[string]webtorrent.ScrapeFile{}),
		reply(map[string]webtorrent.ScrapeFile{"h1": h1, "h2": h2}),
	}))
	// Scraping doesn't bind or join anything.
	qt.Assert(t, qt.IsFalse(s.peerId.Ok))
}

func TestDisconnect(t *testing.T) {
	tr := newTestTracker()
	a, _ := newTestConn()
	b, _ := newTestConn()
	mustProcess(t, tr, a, announce("a", "h1", map[string]any{"left": 0}))
	mustProcess(t, tr, a, announce("a", "h2", nil))
	mustProcess(t, tr, b, announce("b", "h1", nil))
	tr.Disconnect(a)
	qt.Assert(t, qt.HasLen(tr.swarms, 1))
	qt.Assert(t, qt.Equals(tr.swarms["h1"].NumPeers(), 1))
	qt.Assert(t, qt.Equals(tr.swarms["h1"].NumCompleted(), 0))
	qt.Assert(t, qt.HasLen(tr.peers, 1))
	qt.Assert(t, qt.IsFalse(a.peerId.Ok))
	checkInvariants(t, tr)
	tr.Disconnect(a)
	tr.Disconnect(b)
	qt.Assert(t, qt.HasLen(tr.swarms, 0))
	qt.Assert(t, qt.HasLen(tr.peers, 0))
	// Never announced.
	u, _ := newTestConn()
	tr.Disconnect(u)
}

func TestStats(t *testing.T) {
	tr := newTestTracker()
	a, _ := newTestConn()
	b, _ := newTestConn()
	mustProcess(t, tr, a, announce("a", "h", map[string]any{"left": 0}))
	mustProcess(t, tr, b, announce("b", "h", nil))
	stats := tr.Stats()
	qt.Assert(t, qt.DeepEquals(stats.Swarms, []SwarmStats{{InfoHash: "h", Peers: 2, Completed: 1}}))
	qt.Check(t, qt.Equals(stats.NumPeers(), 2))
	qt.Check(t, qt.Equals(stats.NumCompleted(), 1))
}

func TestSettingsDefaults(t *testing.T) {
	qt.Check(t, qt.Equals(DefaultSettings().MaxOffers, 20))
	qt.Check(t, qt.Equals(DefaultSettings().AnnounceInterval, 120))
	tr := New(Settings{Logger: log.Default})
	qt.Check(t, qt.Equals(tr.Settings().MaxOffers, 0))
	qt.Check(t, qt.IsNotNil(tr.Settings().RandIntN))
}

func TestZeroMaxOffersRelaysNothing(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxOffers = 0
	settings.RandIntN = func(int) int { return 0 }
	tr := New(settings)
	a, aSent := newTestConn()
	mustProcess(t, tr, a, announce("a", "h", nil))
	aSent.take()
	b, bSent := newTestConn()
	mustProcess(t, tr, b, announce("b", "h", map[string]any{
		"offers":  offers(1),
		"numwant": 1,
	}))
	qt.Check(t, qt.HasLen(bSent.take(), 1))
	qt.Check(t, qt.HasLen(aSent.take(), 0))
}

// Applies random operations from a small pool of identities, connections and info hashes, checking
// invariants after each.
func TestRandomOperationsKeepInvariants(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	settings := DefaultSettings()
	settings.RandIntN = r.IntN
	tr := New(settings)
	var conns []*Conn
	for range 2000 {
		if len(conns) == 0 || r.IntN(8) == 0 {
			c, _ := newTestConn()
			conns = append(conns, c)
		}
		c := conns[r.IntN(len(conns))]
		peerId := fmt.Sprint(r.IntN(5))
		if c.peerId.Ok && r.IntN(10) != 0 {
			peerId = c.peerId.Value
		}
		infoHash := fmt.Sprint(r.IntN(4))
		switch r.IntN(6) {
		case 0:
			_ = process(t, tr, c, announce(peerId, infoHash, map[string]any{"event": "stopped"}))
		case 1:
			tr.Disconnect(c)
		case 2:
			_ = process(t, tr, c, announce(peerId, infoHash, map[string]any{"event": "completed"}))
		default:
			_ = process(t, tr, c, announce(peerId, infoHash, map[string]any{
				"left":    r.IntN(2),
				"offers":  offers(r.IntN(4)),
				"numwant": r.IntN(4),
			}))
		}
		checkInvariants(t, tr)
	}
}
