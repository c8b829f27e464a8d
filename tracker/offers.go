package tracker

import (
	"encoding/json"

	"github.com/anacrolix/log"
	"github.com/pion/webrtc/v4"

	"github.com/anacrolix/wstracker/webtorrent"
)

// Chooses which members receive an announcing peer's offers. The i-th returned member gets the i-th
// offer. numOffers and maxOffers cap the result, as does numWant. When there are enough offers for
// every other member, all of them get one. Otherwise members are taken walking circularly from a
// random index given by randIntN, which is cheaper than a proper sample and close enough.
func selectOfferTargets[T comparable](
	members []T,
	requester T,
	numOffers, maxOffers, numWant int,
	randIntN func(n int) int,
) (ret []T) {
	if len(members) <= 1 {
		return
	}
	others := len(members) - 1
	count := min(others, numOffers, maxOffers, numWant)
	if count <= 0 {
		return
	}
	ret = make([]T, 0, count)
	if count == others {
		for _, m := range members {
			if m != requester {
				ret = append(ret, m)
			}
		}
		return
	}
	i := randIntN(len(members))
	for len(ret) < count {
		if members[i] != requester {
			ret = append(ret, members[i])
		}
		i++
		if i == len(members) {
			i = 0
		}
	}
	return
}

// Relays offers from the announcing connection to other members of the swarm.
func (t *Tracker) sendOffers(msg webtorrent.Message, swarm *Swarm, from *Conn) error {
	if swarm.NumPeers() <= 1 {
		return nil
	}
	rawOffers, ok := msg["offers"]
	if !ok {
		return nil
	}
	if !webtorrent.IsKind(rawOffers, '[') {
		return protocolError("announce: offers field is not an array")
	}
	var offers []json.RawMessage
	if err := json.Unmarshal(rawOffers, &offers); err != nil {
		return protocolError("announce: decoding offers: %v", err)
	}
	numWant := msg.Integer("numwant")
	if !numWant.Ok {
		return nil
	}
	targets := selectOfferTargets(
		swarm.conns, from, len(offers), t.settings.MaxOffers, numWant.Value, t.settings.RandIntN)
	for i, to := range targets {
		relay, err := newOfferRelay(offers[i], swarm.infoHash, from.peerId.Value)
		if err != nil {
			return err
		}
		to.send(relay)
	}
	t.logger.Levelf(log.Debug, "announce: sent %d offers", len(targets))
	metrics.Add("offers relayed", int64(len(targets)))
	return nil
}

// Builds the message carrying one offer item, which must look like {"offer": {...}, "offer_id": _}.
// offer_id and the SDP are passed through untouched.
func newOfferRelay(item json.RawMessage, infoHash, fromPeerId string) (ret webtorrent.OfferRelay, err error) {
	var fields webtorrent.Message
	if !webtorrent.IsKind(item, '{') || json.Unmarshal(item, &fields) != nil {
		err = protocolError("announce: wrong offer item format")
		return
	}
	var offer webtorrent.Message
	if !webtorrent.IsKind(fields["offer"], '{') || json.Unmarshal(fields["offer"], &offer) != nil {
		err = protocolError("announce: wrong offer item field format")
		return
	}
	ret = webtorrent.OfferRelay{
		Action:   webtorrent.ActionAnnounce,
		InfoHash: infoHash,
		OfferID:  fields["offer_id"],
		PeerID:   fromPeerId,
		Offer: webtorrent.RelayedOffer{
			Type: webrtc.SDPTypeOffer,
			SDP:  offer["sdp"],
		},
	}
	return
}
