package webtorrent

import (
	"bytes"
	"encoding/json"
	"math"

	g "github.com/anacrolix/generics"
	"github.com/pion/webrtc/v4"
)

const (
	ActionAnnounce = "announce"
	ActionScrape   = "scrape"
)

// Message is a JSON object received from a peer. Values are kept raw: peers are loose with types,
// and opaque fields like offer_id and answer must be forwarded exactly as they were sent.
type Message map[string]json.RawMessage

// Has reports whether key is present, even if its value is null.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// String returns the value for key if it's a JSON string.
func (m Message) String(key string) (s string, ok bool) {
	raw, ok := m[key]
	if !ok {
		return
	}
	return RawString(raw)
}

// Number returns the value for key if it's a JSON number.
func (m Message) Number(key string) (ret g.Option[float64]) {
	raw, ok := m[key]
	if !ok || !IsKind(raw, '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9') {
		return
	}
	ret.Ok = json.Unmarshal(raw, &ret.Value) == nil
	return
}

// Integer returns the value for key if it's a JSON number with no fractional part. Values beyond
// the range of int32 are clamped.
func (m Message) Integer(key string) (ret g.Option[int]) {
	f := m.Number(key)
	if !f.Ok || math.IsInf(f.Value, 0) || f.Value != math.Trunc(f.Value) {
		return
	}
	f.Value = max(math.MinInt32, min(math.MaxInt32, f.Value))
	return g.Some(int(f.Value))
}

// RawString decodes raw if it's a JSON string.
func RawString(raw json.RawMessage) (s string, ok bool) {
	if !IsKind(raw, '"') {
		return
	}
	ok = json.Unmarshal(raw, &s) == nil
	return
}

// IsKind reports whether the first non-space byte of raw is one of firsts. JSON values can be
// classified by their first byte: '{' objects, '[' arrays, '"' strings.
func IsKind(raw json.RawMessage, firsts ...byte) bool {
	raw = bytes.TrimLeft(raw, " \t\r\n")
	if len(raw) == 0 {
		return false
	}
	return bytes.IndexByte(firsts, raw[0]) != -1
}

// Sent to an announcing peer.
type AnnounceReply struct {
	Action     string `json:"action"`
	Interval   int    `json:"interval"`
	InfoHash   string `json:"info_hash"`
	Complete   int    `json:"complete"`
	Incomplete int    `json:"incomplete"`
}

// Relays one of an announcing peer's offers to another member of the swarm.
type OfferRelay struct {
	Action   string `json:"action"`
	InfoHash string `json:"info_hash"`
	// Not validated. Absent if the offering peer didn't provide it.
	OfferID json.RawMessage `json:"offer_id,omitempty"`
	PeerID  string          `json:"peer_id"`
	Offer   RelayedOffer    `json:"offer"`
}

type RelayedOffer struct {
	Type webrtc.SDPType `json:"type"`
	// Opaque to the tracker.
	SDP json.RawMessage `json:"sdp,omitempty"`
}

type ScrapeReply struct {
	Action string                `json:"action"`
	Files  map[string]ScrapeFile `json:"files"`
}

type ScrapeFile struct {
	Complete   int `json:"complete"`
	Incomplete int `json:"incomplete"`
	Downloaded int `json:"downloaded"`
}
