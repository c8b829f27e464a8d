package tracker

import (
	"encoding/json"

	"github.com/anacrolix/wstracker/webtorrent"
)

// Replies with stats for the requested info hashes, or for every swarm if none are given. There's
// no history kept, so downloaded is the current number of completed peers.
func (t *Tracker) processScrape(msg webtorrent.Message, c *Conn) {
	metrics.Add("scrapes", 1)
	files := make(map[string]webtorrent.ScrapeFile)
	raw, ok := msg["info_hash"]
	switch {
	case !ok:
		for infoHash, swarm := range t.swarms {
			files[infoHash] = swarmScrapeFile(swarm)
		}
	case webtorrent.IsKind(raw, '['):
		var infoHashes []json.RawMessage
		// raw came out of a decoded message, so this can't fail.
		_ = json.Unmarshal(raw, &infoHashes)
		for _, ih := range infoHashes {
			t.scrapeOne(files, ih)
		}
	default:
		t.scrapeOne(files, raw)
	}
	c.send(webtorrent.ScrapeReply{
		Action: webtorrent.ActionScrape,
		Files:  files,
	})
}

// Unknown info hashes get zeroes. Values that aren't strings are left out.
func (t *Tracker) scrapeOne(files map[string]webtorrent.ScrapeFile, raw json.RawMessage) {
	infoHash, ok := webtorrent.RawString(raw)
	if !ok {
		return
	}
	swarm, ok := t.swarms[infoHash]
	if !ok {
		files[infoHash] = webtorrent.ScrapeFile{}
		return
	}
	files[infoHash] = swarmScrapeFile(swarm)
}

func swarmScrapeFile(swarm *Swarm) webtorrent.ScrapeFile {
	return webtorrent.ScrapeFile{
		Complete:   swarm.NumCompleted(),
		Incomplete: swarm.NumIncomplete(),
		Downloaded: swarm.NumCompleted(),
	}
}
