package server

import (
	"encoding/json"
	"expvar"
	"net/http"
	"runtime"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anacrolix/wstracker/tracker"
	"github.com/anacrolix/wstracker/webtorrent"
)

// Endpoints serves the plain HTTP side of a set of servers sharing one tracker.
type Endpoints struct {
	Tracker *tracker.Tracker
	// Listed in /stats.json.
	Servers []*Server
	// Served at "/". If nil, "/" is not found.
	IndexHTML []byte
	// Source for /metrics. prometheus.DefaultGatherer if nil.
	Gatherer prometheus.Gatherer
}

var endpointsLogger = log.Default.WithNames("server", "http")

func (e *Endpoints) Handler() http.Handler {
	gatherer := e.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", e.serveIndex)
	mux.HandleFunc("GET /stats.json", e.serveStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("GET /debug/vars", expvar.Handler())
	mux.HandleFunc("/", notFound)
	return mux
}

func (e *Endpoints) serveIndex(w http.ResponseWriter, r *http.Request) {
	if e.IndexHTML == nil {
		notFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(e.IndexHTML)
}

type StatsJson struct {
	TorrentsCount int               `json:"torrentsCount"`
	PeersCount    int               `json:"peersCount"`
	Servers       []ServerStatsJson `json:"servers"`
	Memory        MemoryStatsJson   `json:"memory"`
	// Members of each swarm, keyed by hex info hash.
	PeersCountPerInfoHash map[string]int `json:"peersCountPerInfoHash"`
}

type ServerStatsJson struct {
	Server          string `json:"server"`
	WebSocketsCount int    `json:"webSocketsCount"`
}

type MemoryStatsJson struct {
	Sys        uint64 `json:"sys"`
	HeapAlloc  uint64 `json:"heapAlloc"`
	HeapSys    uint64 `json:"heapSys"`
	HeapInuse  uint64 `json:"heapInuse"`
	StackInuse uint64 `json:"stackInuse"`
	NumGC      uint32 `json:"numGC"`
	// The byte counts above, for people.
	Human map[string]string `json:"human"`
}

func memoryStats() MemoryStatsJson {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryStatsJson{
		Sys:        ms.Sys,
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		HeapInuse:  ms.HeapInuse,
		StackInuse: ms.StackInuse,
		NumGC:      ms.NumGC,
		Human: map[string]string{
			"sys":        humanize.IBytes(ms.Sys),
			"heapAlloc":  humanize.IBytes(ms.HeapAlloc),
			"heapSys":    humanize.IBytes(ms.HeapSys),
			"heapInuse":  humanize.IBytes(ms.HeapInuse),
			"stackInuse": humanize.IBytes(ms.StackInuse),
		},
	}
}

func (e *Endpoints) statsJson() StatsJson {
	stats := e.Tracker.Stats()
	ret := StatsJson{
		TorrentsCount:         len(stats.Swarms),
		PeersCount:            stats.NumPeers(),
		Servers:               make([]ServerStatsJson, 0, len(e.Servers)),
		Memory:                memoryStats(),
		PeersCountPerInfoHash: make(map[string]int, len(stats.Swarms)),
	}
	for _, s := range e.Servers {
		ret.Servers = append(ret.Servers, ServerStatsJson{
			Server:          s.Addr(),
			WebSocketsCount: s.Stats().WebSocketsCount,
		})
	}
	for _, swarm := range stats.Swarms {
		ret.PeersCountPerInfoHash[webtorrent.BinaryStringHex(swarm.InfoHash)] = swarm.Peers
	}
	return ret
}

func (e *Endpoints) serveStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(e.statsJson())
	if err != nil {
		endpointsLogger.Levelf(log.Debug, "error writing stats: %v", err)
	}
}
