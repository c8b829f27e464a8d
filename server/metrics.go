package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anacrolix/wstracker/tracker"
)

type metricsCollector struct {
	tracker *tracker.Tracker
	servers []*Server

	swarms         *prometheus.Desc
	peers          *prometheus.Desc
	completedPeers *prometheus.Desc
	webSockets     *prometheus.Desc
	deniedUpgrades *prometheus.Desc
}

// NewMetricsCollector exports tracker and server state. Values are read at scrape time.
func NewMetricsCollector(tr *tracker.Tracker, servers []*Server) prometheus.Collector {
	return &metricsCollector{
		tracker: tr,
		servers: servers,
		swarms: prometheus.NewDesc(
			"wstracker_swarms", "Swarms with at least one peer.", nil, nil),
		peers: prometheus.NewDesc(
			"wstracker_peers", "Swarm memberships across all swarms.", nil, nil),
		completedPeers: prometheus.NewDesc(
			"wstracker_completed_peers", "Swarm memberships of peers that have completed.", nil, nil),
		webSockets: prometheus.NewDesc(
			"wstracker_websockets", "Open WebSockets.", []string{"server"}, nil),
		deniedUpgrades: prometheus.NewDesc(
			"wstracker_denied_upgrades_total", "WebSocket upgrades refused.", []string{"server", "reason"}, nil),
	}
}

func (m *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.swarms
	ch <- m.peers
	ch <- m.completedPeers
	ch <- m.webSockets
	ch <- m.deniedUpgrades
}

func (m *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := m.tracker.Stats()
	ch <- prometheus.MustNewConstMetric(m.swarms, prometheus.GaugeValue, float64(len(stats.Swarms)))
	ch <- prometheus.MustNewConstMetric(m.peers, prometheus.GaugeValue, float64(stats.NumPeers()))
	ch <- prometheus.MustNewConstMetric(m.completedPeers, prometheus.GaugeValue, float64(stats.NumCompleted()))
	for _, s := range m.servers {
		ss := s.Stats()
		addr := s.Addr()
		ch <- prometheus.MustNewConstMetric(m.webSockets, prometheus.GaugeValue, float64(ss.WebSocketsCount), addr)
		ch <- prometheus.MustNewConstMetric(
			m.deniedUpgrades, prometheus.CounterValue, float64(ss.DeniedOrigin), addr, "origin")
		ch <- prometheus.MustNewConstMetric(
			m.deniedUpgrades, prometheus.CounterValue, float64(ss.DeniedMaxConnections), addr, "max_connections")
	}
}
