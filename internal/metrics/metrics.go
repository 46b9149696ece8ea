// Package metrics exposes a Prometheus collector over live
// per-connection stats snapshots: a registry of live sources keyed by
// connection identity, queried fresh inside Collect rather than pushed
// into gauges as events happen. Connections register on accept/dial and
// unregister on close.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srtgo/srt/pkg/srt/conn"
)

type metricInfo struct {
	desc  *prometheus.Desc
	value func(s conn.Stats) float64
}

// Source is anything that can report a current Stats snapshot; satisfied
// by *conn.Connection.
type Source interface {
	Stats() conn.Stats
}

// Collector implements prometheus.Collector over a dynamic set of live
// SRT connections, added and removed as they are accepted/dialed and
// closed.
type Collector struct {
	mu      sync.Mutex
	sources map[uint32]Source
	peers   map[uint32]string
	infos   []metricInfo
}

// NewCollector builds a collector whose metrics carry the given
// constant label set plus one per-connection "peer" label.
func NewCollector(constLabels prometheus.Labels) *Collector {
	c := &Collector{
		sources: make(map[uint32]Source),
		peers:   make(map[uint32]string),
	}
	c.addMetrics(constLabels)
	return c
}

func (c *Collector) addMetrics(constLabels prometheus.Labels) {
	add := func(name, help string, value func(s conn.Stats) float64) {
		desc := prometheus.NewDesc("srt_"+name, help, []string{"peer"}, constLabels)
		c.infos = append(c.infos, metricInfo{desc: desc, value: value})
	}
	add("rtt_microseconds", "Smoothed round-trip time estimate.", func(s conn.Stats) float64 { return float64(s.RTTMicros) })
	add("rtt_variance_microseconds", "Round-trip time variance estimate.", func(s conn.Stats) float64 { return float64(s.RTTVarMicros) })
	add("congestion_window_packets", "Current congestion window size in packets.", func(s conn.Stats) float64 { return s.CongestionWindow })
	add("send_loss_packets", "Packets currently queued for retransmission.", func(s conn.Stats) float64 { return float64(s.PktSendLoss) })
	add("recv_loss_packets", "Packets currently missing from the receive window.", func(s conn.Stats) float64 { return float64(s.PktRecvLoss) })
	add("recv_speed_pps", "Estimated packet arrival rate.", func(s conn.Stats) float64 { return float64(s.RecvSpeedPPS) })
	add("bandwidth_pps", "Estimated link capacity from probe pairs.", func(s conn.Stats) float64 { return float64(s.BandwidthPPS) })
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.desc
	}
}

// Collect implements prometheus.Collector: fetches a fresh snapshot from
// every registered source and emits one sample per metric per
// connection.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	type entry struct {
		src  Source
		peer string
	}

	c.mu.Lock()
	entries := make([]entry, 0, len(c.sources))
	for id, src := range c.sources {
		entries = append(entries, entry{src: src, peer: c.peers[id]})
	}
	c.mu.Unlock()

	for _, e := range entries {
		stats := e.src.Stats()
		for _, info := range c.infos {
			ch <- prometheus.MustNewConstMetric(info.desc, prometheus.GaugeValue, info.value(stats), e.peer)
		}
	}
}

// Add registers a connection as a metrics source, labeled by its peer
// address.
func (c *Collector) Add(id uint32, src Source, peerAddr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[id] = src
	c.peers[id] = peerAddr
}

// Remove unregisters a connection, called once it closes.
func (c *Collector) Remove(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, id)
	delete(c.peers, id)
}
