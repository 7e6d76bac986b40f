// Package exporter publishes Prometheus metrics for a running dropwire
// process: per-session counters scraped live from a peer server, operation
// and byte counters on the blob store, and accounting for the relayed TCP
// connections.
package exporter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runZeroInc/dropwire/pkg/peer"
)

// StatsSource is the part of a peer server the session collector reads.
type StatsSource interface {
	SessionStats() []peer.SessionInfo
}

type sessionMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(info peer.SessionInfo) float64
}

// SessionCollector exposes one set of counters per live session, labeled
// by remote peer, capability, and sid. Sessions come and go with the
// traffic; series for closed sessions stop appearing at the next scrape.
type SessionCollector struct {
	source   StatsSource
	sessions *prometheus.Desc
	metrics  []sessionMetric
}

// NewSessionCollector builds a collector over source. constLabels is for
// labels constant across the process, such as the peer's own id.
func NewSessionCollector(source StatsSource, constLabels prometheus.Labels) *SessionCollector {
	labels := []string{"peer", "capability", "sid"}
	return &SessionCollector{
		source: source,
		sessions: prometheus.NewDesc("dropwire_sessions",
			"Number of live sessions.", nil, constLabels),
		metrics: []sessionMetric{
			{
				desc: prometheus.NewDesc("dropwire_session_bytes_in_total",
					"Chunk bytes a session has consumed from the medium.", labels, constLabels),
				kind:  prometheus.CounterValue,
				value: func(info peer.SessionInfo) float64 { return float64(info.BytesIn) },
			},
			{
				desc: prometheus.NewDesc("dropwire_session_bytes_out_total",
					"Chunk bytes a session has written to the medium.", labels, constLabels),
				kind:  prometheus.CounterValue,
				value: func(info peer.SessionInfo) float64 { return float64(info.BytesOut) },
			},
			{
				desc: prometheus.NewDesc("dropwire_session_chunks_in_total",
					"Chunks a session has consumed from the medium.", labels, constLabels),
				kind:  prometheus.CounterValue,
				value: func(info peer.SessionInfo) float64 { return float64(info.ChunksIn) },
			},
			{
				desc: prometheus.NewDesc("dropwire_session_chunks_out_total",
					"Chunks a session has written to the medium.", labels, constLabels),
				kind:  prometheus.CounterValue,
				value: func(info peer.SessionInfo) float64 { return float64(info.ChunksOut) },
			},
			{
				desc: prometheus.NewDesc("dropwire_session_age_seconds",
					"Seconds since the session opened.", labels, constLabels),
				kind:  prometheus.GaugeValue,
				value: func(info peer.SessionInfo) float64 { return info.Age.Seconds() },
			},
		},
	}
}

func (c *SessionCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.sessions
	for _, m := range c.metrics {
		descs <- m.desc
	}
}

func (c *SessionCollector) Collect(metrics chan<- prometheus.Metric) {
	infos := c.source.SessionStats()
	metrics <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(len(infos)))
	for _, info := range infos {
		labels := []string{info.Remote, info.Capability, strconv.FormatUint(info.SID, 10)}
		for _, m := range c.metrics {
			metrics <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(info), labels...)
		}
	}
}
