package exporter

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runZeroInc/dropwire"
)

// ConnReporter turns connection snapshots into Prometheus counters. Byte
// totals are added once, when a connection reports its close.
type ConnReporter struct {
	events *prometheus.CounterVec
	bytes  *prometheus.CounterVec
}

// NewConnReporter builds a reporter and registers its counters with reg.
func NewConnReporter(reg prometheus.Registerer) *ConnReporter {
	r := &ConnReporter{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dropwire_conn_events_total",
			Help: "Relayed connection opens and closes.",
		}, []string{"state"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dropwire_conn_bytes_total",
			Help: "Bytes moved over relayed connections, counted at close.",
		}, []string{"direction"}),
	}
	reg.MustRegister(r.events, r.bytes)
	return r
}

// Report implements dropwire.ReportFn.
func (r *ConnReporter) Report(stats dropwire.ConnStats, state int) {
	r.events.WithLabelValues(dropwire.StateMap[state]).Inc()
	if state != dropwire.Closed {
		return
	}
	r.bytes.WithLabelValues("in").Add(float64(stats.RecvBytes))
	r.bytes.WithLabelValues("out").Add(float64(stats.SentBytes))
}

// Wrap is a convenience for composing the reporter into the conn-wrap
// hooks of the proxy and forwarder layers.
func (r *ConnReporter) Wrap(conn net.Conn) net.Conn {
	return dropwire.WrapConn(conn, r.Report)
}
