package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricConnections = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "mox_connections_open",
		Help: "Number of currently open connections, by listener.",
	},
	[]string{
		"listener",
	},
)

func ConnectionOpenInc(listener string) {
	metricConnections.WithLabelValues(listener).Inc()
}

func ConnectionOpenDec(listener string) {
	metricConnections.WithLabelValues(listener).Dec()
}
