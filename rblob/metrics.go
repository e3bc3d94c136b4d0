package rblob

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	readCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrelay",
		Subsystem: "rblob",
		Name:      "read_total",
		Help:      "Number of cursor blobs read per bucket",
	}, []string{"bucket"})

	writeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrelay",
		Subsystem: "rblob",
		Name:      "write_total",
		Help:      "Number of cursor blobs written per bucket",
	}, []string{"bucket"})
)

func init() {
	prometheus.MustRegister(readCounter)
	prometheus.MustRegister(writeCounter)
}
