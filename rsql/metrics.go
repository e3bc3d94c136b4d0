package rsql

import "github.com/prometheus/client_golang/prometheus"

var cursorSetCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "txrelay",
	Subsystem: "cursors_table",
	Name:      "set_total",
	Help:      "Total number of set cursor queries performed per table",
}, []string{"table"})

func makeCursorSetCounter(table string) func() {
	return cursorSetCounter.WithLabelValues(table).Inc
}

func init() {
	prometheus.MustRegister(cursorSetCounter)
}
