package txrelay

import (
	"context"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luno/txrelay/internal/metrics"
)

// fanout publishes delivered events to each sink from its own goroutine
// so that sinks never block the session or each other.
type fanout struct {
	workers []*sinkWorker
	wg      sync.WaitGroup
}

type delivery struct {
	ctx   context.Context
	event DeliveredEvent
}

type sinkWorker struct {
	sink Sink
	ch   chan delivery

	errCounter  prometheus.Counter
	dropCounter prometheus.Counter
	latencyHist prometheus.Observer
}

func newFanout(name string, sinks []Sink, buffer int) *fanout {
	if buffer < 0 {
		buffer = 0
	}

	f := new(fanout)
	for _, s := range sinks {
		labels := metrics.SinkLabels(name, s.Name())
		f.workers = append(f.workers, &sinkWorker{
			sink:        s,
			ch:          make(chan delivery, buffer),
			errCounter:  metrics.SinkErrors.With(labels),
			dropCounter: metrics.SinkDropped.With(labels),
			latencyHist: metrics.SinkLatency.With(labels),
		})
	}

	for _, w := range f.workers {
		f.wg.Add(1)
		go func(w *sinkWorker) {
			defer f.wg.Done()
			w.run()
		}(w)
	}

	return f
}

// Publish enqueues the event for every sink without blocking. Events are
// dropped for sinks whose buffer is full.
func (f *fanout) Publish(ctx context.Context, e DeliveredEvent) {
	// Sinks outlive the session context, but keep its values for logging and tracing.
	ctx = context.WithoutCancel(ctx)

	for _, w := range f.workers {
		select {
		case w.ch <- delivery{ctx: ctx, event: e}:
		default:
			w.dropCounter.Inc()
			log.Error(ctx, errors.New("sink buffer full, dropping event"),
				j.MKV{"sink": w.sink.Name(), "version": e.Version})
		}
	}
}

// Stop stops all sink goroutines after they drain their buffers.
// Publish may not be called after Stop.
func (f *fanout) Stop() {
	for _, w := range f.workers {
		close(w.ch)
	}
	f.wg.Wait()
}

func (w *sinkWorker) run() {
	for d := range w.ch {
		t0 := time.Now()
		err := w.sink.Publish(d.ctx, d.event)
		w.latencyHist.Observe(time.Since(t0).Seconds())

		if err != nil {
			w.errCounter.Inc()
			log.Error(d.ctx, errors.Wrap(err, "sink publish error"),
				j.MKV{"sink": w.sink.Name(), "version": d.event.Version})
		}
	}
}
