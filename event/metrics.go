package event

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.dedis.ch/escrow/ledger"
)

type metrics struct {
	active     prometheus.Gauge
	fired      prometheus.Counter
	timedOut   prometheus.Counter
	pollErrors prometheus.Counter
	panics     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, kind ledger.EventKind) *metrics {
	labels := prometheus.Labels{"event": string(kind)}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow", Subsystem: "dispatcher", Name: name, Help: help, ConstLabels: labels,
		})
		return register(reg, c).(prometheus.Counter)
	}
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrow", Subsystem: "dispatcher", Name: "active_subscriptions",
		Help: "Subscriptions waiting for an event.", ConstLabels: labels,
	})
	return &metrics{
		active:     register(reg, gauge).(prometheus.Gauge),
		fired:      counter("fired_total", "Subscriptions whose event was observed."),
		timedOut:   counter("timed_out_total", "Subscriptions that reached their timeout."),
		pollErrors: counter("poll_errors_total", "Log queries that failed after retries."),
		panics:     counter("panics_total", "Subscription evaluations that panicked."),
	}
}

// register adds c to reg, reusing an identical collector registered earlier.
func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
	}
	return c
}
