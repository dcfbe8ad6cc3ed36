package simenv

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the environment's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	Trials         prometheus.Counter
	Symbols        prometheus.Counter
	SymbolErrors   prometheus.Counter
	TransmitErrors prometheus.Counter
	Fallbacks      prometheus.Counter
	DecodeSeconds  prometheus.Histogram
	SER            prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Trials: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ids",
			Name:      "trials_total",
			Help:      "Decoded trials",
		}),
		Symbols: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ids",
			Name:      "symbols_total",
			Help:      "Information symbols decoded",
		}),
		SymbolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ids",
			Name:      "symbol_errors_total",
			Help:      "Information symbols decoded wrongly",
		}),
		TransmitErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ids",
			Name:      "transmit_errors_total",
			Help:      "Channel transmissions that failed",
		}),
		Fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ids",
			Name:      "decoder_fallbacks_total",
			Help:      "Decoder messages replaced by the uniform distribution",
		}),
		DecodeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ids",
			Name:      "decode_seconds",
			Help:      "Time per decode call",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 10),
		}),
		SER: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ids",
			Name:      "symbol_error_rate",
			Help:      "Symbol error rate of the current experiment",
		}),
	}
}

func (m *Metrics) trial(symbols, errs, fallbacks int, d time.Duration, ser float64) {
	if m == nil {
		return
	}
	m.Trials.Inc()
	m.Symbols.Add(float64(symbols))
	m.SymbolErrors.Add(float64(errs))
	m.Fallbacks.Add(float64(fallbacks))
	m.DecodeSeconds.Observe(d.Seconds())
	m.SER.Set(ser)
}

func (m *Metrics) transmitError() {
	if m == nil {
		return
	}
	m.TransmitErrors.Inc()
}
