package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Escrow is the process-wide Prometheus registry for the loan escrow engine.
// It is built exactly once via sync.Once, the same pattern the original
// NHB-specific registries used: package-level accessors, no global mutable
// state beyond the registered collectors themselves.
type Escrow struct {
	DepositsObserved   *prometheus.CounterVec
	SignaturesVerified *prometheus.CounterVec
	Resolutions        *prometheus.CounterVec
	LTVBandTransitions *prometheus.CounterVec
	ActiveLoans        prometheus.Gauge
	BroadcastRetries   prometheus.Counter
}

var (
	escrowOnce sync.Once
	escrowReg  *Escrow
)

// EscrowMetrics returns the singleton Escrow registry, registering its
// collectors with the default registerer on first use.
func EscrowMetrics() *Escrow {
	escrowOnce.Do(func() {
		escrowReg = &Escrow{
			DepositsObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "chain",
				Name:      "deposits_observed_total",
				Help:      "Deposits observed at escrow addresses, by confirmation state.",
			}, []string{"state"}),
			SignaturesVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "signatures",
				Name:      "verified_total",
				Help:      "Borrower signature submissions, by verification result.",
			}, []string{"result"}),
			Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "resolution",
				Name:      "broadcast_total",
				Help:      "Resolution transactions broadcast, by outcome and rule fired.",
			}, []string{"outcome", "rule"}),
			LTVBandTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "ltv",
				Name:      "band_transitions_total",
				Help:      "Loan-to-value band transitions observed by the monitor, by band.",
			}, []string{"band"}),
			ActiveLoans: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowd",
				Subsystem: "loans",
				Name:      "active",
				Help:      "Number of loans currently in an active, non-terminal status.",
			}),
			BroadcastRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "resolution",
				Name:      "broadcast_retries_total",
				Help:      "Transient broadcast failures that triggered a retry.",
			}),
		}
		prometheus.MustRegister(
			escrowReg.DepositsObserved,
			escrowReg.SignaturesVerified,
			escrowReg.Resolutions,
			escrowReg.LTVBandTransitions,
			escrowReg.ActiveLoans,
			escrowReg.BroadcastRetries,
		)
	})
	return escrowReg
}
