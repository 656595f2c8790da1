// Package metrics holds the Prometheus collectors updated by claim stores.
// Collectors are process-wide and labelled by store name; register them once
// on the registry that is scraped.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LoadCounter counts acquisition attempts by their outcome
	// (create, lock, reclaim, steal, request).
	LoadCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claim_loads_total",
		Help: "Total number of acquisition attempts by action",
	}, []string{"store", "action"})
	// RetryCounter counts acquisition retries after a release request.
	RetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claim_load_retries_total",
		Help: "Total number of acquisition retries",
	}, []string{"store"})
	// SaveCounter counts session updates by outcome (saved, handoff, lost).
	SaveCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claim_saves_total",
		Help: "Total number of session updates by outcome",
	}, []string{"store", "outcome"})
	// ReleaseCounter counts released sessions.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claim_releases_total",
		Help: "Total number of released sessions",
	}, []string{"store", "saved"})
	// AutosaveCounter counts updates triggered by the autosave loop.
	AutosaveCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claim_autosaves_total",
		Help: "Total number of autosave updates",
	}, []string{"store"})
	// SessionGauge reports the number of live sessions.
	SessionGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "claim_sessions",
		Help: "Current number of live sessions",
	}, []string{"store"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{LoadCounter, RetryCounter, SaveCounter, ReleaseCounter, AutosaveCounter, SessionGauge}
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers claim metrics on the provided registry. It
// panics when they are already registered.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(collectors()...)
}

// Register registers claim metrics on reg, ignoring collectors that are
// already registered there.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
