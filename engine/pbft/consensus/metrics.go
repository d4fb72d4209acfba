package consensus

import (
	"github.com/prometheus/client_golang/prometheus"

	pbftmetrics "github.com/luxfi/pbft/metrics"
)

// Metrics is the set of Prometheus collectors one Engine registers,
// matching the consensus_decisions_active / consensus_finalize_latency /
// consensus_votes_total series a replica binary scrapes. A nil *Metrics
// (the zero value returned when an Engine is built without RegisterMetrics)
// makes every instrumentation call in the Engine a no-op.
type Metrics struct {
	decisionsActive prometheus.Gauge
	finalizeLatency pbftmetrics.Averager
	votesTotal      *prometheus.CounterVec
}

// NewMetrics registers the Engine's collectors against reg. Re-registering
// the same collector names (e.g. across engines built in the same test
// binary) is tolerated: an AlreadyRegisteredError is swallowed and the
// already-registered collector is reused, matching the teacher's
// idempotent-registration idiom. This holds for the decisions gauge and the
// votes counter; the finalize-latency averager is not reused: when its
// collectors are already registered, the returned Metrics has no averager
// and finalize latency is not recorded through it.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	decisionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "consensus_decisions_active",
		Help: "Number of consensus decisions currently inside the watermark window.",
	})
	votesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consensus_votes_total",
		Help: "Total votes processed by the consensus engine, by message kind.",
	}, []string{"kind"})

	c, err := registerOrReuse(reg, decisionsActive)
	if err != nil {
		return nil, err
	}
	decisionsActive = c.(prometheus.Gauge)
	c, err = registerOrReuse(reg, votesTotal)
	if err != nil {
		return nil, err
	}
	votesTotal = c.(*prometheus.CounterVec)
	avg, err := pbftmetrics.NewAverager("consensus_finalize_latency", "seconds from decision creation to finalize", reg)
	if err != nil {
		var already prometheus.AlreadyRegisteredError
		if !asAlreadyRegistered(err, &already) {
			return nil, err
		}
	}

	return &Metrics{
		decisionsActive: decisionsActive,
		finalizeLatency: avg,
		votesTotal:      votesTotal,
	}, nil
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if asAlreadyRegistered(err, &already) {
			return already.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}

func asAlreadyRegistered(err error, target *prometheus.AlreadyRegisteredError) bool {
	are, ok := err.(prometheus.AlreadyRegisteredError)
	if !ok {
		return false
	}
	*target = are
	return true
}

func (m *Metrics) observeVote(kind string) {
	if m == nil {
		return
	}
	m.votesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) setDecisionsActive(n int) {
	if m == nil {
		return
	}
	m.decisionsActive.Set(float64(n))
}

func (m *Metrics) observeFinalizeLatencySeconds(seconds float64) {
	if m == nil || m.finalizeLatency == nil {
		return
	}
	m.finalizeLatency.Observe(seconds)
}
