package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vpnbot"

// Metrics groups the bot's collectors. Every method is safe on a nil
// receiver so components can run without metrics.
type Metrics struct {
	provisions    *prometheus.CounterVec
	revokes       *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
	sweepBuckets  *prometheus.GaugeVec
	notifications *prometheus.CounterVec
	poolFree      prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_total",
			Help:      "Peer provisioning attempts by result.",
		}, []string{"result"}),
		revokes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revoke_total",
			Help:      "Peer revocations by result.",
		}, []string{"result"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Expiry sweep runs by result.",
		}, []string{"result"}),
		sweepBuckets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_bucket_size",
			Help:      "Subscribers per bucket in the last sweep.",
		}, []string{"bucket"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Expiry notifications by kind and result.",
		}, []string{"kind", "result"}),
		poolFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "address_pool_free",
			Help:      "Free addresses left in the pool.",
		}),
	}
	reg.MustRegister(m.provisions, m.revokes, m.sweepRuns, m.sweepBuckets, m.notifications, m.poolFree)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Provision records one attempt. existing marks a profile that was read back.
func (m *Metrics) Provision(existing bool, err error) {
	if m == nil {
		return
	}
	r := result(err)
	if err == nil && existing {
		r = "existing"
	}
	m.provisions.WithLabelValues(r).Inc()
}

func (m *Metrics) Revoke(err error) {
	if m == nil {
		return
	}
	m.revokes.WithLabelValues(result(err)).Inc()
}

// SweepRun records a finished run, or a skipped one when skipped is set.
func (m *Metrics) SweepRun(skipped bool, err error) {
	if m == nil {
		return
	}
	r := result(err)
	if skipped {
		r = "skipped"
	}
	m.sweepRuns.WithLabelValues(r).Inc()
}

func (m *Metrics) SweepBuckets(threeDay, oneDay, expired int) {
	if m == nil {
		return
	}
	m.sweepBuckets.WithLabelValues("3d").Set(float64(threeDay))
	m.sweepBuckets.WithLabelValues("1d").Set(float64(oneDay))
	m.sweepBuckets.WithLabelValues("expired").Set(float64(expired))
}

func (m *Metrics) Notification(kind string, err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, result(err)).Inc()
}

func (m *Metrics) PoolFree(n int) {
	if m == nil {
		return
	}
	m.poolFree.Set(float64(n))
}
