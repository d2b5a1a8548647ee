package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "resq"

// Claim outcomes.
const (
	OutcomeWon   = "won"
	OutcomeLost  = "lost"
	OutcomeStale = "stale"
	OutcomeError = "error"
)

// Recorder records dispatch metrics in Prometheus.
type Recorder struct {
	claims       *prometheus.CounterVec
	claimLatency *prometheus.HistogramVec
	declines     *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	online       *prometheus.GaugeVec
}

// New registers dispatch metrics on the default Prometheus registerer.
func New() (*Recorder, error) {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers metrics on the provided registerer. A nil
// registerer defaults to the global one.
func NewWithRegistry(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claims_total",
		Help:      "Accept attempts by outcome",
	}, []string{"domain", "outcome"})
	claimLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "claim_latency_seconds",
		Help:      "Duration of the claim transaction",
		Buckets:   prometheus.DefBuckets,
	}, []string{"domain"})
	declines := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "declines_total",
		Help:      "Declined candidates, explicit or by timeout",
	}, []string{"domain", "reason"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_transitions_total",
		Help:      "Request status transitions written by partners",
	}, []string{"domain", "status"})
	online := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "partners_online",
		Help:      "Partners with an active online session",
	}, []string{"domain"})

	var err error
	if claims, err = register(reg, claims); err != nil {
		return nil, err
	}
	if claimLatency, err = register(reg, claimLatency); err != nil {
		return nil, err
	}
	if declines, err = register(reg, declines); err != nil {
		return nil, err
	}
	if transitions, err = register(reg, transitions); err != nil {
		return nil, err
	}
	if online, err = register(reg, online); err != nil {
		return nil, err
	}
	return &Recorder{
		claims:       claims,
		claimLatency: claimLatency,
		declines:     declines,
		transitions:  transitions,
		online:       online,
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ClaimResult counts one accept attempt.
func (r *Recorder) ClaimResult(domain, outcome string, took time.Duration) {
	if r == nil {
		return
	}
	r.claims.WithLabelValues(domain, outcome).Inc()
	r.claimLatency.WithLabelValues(domain).Observe(took.Seconds())
}

// Declined counts an explicit or timed out decline.
func (r *Recorder) Declined(domain string, timeout bool) {
	if r == nil {
		return
	}
	reason := "declined"
	if timeout {
		reason = "timeout"
	}
	r.declines.WithLabelValues(domain, reason).Inc()
}

// Transition counts a status written by a partner.
func (r *Recorder) Transition(domain, status string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(domain, status).Inc()
}

// PartnerOnline moves the online gauge of a domain.
func (r *Recorder) PartnerOnline(domain string, online bool) {
	if r == nil {
		return
	}
	if online {
		r.online.WithLabelValues(domain).Inc()
		return
	}
	r.online.WithLabelValues(domain).Dec()
}
