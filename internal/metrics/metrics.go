// Package metrics exposes Prometheus counters for credit and redemption flows.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "entl"

const (
	OutcomeRestored   = "restored"
	OutcomeDuplicate  = "duplicate"
	OutcomeMissing    = "missing"
	OutcomeRejected   = "rejected"
	OutcomeSuccess    = "success"
	OutcomeFailed     = "failed"
	OutcomeRefunded   = "refunded"
	OutcomeNoCredits  = "insufficient"
	OutcomeCollision  = "collision"
	OutcomeSelfInvite = "self_invite"
	OutcomeUsed       = "already_used"
	OutcomeNotFound   = "not_found"
)

// Recorder holds the counters. A nil *Recorder ignores every observation.
type Recorder struct {
	gatherer            prometheus.Gatherer
	consumed            *prometheus.CounterVec
	insufficient        prometheus.Counter
	restored            *prometheus.CounterVec
	activationRedeemed  *prometheus.CounterVec
	inviteRedeemed      *prometheus.CounterVec
	translationRequests *prometheus.CounterVec
}

// NewRecorder registers the counters on a private registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	return newRecorder(registry, registry)
}

func newRecorder(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	recorder := &Recorder{
		gatherer: gatherer,
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_consumed_total",
			Help:      "Credits debited, by pool.",
		}, []string{"pool"}),
		insufficient: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_insufficient_total",
			Help:      "Consume attempts rejected for lack of credits.",
		}),
		restored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_restored_total",
			Help:      "Restore attempts, by outcome.",
		}, []string{"outcome"}),
		activationRedeemed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activation_redeemed_total",
			Help:      "Successful activation code redemptions, by code type.",
		}, []string{"kind"}),
		inviteRedeemed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invite_redeemed_total",
			Help:      "Invite redemption attempts, by outcome.",
		}, []string{"outcome"}),
		translationRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translate_requests_total",
			Help:      "Translation requests, by outcome.",
		}, []string{"outcome"}),
	}
	registerer.MustRegister(
		recorder.consumed,
		recorder.insufficient,
		recorder.restored,
		recorder.activationRedeemed,
		recorder.inviteRedeemed,
		recorder.translationRequests,
	)
	return recorder
}

func (r *Recorder) ObserveConsumed(pool string) {
	if r == nil {
		return
	}
	r.consumed.WithLabelValues(pool).Inc()
}

func (r *Recorder) ObserveInsufficient() {
	if r == nil {
		return
	}
	r.insufficient.Inc()
}

func (r *Recorder) ObserveRestore(outcome string) {
	if r == nil {
		return
	}
	r.restored.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveActivation(kind string) {
	if r == nil {
		return
	}
	r.activationRedeemed.WithLabelValues(kind).Inc()
}

func (r *Recorder) ObserveInvite(outcome string) {
	if r == nil {
		return
	}
	r.inviteRedeemed.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveTranslation(outcome string) {
	if r == nil {
		return
	}
	r.translationRequests.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
