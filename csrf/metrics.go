package csrf

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports Protector counters to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	validations  *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	actionErrors *prometheus.CounterVec
	rejections   *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "csrfguard",
			Name:      "validations_total",
			Help:      "Requests seen by the CSRF guard, by outcome and rejection reason.",
		}, []string{"outcome", "reason"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "csrfguard",
			Name:      "tokens_issued_total",
			Help:      "Tokens generated, by scope (master or page).",
		}, []string{"scope"}),
		actionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "csrfguard",
			Name:      "action_errors_total",
			Help:      "Failed action executions, by action name.",
		}, []string{"action"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "csrfguard",
			Name:      "action_rejections_total",
			Help:      "Rejections recorded by the metrics action, by reason.",
		}, []string{"reason"}),
	}
	for _, c := range []prometheus.Collector{m.validations, m.tokens, m.actionErrors, m.rejections} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func reasonLabel(r Reason) string {
	if r == ReasonNone {
		return "none"
	}
	return string(r)
}

func (m *Metrics) validation(res Result) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(res.Outcome.String(), reasonLabel(res.Reason)).Inc()
}

func (m *Metrics) tokenIssued(scope string) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(scope).Inc()
}

func (m *Metrics) actionError(name string) {
	if m == nil {
		return
	}
	m.actionErrors.WithLabelValues(name).Inc()
}

func (m *Metrics) rejection(reason Reason) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reasonLabel(reason)).Inc()
}
