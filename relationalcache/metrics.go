package relationalcache

import (
	stderrors "errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "relcache"

// Metrics counts facade activity per entity. A nil *Metrics records nothing.
type Metrics struct {
	gets        *prometheus.CounterVec
	misses      *prometheus.CounterVec
	loads       *prometheus.CounterVec
	retries     *prometheus.CounterVec
	popFailures *prometheus.CounterVec
	writes      *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them on reg. Collectors that
// are already registered, by another cache sharing reg, are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		gets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gets_total",
			Help:      "Primary and secondary key lookups.",
		}, []string{"entity"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "identity_misses_total",
			Help:      "Lookups that had to load from the store.",
		}, []string{"entity"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "loads_total",
			Help:      "Loader executions by population strategy.",
		}, []string{"entity", "strategy"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "get_retries_total",
			Help:      "Loads retried after a transient failure.",
		}, []string{"entity"}),
		popFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "population_failures_total",
			Help:      "Cursor populations that ended with an error.",
		}, []string{"entity"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "writes_total",
			Help:      "Executed write descriptors by operation.",
		}, []string{"entity", "op"}),
	}
	if reg == nil {
		return m, nil
	}

	for _, c := range []**prometheus.CounterVec{&m.gets, &m.misses, &m.loads, &m.retries, &m.popFailures, &m.writes} {
		if err := reg.Register(*c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !stderrors.As(err, &are) {
				return nil, err
			}
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, err
			}
			*c = existing
		}
	}
	return m, nil
}

func (m *Metrics) get(entity string) {
	if m != nil {
		m.gets.WithLabelValues(entity).Inc()
	}
}

func (m *Metrics) miss(entity string) {
	if m != nil {
		m.misses.WithLabelValues(entity).Inc()
	}
}

func (m *Metrics) load(entity string, s Strategy) {
	if m != nil {
		m.loads.WithLabelValues(entity, s.String()).Inc()
	}
}

func (m *Metrics) retry(entity string) {
	if m != nil {
		m.retries.WithLabelValues(entity).Inc()
	}
}

func (m *Metrics) populationFailed(entity string) {
	if m != nil {
		m.popFailures.WithLabelValues(entity).Inc()
	}
}

func (m *Metrics) write(entity, op string) {
	if m != nil {
		m.writes.WithLabelValues(entity, op).Inc()
	}
}
