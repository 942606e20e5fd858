package simple

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	requests       *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	getsDeferred   *prometheus.CounterVec
	barriers       *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "pmi_server_requests_total",
			Help:        "Number of wire requests dispatched by the server",
			ConstLabels: opts.ConstLabels,
		}, requestLabelKeys),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "pmi_server_protocol_errors_total",
			Help:        "Number of malformed or unknown requests",
			ConstLabels: opts.ConstLabels,
		}, baseLabelKeys),
		getsDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "pmi_server_gets_deferred_total",
			Help:        "Number of get requests answered asynchronously",
			ConstLabels: opts.ConstLabels,
		}, baseLabelKeys),
		barriers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "pmi_server_barriers_total",
			Help:        "Number of completed barrier cycles",
			ConstLabels: opts.ConstLabels,
		}, barrierLabelKeys),
	}

	var err error
	if p.requests, err = registerCounterVec(reg, p.requests); err != nil {
		return nil, err
	}
	if p.protocolErrors, err = registerCounterVec(reg, p.protocolErrors); err != nil {
		return nil, err
	}
	if p.getsDeferred, err = registerCounterVec(reg, p.getsDeferred); err != nil {
		return nil, err
	}
	if p.barriers, err = registerCounterVec(reg, p.barriers); err != nil {
		return nil, err
	}

	return p, nil
}

var (
	baseLabelKeys    = []string{labelKVSName}
	requestLabelKeys = []string{labelKVSName, labelCommand, labelStatus}
	barrierLabelKeys = []string{labelKVSName, labelStatus}
)

func (p *PrometheusMetrics) RequestHandled(attrs map[string]string) {
	p.requests.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ProtocolError(attrs map[string]string) {
	p.protocolErrors.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) GetDeferred(attrs map[string]string) {
	p.getsDeferred.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) BarrierCompleted(attrs map[string]string) {
	p.barriers.With(labels(attrs, barrierLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
