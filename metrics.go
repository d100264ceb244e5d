package ftp

import "github.com/prometheus/client_golang/prometheus"

// metricsCollector bundles the Prometheus collectors the Data Channel
// Factory and Transfer Engine update. It is nil unless WithMetricsRegisterer
// is used, so instrumentation is always opt-in.
type metricsCollector struct {
	epsvFallback   prometheus.Counter
	eprtFallback   prometheus.Counter
	noopInjections prometheus.Counter
	resumeCount    prometheus.Counter
	bytesTransferred prometheus.Counter
	dialMode       *prometheus.CounterVec
}

func newMetricsCollector(reg prometheus.Registerer, namespace string) *metricsCollector {
	m := &metricsCollector{
		epsvFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "datachannel", Name: "epsv_fallback_total",
			Help: "Number of times EPSV failed and PASV was used instead.",
		}),
		eprtFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "datachannel", Name: "eprt_fallback_total",
			Help: "Number of times EPRT failed and PORT was used instead.",
		}),
		noopInjections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "noop_injections_total",
			Help: "Number of keep-alive NOOPs injected during transfers.",
		}),
		resumeCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "resumes_total",
			Help: "Number of mid-transfer resumes after a transport fault.",
		}),
		bytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "bytes_total",
			Help: "Total bytes transferred across all data channels.",
		}),
		dialMode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "datachannel", Name: "dial_mode_total",
			Help: "Data channel dials by resulting mode (EPSV, PASV, PASVEX, EPRT, PORT).",
		}, []string{"mode"}),
	}

	if reg != nil {
		reg.MustRegister(m.epsvFallback, m.eprtFallback, m.noopInjections, m.resumeCount, m.bytesTransferred, m.dialMode)
	}
	return m
}

func (m *metricsCollector) recordDialMode(mode DataChannelMode) {
	if m == nil {
		return
	}
	m.dialMode.WithLabelValues(mode.String()).Inc()
}
