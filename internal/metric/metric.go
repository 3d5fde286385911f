// Package metric holds the Prometheus collectors exported by uefivarsd.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "uefivars"

var (
	// RuntimeCalls counts variable service calls by operation and EFI status.
	RuntimeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runtime_calls_total",
		Help:      "Number of variable service calls, by operation and returned status.",
	}, []string{"op", "status"})

	RuntimeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "runtime_call_duration_seconds",
		Help:      "Duration of variable service calls, including lock wait.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
	}, []string{"op"})

	// Decodes counts firmware image decodes by result.
	Decodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "image_decodes_total",
		Help:      "Number of EDK2 variable store images decoded, by result.",
	}, []string{"result"})

	Variables = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "variables",
		Help:      "Number of variables held by the store.",
	})

	BootServicesExited = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "boot_services_exited",
		Help:      "1 once ExitBootServices has been signalled.",
	})
)

// Operation label values.
const (
	OpGetVariable         = "GetVariable"
	OpGetNextVariableName = "GetNextVariableName"
	OpSetVariable         = "SetVariable"
	OpQueryVariableInfo   = "QueryVariableInfo"
	OpExitBootServices    = "ExitBootServices"
)

// Init pre-creates the label combinations seen on every healthy system so
// that they are exported as zero before the first call.
func Init() {
	for _, op := range []string{OpGetVariable, OpGetNextVariableName, OpSetVariable, OpQueryVariableInfo, OpExitBootServices} {
		RuntimeCalls.WithLabelValues(op, "EFI_SUCCESS")
		RuntimeDuration.WithLabelValues(op)
	}
	for _, result := range []string{"ok", "error"} {
		Decodes.WithLabelValues(result)
	}
}
