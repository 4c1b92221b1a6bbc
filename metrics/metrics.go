package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "op_scheduler"
)

var (
	Debug                bool = true
	validResults              = []types.TestStatus{types.TestStatusPass, types.TestStatusFail, types.TestStatusSkip, types.TestStatusCancel}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	testResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_results_total",
		Help:      "Count of terminal test results",
	}, []string{
		"assembly",
		"class",
		"result",
	})

	testAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_attempts_total",
		Help:      "Count of test body attempts, including retries",
	}, []string{
		"assembly",
	})

	testDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "test_duration_seconds",
		Help:      "Wall-clock duration of tests from dispatch to terminal state",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{
		"assembly",
		"result",
	})

	constraintWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "constraint_wait_seconds",
		Help:      "Time a ready test waited for exclusivity keys, limiter slots and dispatch rate",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	limiterActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "limiter_active",
		Help:      "Tests currently holding a slot of a parallel limiter",
	}, []string{
		"key",
	})

	workersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "workers_busy",
		Help:      "Workers currently executing a test",
	})

	fixtureConstructions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "fixture_constructions_total",
		Help:      "Count of fixture instances constructed",
	})

	fixtureDisposals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "fixture_disposals_total",
		Help:      "Count of fixture instances disposed",
	})

	listenerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "listener_failures_total",
		Help:      "Count of lifecycle listener invocations that failed",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Result of a scheduler run",
	}, []string{
		"run_id",
		"result",
	})

	runTests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_tests",
		Help:      "Number of tests in a run by result",
	}, []string{
		"run_id",
		"result",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of a scheduler run",
	}, []string{
		"run_id",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordTestResult records one terminal test result.
func RecordTestResult(assembly string, class string, result types.TestStatus, attempts int, duration time.Duration) {
	if !isValidResult(result) {
		log.Error("RecordTestResult - invalid result", "result", result)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "test_results_total",
			"assembly", assembly,
			"class", class,
			"result", result,
			"attempts", attempts)
	}
	testResultsTotal.WithLabelValues(assembly, class, string(result)).Inc()
	testAttemptsTotal.WithLabelValues(assembly).Add(float64(attempts))
	testDuration.WithLabelValues(assembly, string(result)).Observe(duration.Seconds())
}

func RecordConstraintWait(d time.Duration) {
	constraintWait.Observe(d.Seconds())
}

func RecordLimiterActive(key string, active int) {
	limiterActive.WithLabelValues(key).Set(float64(active))
}

func RecordWorkerBusy(delta int) {
	workersBusy.Add(float64(delta))
}

func RecordFixtureActivity(constructions int64, disposals int64) {
	fixtureConstructions.Add(float64(constructions))
	fixtureDisposals.Add(float64(disposals))
}

func RecordListenerFailures(n int64) {
	listenerFailures.Add(float64(n))
}

// RecordRun records the outcome of a whole run.
func RecordRun(
	runID string,
	result types.TestStatus,
	counts map[types.TestStatus]int,
	duration time.Duration,
) {
	runResults.WithLabelValues(runID, string(result)).Set(1)
	for _, status := range validResults {
		runTests.WithLabelValues(runID, string(status)).Set(float64(counts[status]))
	}
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}

func isValidResult(result types.TestStatus) bool {
	return slices.Contains(validResults, result)
}
