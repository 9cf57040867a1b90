// Package metrics exposes Prometheus counters for the coordinator's channel,
// host-supervision and session activity.
package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "testplane"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	messagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "messages_sent_total",
		Help:      "Count of protocol messages written to the channel",
	}, []string{
		"kind",
	})

	messagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "messages_received_total",
		Help:      "Count of protocol messages read from the channel",
	}, []string{
		"kind",
	})

	malformedMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "malformed_messages_total",
		Help:      "Count of frames that could not be parsed",
	})

	protocolViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "protocol_violations_total",
		Help:      "Count of messages with an unexpected kind for the session state",
	}, []string{
		"kind",
	})

	hostLaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "host_launches_total",
		Help:      "Count of test host process launches",
	}, []string{
		"result",
	})

	hostExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "host_exits_total",
		Help:      "Count of test host process exits",
	}, []string{
		"exit_code",
	})

	customLaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "custom_launches_total",
		Help:      "Count of custom host launch requests",
	}, []string{
		"result",
	})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "sessions_active",
		Help:      "Number of test host sessions currently established",
	})

	sessionDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "session_duration_seconds",
		Help:      "Duration of completed test host sessions",
	}, []string{
		"session_id",
		"result",
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

func RecordMessageSent(kind string) {
	messagesSentTotal.WithLabelValues(kind).Inc()
}

func RecordMessageReceived(kind string) {
	messagesReceivedTotal.WithLabelValues(kind).Inc()
}

func RecordMalformedMessage() {
	malformedMessagesTotal.Inc()
}

func RecordProtocolViolation(kind string) {
	if Debug {
		log.Debug("metric inc",
			"m", "protocol_violations_total",
			"kind", kind)
	}
	protocolViolationsTotal.WithLabelValues(kind).Inc()
}

func RecordHostLaunch(result string) {
	if Debug {
		log.Debug("metric inc",
			"m", "host_launches_total",
			"result", result)
	}
	hostLaunchesTotal.WithLabelValues(result).Inc()
}

func RecordHostExit(exitCode int) {
	hostExitsTotal.WithLabelValues(fmt.Sprintf("%d", exitCode)).Inc()
}

func RecordCustomLaunch(result string) {
	customLaunchesTotal.WithLabelValues(result).Inc()
}

// activeSessions shadows the sessions_active gauge so in-process consumers
// (the healthz endpoint) can read it without scraping the registry.
var activeSessions atomic.Int64

func RecordSessionStarted() {
	activeSessions.Add(1)
	sessionsActive.Inc()
}

func RecordSessionEnded(sessionID string, result string, duration time.Duration) {
	activeSessions.Add(-1)
	sessionsActive.Dec()
	sessionDuration.WithLabelValues(sessionID, result).Set(duration.Seconds())
}

// ActiveSessions returns the number of host sessions currently established.
func ActiveSessions() int {
	return int(activeSessions.Load())
}
