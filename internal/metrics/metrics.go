package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashtest_messages_handled_total",
			Help: "Inbound chat messages handled, by dialog branch",
		},
		[]string{"branch"},
	)

	AnswersRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashtest_answers_recorded_total",
			Help: "Answers recorded, by question type",
		},
		[]string{"type"},
	)

	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flashtest_sessions_started_total",
			Help: "Test sessions started",
		},
	)

	SessionsFinished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flashtest_sessions_finished_total",
			Help: "Test sessions finished",
		},
	)

	DeliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashtest_delivery_failures_total",
			Help: "Outbound messages that could not be delivered, by kind",
		},
		[]string{"kind"},
	)
)

var initOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(MessagesHandled)
		prometheus.MustRegister(AnswersRecorded)
		prometheus.MustRegister(SessionsStarted)
		prometheus.MustRegister(SessionsFinished)
		prometheus.MustRegister(DeliveryFailures)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
