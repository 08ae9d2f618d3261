package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/your-org/owwatchd/internal/model"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "owwatchd_events_total",
			Help: "Number of filesystem events observed, labelled by operation.",
		},
		[]string{"op"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "owwatchd_alerts_total",
			Help: "Number of world-writable alerts raised, labelled by entry kind.",
		},
		[]string{"kind"},
	)

	droppedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "owwatchd_dropped_events_total",
			Help: "Number of events discarded without processing, labelled by reason.",
		},
		[]string{"reason"},
	)

	deliveryFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "owwatchd_delivery_failures_total",
			Help: "Number of alerts that could not be delivered to the syslog collector.",
		},
	)

	watchedDirectories = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "owwatchd_watched_directories",
			Help: "Number of directories currently under an active watch.",
		},
	)

	archivedFilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "owwatchd_archived_files_total",
			Help: "Number of alerted files copied into the archive directory.",
		},
	)
)

func Register(reg *prometheus.Registry) {
	reg.MustRegister(
		eventsTotal,
		alertsTotal,
		droppedEventsTotal,
		deliveryFailuresTotal,
		watchedDirectories,
		archivedFilesTotal,
	)
}

func IncEvent(op string) {
	eventsTotal.WithLabelValues(op).Inc()
}

func IncAlert(kind model.EntryKind) {
	alertsTotal.WithLabelValues(string(kind)).Inc()
}

func IncDropped(reason string) {
	droppedEventsTotal.WithLabelValues(reason).Inc()
}

func IncDeliveryFailure() {
	deliveryFailuresTotal.Inc()
}

func SetWatchedDirs(n int) {
	watchedDirectories.Set(float64(n))
}

func IncArchived() {
	archivedFilesTotal.Inc()
}
