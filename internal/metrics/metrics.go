package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "slotkeeper"

var (
	once sync.Once

	appointmentsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointments_created_total",
			Help:      "Count of appointments created by initial status.",
		},
		[]string{"status"},
	)

	appointmentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointment_transitions_total",
			Help:      "Count of appointment state changes by target.",
		},
		[]string{"to"},
	)

	reservationConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_conflicts_total",
			Help:      "Count of rejected reservation attempts by reason.",
		},
		[]string{"reason"},
	)

	sweeperExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_expired_total",
			Help:      "Count of holds rejected by the expiry sweeper.",
		},
	)

	sweeperRunSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweeper_run_seconds",
			Help:      "Duration of expiry sweeper runs.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Count of outgoing notifications by result.",
		},
		[]string{"result"},
	)

	remindersSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_sent_total",
			Help:      "Count of reminder messages sent by kind.",
		},
		[]string{"kind"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			appointmentsCreated,
			appointmentTransitions,
			reservationConflicts,
			sweeperExpired,
			sweeperRunSeconds,
			notifications,
			remindersSent,
		)
	})
}

func IncAppointmentCreated(status string) {
	appointmentsCreated.WithLabelValues(status).Inc()
}

func IncTransition(to string) {
	appointmentTransitions.WithLabelValues(to).Inc()
}

func IncConflict(reason string) {
	reservationConflicts.WithLabelValues(reason).Inc()
}

func AddSweeperExpired(n int) {
	sweeperExpired.Add(float64(n))
}

func ObserveSweeperRun(seconds float64) {
	sweeperRunSeconds.Observe(seconds)
}

func IncNotification(result string) {
	notifications.WithLabelValues(result).Inc()
}

func IncReminderSent(kind string) {
	remindersSent.WithLabelValues(kind).Inc()
}
