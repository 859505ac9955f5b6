package metrics

import (
	"github.com/graph8/agent-gateway/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for agent connections, inbound
// messages and task lifecycle transitions. A nil *Metrics is a no-op.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesReceived  *prometheus.CounterVec
	malformedMessages prometheus.Counter
	taskTransitions   *prometheus.CounterVec
	tasksActive       prometheus.Gauge
	taskDuration      *prometheus.HistogramVec
	tasksExpired      prometheus.Counter
}

// MustNewMetrics builds the collectors and registers them with reg. Callers
// that create several instances (tests) should pass a fresh registry.
func MustNewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "connections_active",
			Help:      "Number of open agent WebSocket connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "connections_total",
			Help:      "Agent WebSocket connections accepted since start.",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "messages_received_total",
			Help:      "Decoded inbound messages by envelope type.",
		}, []string{"type"}),
		malformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "messages_malformed_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Task state transitions by target state.",
		}, []string{"state"}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "active",
			Help:      "Tasks not yet in a terminal state.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Time from task creation to its terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"state"}),
		tasksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "expired_undelivered_total",
			Help:      "Tasks dropped after their timeout without ever reaching an agent.",
		}),
	}

	reg.MustRegister(
		m.connectionsActive,
		m.connectionsTotal,
		m.messagesReceived,
		m.malformedMessages,
		m.taskTransitions,
		m.tasksActive,
		m.taskDuration,
		m.tasksExpired,
	)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) MalformedMessage() {
	if m == nil {
		return
	}
	m.malformedMessages.Inc()
}

// TaskTransitioned implements ports.TaskObserver.
func (m *Metrics) TaskTransitioned(task domain.Task, from domain.TaskState) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(string(task.State)).Inc()
	if task.State == domain.TaskStateCreated && from == "" {
		m.tasksActive.Inc()
	}
	if task.State.IsTerminal() {
		m.tasksActive.Dec()
		m.taskDuration.WithLabelValues(string(task.State)).Observe(task.UpdatedAt.Sub(task.CreatedAt).Seconds())
	}
}

// TaskExpired implements ports.TaskObserver.
func (m *Metrics) TaskExpired(domain.Task) {
	if m == nil {
		return
	}
	m.tasksExpired.Inc()
	m.tasksActive.Dec()
}
