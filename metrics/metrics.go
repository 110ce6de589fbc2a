// Package metrics holds the prometheus collectors for the group engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "groupsync"

type Metrics struct {
	Registry *prometheus.Registry

	TasksEnqueued         *prometheus.CounterVec
	TasksDelivered        *prometheus.CounterVec
	TaskDeliveryFailures  *prometheus.CounterVec
	SyncRequestsSent      prometheus.Counter
	SyncRequestsThrottled prometheus.Counter
	PeriodicSyncs         prometheus.Counter
	PeriodicSyncRollbacks prometheus.Counter
	Resolutions           *prometheus.CounterVec
	Reconciliations       *prometheus.CounterVec
}

// New registers all collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Registry: reg,
		TasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "enqueued_total",
			Help:      "Outbound protocol tasks durably enqueued.",
		}, []string{"type"}),
		TasksDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "delivered_total",
			Help:      "Outbound protocol tasks handed to the transport.",
		}, []string{"type"}),
		TaskDeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "delivery_failures_total",
			Help:      "Failed delivery attempts, retried later.",
		}, []string{"type"}),
		SyncRequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "requests_sent_total",
			Help:      "request-sync tasks enqueued.",
		}),
		SyncRequestsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "requests_throttled_total",
			Help:      "Sync requests suppressed by the throttle.",
		}),
		PeriodicSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "periodic_total",
			Help:      "Periodic syncs performed.",
		}),
		PeriodicSyncRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "periodic_rollbacks_total",
			Help:      "Periodic syncs whose photo step failed and was rolled back.",
		}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contacts",
			Name:      "resolutions_total",
			Help:      "Contact resolutions by outcome.",
		}, []string{"outcome"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "groups",
			Name:      "reconciliations_total",
			Help:      "Group reconciliations by source.",
		}, []string{"source"}),
	}
	reg.MustRegister(
		m.TasksEnqueued,
		m.TasksDelivered,
		m.TaskDeliveryFailures,
		m.SyncRequestsSent,
		m.SyncRequestsThrottled,
		m.PeriodicSyncs,
		m.PeriodicSyncRollbacks,
		m.Resolutions,
		m.Reconciliations,
	)
	return m
}
