// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the fleet registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts handled HTTP requests by route, method and status class.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camfleet_http_requests_total",
		Help: "Total number of handled HTTP requests, by route, method and status code.",
	}, []string{"route", "method", "code"})

	// HTTPRequestDuration observes request latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "camfleet_http_request_duration_seconds",
		Help:    "HTTP request latency, by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// AgentsRegisteredTotal counts successful agent registrations.
	AgentsRegisteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camfleet_agents_registered_total",
		Help: "Total number of successful agent registrations.",
	})

	// AgentsDemotedTotal counts agents demoted to inactive_timeout by the liveness sweeper.
	AgentsDemotedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camfleet_agents_demoted_total",
		Help: "Total number of agents demoted for missed heartbeats.",
	})

	// AgentsPurgedTotal counts agents removed by the purge sweeper.
	AgentsPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camfleet_agents_purged_total",
		Help: "Total number of agents purged after prolonged inactivity.",
	})

	// SubscriptionsPrunedTotal counts service camera subscriptions removed by the cleanup sweeper.
	SubscriptionsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camfleet_subscriptions_pruned_total",
		Help: "Total number of stale camera subscriptions removed from service lists.",
	})

	// SweepCyclesTotal counts sweeper cycles by sweeper name and result.
	SweepCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camfleet_sweep_cycles_total",
		Help: "Total number of sweeper cycles, by sweeper and result (ok/error).",
	}, []string{"sweeper", "result"})

	// KVTxRetriesTotal counts optimistic transaction restarts after a concurrent write.
	KVTxRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camfleet_kv_tx_retries_total",
		Help: "Total number of optimistic transaction retries caused by concurrent writers.",
	})

	// ControlNotifyTotal counts agent control callbacks by action and result.
	ControlNotifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camfleet_control_notify_total",
		Help: "Total number of agent control callbacks, by action and result.",
	}, []string{"action", "result"})
)
