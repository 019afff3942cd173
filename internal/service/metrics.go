package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	statusRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantmap_status_requests_total",
			Help: "Status request submissions by outcome (submitted, duplicate, invalid)",
		},
		[]string{"task_type", "outcome"},
	)
	statusReviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantmap_status_reviews_total",
			Help: "Reviewed status requests by decision",
		},
		[]string{"task_type", "decision"},
	)
	cyclesCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantmap_cycles_completed_total",
			Help: "Cycles that reached full completion",
		},
		[]string{"task_type"},
	)
	cycleResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantmap_cycle_resets_total",
			Help: "Cycle resets performed",
		},
		[]string{"task_type"},
	)
)
