package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_submissions_total",
		Help: "Interactive submissions by final result.",
	}, []string{"result"})

	syncOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_sync_outcomes_total",
		Help: "Reconciled offline claims by outcome.",
	}, []string{"outcome"})
)
