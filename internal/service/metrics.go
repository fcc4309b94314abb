package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	depositsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_deposits_applied_total",
		Help: "Deposits credited to an account",
	}, []string{"coin"})

	depositsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_deposits_skipped_total",
		Help: "Feed events not credited, by reason",
	}, []string{"coin", "reason"})

	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_reconcile_duration_seconds",
		Help:    "Duration of a single account reconciliation",
		Buckets: prometheus.DefBuckets,
	})

	jobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "generation_jobs_started_total",
		Help: "Generation jobs accepted and debited",
	})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_jobs_finished_total",
		Help: "Generation jobs reaching a terminal state",
	}, []string{"state"})

	refundsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_refunds_total",
		Help: "Compensating credits applied",
	}, []string{"kind"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "generation_stage_duration_seconds",
		Help:    "Content provider latency per stage",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage", "outcome"})
)
