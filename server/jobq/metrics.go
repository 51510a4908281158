// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package jobq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsProcessedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "inkwell_jobq_jobs_processed_total",
	Help: "counter of processed queue jobs by outcome",
}, []string{"task", "outcome"})
