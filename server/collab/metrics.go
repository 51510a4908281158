// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var roomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "inkwell_collab_rooms",
	Help: "number of live relay rooms",
})

var connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "inkwell_collab_connections",
	Help: "number of attached relay connections",
})

var updatesRelayedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "inkwell_collab_updates_relayed_total",
	Help: "counter of document updates accepted and fanned out",
})
