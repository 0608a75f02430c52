// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveSyncs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stratosync",
		Subsystem: "engine",
		Name:      "active_syncs",
		Help:      "Number of syncs currently in the run state.",
	})
	metricStalledRows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stratosync",
		Subsystem: "engine",
		Name:      "stalled_rows",
		Help:      "Number of rows currently reported as stalled.",
	})
	metricNameConflicts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stratosync",
		Subsystem: "engine",
		Name:      "name_conflicts",
		Help:      "Number of name conflicts currently reported.",
	})
	metricReconcilerPasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratosync",
		Subsystem: "engine",
		Name:      "reconciler_passes_total",
		Help:      "Total reconciliation passes executed.",
	})
	metricMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stratosync",
		Subsystem: "engine",
		Name:      "mutations_total",
		Help:      "Mutations commanded by the reconciler, by kind.",
	}, []string{"kind"})
)
