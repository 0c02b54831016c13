//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2025 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package spann

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks index activity. A nil registerer disables collection, every
// observe method is safe to call either way.
type Metrics struct {
	enabled bool

	postingSize     prometheus.Histogram
	queryDuration   prometheus.Histogram
	splits          prometheus.Counter
	merges          prometheus.Counter
	reassigns       prometheus.Counter
	skippedPostings prometheus.Counter
	corruptCodes    prometheus.Counter
	cacheFetches    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer, indexID string) *Metrics {
	if reg == nil {
		return &Metrics{}
	}

	labels := prometheus.Labels{"index_id": indexID}

	m := &Metrics{
		enabled: true,
		postingSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "spann_posting_size",
			Help:        "Number of vectors per posting after an update",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
		}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "spann_query_duration_seconds",
			Help:        "End to end latency of index queries",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		splits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "spann_splits_total",
			Help:        "Number of posting split operations",
			ConstLabels: labels,
		}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "spann_merges_total",
			Help:        "Number of posting merge operations",
			ConstLabels: labels,
		}),
		reassigns: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "spann_reassigns_total",
			Help:        "Number of vector reassign operations",
			ConstLabels: labels,
		}),
		skippedPostings: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "spann_skipped_postings_total",
			Help:        "Postings skipped during queries due to fetch failures",
			ConstLabels: labels,
		}),
		corruptCodes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "spann_corrupt_codes_total",
			Help:        "Codes rejected during scans due to header payload disagreement",
			ConstLabels: labels,
		}),
		cacheFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "spann_posting_fetches_total",
			Help:        "Posting fetches that reached the block store",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(m.postingSize, m.queryDuration, m.splits, m.merges,
		m.reassigns, m.skippedPostings, m.corruptCodes, m.cacheFetches)
	return m
}

func (m *Metrics) ObservePostingSize(size float64) {
	if !m.enabled {
		return
	}
	m.postingSize.Observe(size)
}

func (m *Metrics) ObserveQuery(start time.Time) {
	if !m.enabled {
		return
	}
	m.queryDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) SplitDone() {
	if !m.enabled {
		return
	}
	m.splits.Inc()
}

func (m *Metrics) MergeDone() {
	if !m.enabled {
		return
	}
	m.merges.Inc()
}

func (m *Metrics) ReassignDone() {
	if !m.enabled {
		return
	}
	m.reassigns.Inc()
}

func (m *Metrics) PostingSkipped() {
	if !m.enabled {
		return
	}
	m.skippedPostings.Inc()
}

func (m *Metrics) CorruptCode() {
	if !m.enabled {
		return
	}
	m.corruptCodes.Inc()
}

func (m *Metrics) PostingFetched() {
	if !m.enabled {
		return
	}
	m.cacheFetches.Inc()
}
