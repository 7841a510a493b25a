package api

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trellis-data/trellis/pkg/core"
)

type metrics struct {
	claims      *prometheus.CounterVec
	completions *prometheus.CounterVec
	batches     prometheus.Counter
	jobChanges  *prometheus.CounterVec
	readyItems  *prometheus.GaugeVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trellis",
			Name:      "work_items_claimed_total",
			Help:      "Work items claimed by workers.",
		}, []string{"service_id"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trellis",
			Name:      "work_items_completed_total",
			Help:      "Work item completion updates applied, by final status.",
		}, []string{"service_id", "status"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trellis",
			Name:      "batches_closed_total",
			Help:      "Aggregation batches closed.",
		}),
		jobChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trellis",
			Name:      "job_state_changes_total",
			Help:      "Job status transitions.",
		}, []string{"status"}),
		readyItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trellis",
			Name:      "work_items_ready",
			Help:      "Dispatchable work items, as of the last ready-count query.",
		}, []string{"service_id"}),
	}
	reg.MustRegister(m.claims, m.completions, m.batches, m.jobChanges, m.readyItems)
	return m
}

// collect consumes engine events into counters until the context ends.
func (m *metrics) collect(ctx context.Context, events <-chan core.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case *core.WorkItemClaimed:
				m.claims.WithLabelValues(e.Item.ServiceID).Inc()
			case *core.WorkItemUpdated:
				m.completions.WithLabelValues(e.Item.ServiceID, string(e.Item.Status)).Inc()
			case *core.BatchClosed:
				m.batches.Inc()
			case *core.JobStateChanged:
				m.jobChanges.WithLabelValues(string(e.Job.Status)).Inc()
			}
		}
	}
}
