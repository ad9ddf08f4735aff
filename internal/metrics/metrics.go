// Package metrics exposes the Prometheus collectors for the DICOM and
// HTTP frontends.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AssociationsTotal counts inbound associations by outcome:
	// accepted, rejected or aborted.
	AssociationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dopamine_associations_total",
		Help: "Inbound DICOM associations by outcome",
	}, []string{"calling_aet", "outcome"})

	// RequestsTotal counts DIMSE requests by operation and final status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dopamine_dimse_requests_total",
		Help: "DIMSE requests by operation and final status",
	}, []string{"operation", "status"})

	// RequestDuration observes DIMSE request handling time.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dopamine_dimse_request_duration_seconds",
		Help:    "DIMSE request handling duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// StoredInstances counts instances accepted by the store service.
	StoredInstances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dopamine_stored_instances_total",
		Help: "Instances accepted by C-STORE",
	})

	// StoredBytes counts bytes written to instance storage.
	StoredBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dopamine_stored_bytes_total",
		Help: "Bytes written to instance storage",
	})

	// QueryResponses counts pending responses sent by C-FIND.
	QueryResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dopamine_query_responses_total",
		Help: "Pending identifiers returned by C-FIND",
	})

	// SubOperationsTotal counts retrieve sub-operations by outcome.
	SubOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dopamine_retrieve_sub_operations_total",
		Help: "C-MOVE/C-GET sub-operations by outcome",
	}, []string{"operation", "outcome"})
)
