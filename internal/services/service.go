// Package services implements the DIMSE service classes offered by the
// node: verification, storage and the three query/retrieve operations.
// The association layer parses messages and hands them to a Handler; the
// handler replies through a Responder so that services can stream
// pending responses and C-GET sub-operations without knowing about PDUs.
package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lamyj/dopamine/internal/authz"
	"github.com/lamyj/dopamine/internal/metrics"
	"github.com/lamyj/dopamine/internal/models"
	"github.com/lamyj/dopamine/pkg/dicom"
	"github.com/lamyj/dopamine/pkg/dimse"
)

// Request is one inbound DIMSE request with its decoded dataset, when
// the command announced one.
type Request struct {
	Identity authz.Identity
	Message  *dimse.Message
	DataSet  *dicom.DataSet
}

// Responder sends messages back on the association that delivered the
// request.
type Responder interface {
	// Send writes one response; identifier may be nil.
	Send(rsp *dimse.Message, identifier *dicom.DataSet) error
	// StoreInstance pushes one instance to the peer on this same
	// association, as a C-GET sub-operation.
	StoreInstance(ctx context.Context, ds *dicom.DataSet) error
	// Cancelled reports whether a C-CANCEL arrived for the request
	// being handled.
	Cancelled() bool
}

// Handler serves one DIMSE operation.
type Handler interface {
	Handle(ctx context.Context, req *Request, rsp Responder) error
}

// Auditor records operations for the audit trail. A nil Auditor is
// allowed everywhere and disables auditing.
type Auditor interface {
	Create(ctx context.Context, entry *models.AuditLog) error
}

func audit(ctx context.Context, sink Auditor, req *Request, operation, resourceUID, status string, started time.Time, errMessage string) {
	metrics.RequestsTotal.WithLabelValues(operation, status).Inc()
	metrics.RequestDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if sink == nil {
		return
	}
	entry := &models.AuditLog{
		CallingAETitle: req.Identity.CallingAETitle,
		RemoteHost:     req.Identity.Host,
		Operation:      operation,
		ResourceUID:    resourceUID,
		Status:         status,
		ErrorMessage:   errMessage,
		Duration:       time.Since(started).Milliseconds(),
	}
	if err := sink.Create(ctx, entry); err != nil {
		log.Warn().Err(err).Str("operation", operation).Msg("Failed to write audit log")
	}
}
