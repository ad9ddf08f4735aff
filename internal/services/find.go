package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lamyj/dopamine/internal/authz"
	"github.com/lamyj/dopamine/internal/metrics"
	"github.com/lamyj/dopamine/internal/query"
	"github.com/lamyj/dopamine/internal/store"
	"github.com/lamyj/dopamine/pkg/dimse"
)

// FindService answers C-FIND requests by streaming one pending response
// per match.
type FindService struct {
	Store      store.Store
	Authorizer authz.Authorizer
	Audit      Auditor
}

func (s *FindService) Handle(ctx context.Context, req *Request, rsp Responder) error {
	started := time.Now()

	if !s.Authorizer.IsAuthorized(req.Identity, authz.ServiceQuery) {
		audit(ctx, s.Audit, req, "c-find", "", "refused", started, "")
		return rsp.Send(req.Message.ResponseTo(dimse.StatusRefusedOutOfResources), nil)
	}
	if req.DataSet == nil {
		return s.fail(ctx, req, rsp, started, dimse.StatusIdentifierDoesNotMatchSOPClass,
			"no identifier in find request")
	}

	generator := query.NewGenerator(s.Store, query.Options{
		Constraint: s.Authorizer.GetConstraint(req.Identity, authz.ServiceQuery),
	})
	if err := generator.Initialize(ctx, req.DataSet); err != nil {
		return s.fail(ctx, req, rsp, started, identifierStatus(err), err.Error())
	}

	matched := 0
	for {
		if rsp.Cancelled() {
			generator.Cancel()
		}
		identifier, err := generator.Next(ctx)
		if err != nil {
			return s.fail(ctx, req, rsp, started, dimse.StatusUnableToProcess, err.Error())
		}
		if identifier == nil {
			break
		}
		matched++
		metrics.QueryResponses.Inc()
		if err := rsp.Send(req.Message.ResponseTo(dimse.StatusPending), identifier); err != nil {
			return err
		}
	}

	if generator.State() == query.StateCancelled {
		log.Info().
			Str("calling_aet", req.Identity.CallingAETitle).
			Int("matched", matched).
			Msg("C-FIND cancelled")
		audit(ctx, s.Audit, req, "c-find", "", "cancelled", started, "")
		return rsp.Send(req.Message.ResponseTo(dimse.StatusCancel), nil)
	}

	log.Info().
		Str("calling_aet", req.Identity.CallingAETitle).
		Int("matched", matched).
		Msg("C-FIND complete")
	audit(ctx, s.Audit, req, "c-find", "", "success", started, "")
	return rsp.Send(req.Message.ResponseTo(dimse.StatusSuccess), nil)
}

func (s *FindService) fail(ctx context.Context, req *Request, rsp Responder, started time.Time, status uint16, reason string) error {
	log.Error().
		Str("calling_aet", req.Identity.CallingAETitle).
		Str("reason", reason).
		Msg("C-FIND failed")
	audit(ctx, s.Audit, req, "c-find", "", "failure", started, reason)
	response := req.Message.ResponseTo(status)
	response.ErrorComment = reason
	return rsp.Send(response, nil)
}

// identifierStatus maps generator initialization failures to DIMSE
// statuses: malformed identifiers and unsupported matching go back as
// A900, storage trouble as C000.
func identifierStatus(err error) uint16 {
	var identifierErr *query.IdentifierError
	var sequenceErr *query.SequenceMatchError
	if errors.As(err, &identifierErr) || errors.As(err, &sequenceErr) {
		return dimse.StatusIdentifierDoesNotMatchSOPClass
	}
	return dimse.StatusUnableToProcess
}
