package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lamyj/dopamine/internal/authz"
	"github.com/lamyj/dopamine/internal/metrics"
	"github.com/lamyj/dopamine/internal/models"
	"github.com/lamyj/dopamine/internal/query"
	"github.com/lamyj/dopamine/internal/store"
	"github.com/lamyj/dopamine/pkg/dicom"
	"github.com/lamyj/dopamine/pkg/dimse"
)

// DestinationResolver looks up a C-MOVE destination by AE title.
type DestinationResolver interface {
	Resolve(ctx context.Context, aeTitle string) (*models.Destination, error)
}

// MoveService serves C-MOVE: matched instances are pushed to the
// destination over a new association, with progress reported back to
// the requestor.
type MoveService struct {
	Store      store.Store
	Files      *store.FileStore
	Authorizer authz.Authorizer
	Audit      Auditor
	Resolver   DestinationResolver
	LocalAET   string
}

func (s *MoveService) Handle(ctx context.Context, req *Request, rsp Responder) error {
	started := time.Now()

	if !s.Authorizer.IsAuthorized(req.Identity, authz.ServiceRetrieve) {
		audit(ctx, s.Audit, req, "c-move", "", "refused", started, "")
		return rsp.Send(req.Message.ResponseTo(dimse.StatusRefusedOutOfResources), nil)
	}

	dest, err := s.Resolver.Resolve(ctx, req.Message.MoveDestination)
	if err != nil {
		if errors.Is(err, models.ErrDestinationNotFound) {
			log.Warn().
				Str("destination", req.Message.MoveDestination).
				Msg("Unknown move destination")
			audit(ctx, s.Audit, req, "c-move", "", "failure", started, "unknown destination")
			return rsp.Send(req.Message.ResponseTo(dimse.StatusMoveDestinationUnknown), nil)
		}
		return retrieveFail(ctx, s.Audit, req, rsp, started, "c-move",
			dimse.StatusRefusedUnableToPerformSubOps, err.Error())
	}

	matches, status, reason := collectMatches(ctx, s.Store, s.Authorizer, req)
	if reason != "" {
		return retrieveFail(ctx, s.Audit, req, rsp, started, "c-move", status, reason)
	}

	assoc := dimse.NewAssociation(dimse.AssociationConfig{
		Host:       dest.Host,
		Port:       dest.Port,
		CallingAET: s.LocalAET,
		CalledAET:  dest.AETitle,
		SOPClasses: sopClassesOf(matches),
	})
	if err := assoc.Connect(ctx); err != nil {
		return retrieveFail(ctx, s.Audit, req, rsp, started, "c-move",
			dimse.StatusRefusedUnableToPerformSubOps, err.Error())
	}
	defer assoc.Close()

	return runSubOperations(ctx, s.Audit, req, rsp, started, "c-move", s.Files, matches,
		func(ctx context.Context, ds *dicom.DataSet) error {
			return assoc.Store(ctx, ds)
		})
}

// GetService serves C-GET: matched instances are pushed back to the
// requestor on the same association.
type GetService struct {
	Store      store.Store
	Files      *store.FileStore
	Authorizer authz.Authorizer
	Audit      Auditor
}

func (s *GetService) Handle(ctx context.Context, req *Request, rsp Responder) error {
	started := time.Now()

	if !s.Authorizer.IsAuthorized(req.Identity, authz.ServiceRetrieve) {
		audit(ctx, s.Audit, req, "c-get", "", "refused", started, "")
		return rsp.Send(req.Message.ResponseTo(dimse.StatusRefusedOutOfResources), nil)
	}

	matches, status, reason := collectMatches(ctx, s.Store, s.Authorizer, req)
	if reason != "" {
		return retrieveFail(ctx, s.Audit, req, rsp, started, "c-get", status, reason)
	}

	return runSubOperations(ctx, s.Audit, req, rsp, started, "c-get", s.Files, matches,
		rsp.StoreInstance)
}

// collectMatches runs the query side of a retrieve. A non-empty reason
// reports failure together with the status to answer with.
func collectMatches(ctx context.Context, st store.Store, auth authz.Authorizer, req *Request) ([]*query.Match, uint16, string) {
	if req.DataSet == nil {
		return nil, dimse.StatusIdentifierDoesNotMatchSOPClass, "no identifier in retrieve request"
	}

	// SOP Class and Instance UIDs are projected into every match: the
	// destination association negotiates on the class, failure reports
	// name the instance.
	identifier := req.DataSet.Clone()
	if !identifier.Has(dicom.TagSOPClassUID) {
		identifier.Put(dicom.TagSOPClassUID, dicom.VRUI, dicom.Strings{})
	}
	if !identifier.Has(dicom.TagSOPInstanceUID) {
		identifier.Put(dicom.TagSOPInstanceUID, dicom.VRUI, dicom.Strings{})
	}

	generator := query.NewGenerator(st, query.Options{
		Constraint:      auth.GetConstraint(req.Identity, authz.ServiceRetrieve),
		IncludeLocation: true,
	})
	if err := generator.Initialize(ctx, identifier); err != nil {
		if identifierStatus(err) == dimse.StatusIdentifierDoesNotMatchSOPClass {
			return nil, dimse.StatusIdentifierDoesNotMatchSOPClass, err.Error()
		}
		return nil, dimse.StatusRefusedUnableToCalculateMatches, err.Error()
	}

	var matches []*query.Match
	for {
		match, err := generator.NextMatch(ctx)
		if err != nil {
			return nil, dimse.StatusRefusedUnableToCalculateMatches, err.Error()
		}
		if match == nil {
			return matches, 0, ""
		}
		matches = append(matches, match)
	}
}

// runSubOperations performs one C-STORE per match, reporting progress
// with pending responses and finishing with the aggregate status.
func runSubOperations(ctx context.Context, sink Auditor, req *Request, rsp Responder, started time.Time, op string, files *store.FileStore, matches []*query.Match, subStore func(context.Context, *dicom.DataSet) error) error {
	counters := &dimse.SubOperations{Remaining: uint16(len(matches))}
	var failedUIDs []string

	for _, match := range matches {
		if rsp.Cancelled() {
			log.Info().
				Str("calling_aet", req.Identity.CallingAETitle).
				Uint16("remaining", counters.Remaining).
				Str("operation", op).
				Msg("Retrieve cancelled")
			audit(ctx, sink, req, op, "", "cancelled", started, "")
			response := req.Message.ResponseTo(dimse.StatusCancel)
			response.SubOps = counters
			return rsp.Send(response, nil)
		}

		if err := storeOneMatch(ctx, files, match, subStore); err != nil {
			counters.Failed++
			failedUIDs = append(failedUIDs, match.Identifier.GetString(dicom.TagSOPInstanceUID))
			metrics.SubOperationsTotal.WithLabelValues(op, "failure").Inc()
			log.Warn().Err(err).
				Str("location", match.Location).
				Str("operation", op).
				Msg("Sub-operation failed")
		} else {
			counters.Completed++
			metrics.SubOperationsTotal.WithLabelValues(op, "success").Inc()
		}
		counters.Remaining--

		if counters.Remaining > 0 {
			response := req.Message.ResponseTo(dimse.StatusPending)
			response.SubOps = counters
			if err := rsp.Send(response, nil); err != nil {
				return err
			}
		}
	}

	status := dimse.StatusSuccess
	outcome := "success"
	var failedList *dicom.DataSet
	if counters.Failed > 0 {
		status = dimse.StatusSubOpsCompleteWithFailures
		outcome = "failure"
		failedList = dicom.NewDataSet()
		failedList.Put(dicom.TagFailedSOPInstanceUIDList, dicom.VRUI, dicom.Strings(failedUIDs))
	}

	log.Info().
		Str("calling_aet", req.Identity.CallingAETitle).
		Uint16("completed", counters.Completed).
		Uint16("failed", counters.Failed).
		Str("operation", op).
		Msg("Retrieve complete")
	audit(ctx, sink, req, op, "", outcome, started, "")

	response := req.Message.ResponseTo(status)
	response.SubOps = counters
	return rsp.Send(response, failedList)
}

func storeOneMatch(ctx context.Context, files *store.FileStore, match *query.Match, subStore func(context.Context, *dicom.DataSet) error) error {
	ds, err := files.ReadInstance(match.Location)
	if err != nil {
		return err
	}
	return subStore(ctx, ds)
}

func retrieveFail(ctx context.Context, sink Auditor, req *Request, rsp Responder, started time.Time, op string, status uint16, reason string) error {
	log.Error().
		Str("calling_aet", req.Identity.CallingAETitle).
		Str("reason", reason).
		Str("operation", op).
		Msg("Retrieve failed")
	audit(ctx, sink, req, op, "", "failure", started, reason)
	response := req.Message.ResponseTo(status)
	response.ErrorComment = reason
	return rsp.Send(response, nil)
}

func sopClassesOf(matches []*query.Match) []string {
	seen := map[string]bool{}
	var out []string
	for _, match := range matches {
		uid := match.Identifier.GetString(dicom.TagSOPClassUID)
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, uid)
	}
	return out
}
