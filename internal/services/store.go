package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lamyj/dopamine/internal/authz"
	"github.com/lamyj/dopamine/internal/codec"
	"github.com/lamyj/dopamine/internal/metrics"
	"github.com/lamyj/dopamine/internal/store"
	"github.com/lamyj/dopamine/pkg/dicom"
	"github.com/lamyj/dopamine/pkg/dimse"
)

// StoreService persists C-STORE instances: the full instance goes to
// file storage, a document without pixel data goes to the database.
type StoreService struct {
	Store      store.Store
	Files      *store.FileStore
	Authorizer authz.Authorizer
	Audit      Auditor
}

// documentFilters drops pixel data from the stored document; the bytes
// stay in the part-10 file. Private elements are kept: they are part of
// the instance and queries may constrain on them.
var documentFilters = dicom.NewFilterChain(dicom.Include, dicom.FilterRule{
	Match:  dicom.TagIs(dicom.TagPixelData),
	Action: dicom.Exclude,
})

func (s *StoreService) Handle(ctx context.Context, req *Request, rsp Responder) error {
	started := time.Now()
	sopInstanceUID := req.Message.AffectedSOPInstanceUID

	if !s.Authorizer.IsAuthorized(req.Identity, authz.ServiceStore) {
		audit(ctx, s.Audit, req, "c-store", sopInstanceUID, "refused", started, "")
		return rsp.Send(req.Message.ResponseTo(dimse.StatusRefusedOutOfResources), nil)
	}
	if req.DataSet == nil {
		return s.fail(ctx, req, rsp, started, "no dataset in store request")
	}

	ds := req.DataSet
	if uid := ds.GetString(dicom.TagSOPInstanceUID); uid != "" {
		sopInstanceUID = uid
	}
	if sopInstanceUID == "" {
		return s.fail(ctx, req, rsp, started, "missing SOP instance UID")
	}

	// A re-sent instance is acknowledged without touching storage.
	existing, err := s.Store.Count(ctx, bson.M{"00080018.Value": sopInstanceUID})
	if err != nil {
		return s.fail(ctx, req, rsp, started, err.Error())
	}
	if existing > 0 {
		log.Debug().Str("sop_instance_uid", sopInstanceUID).Msg("Duplicate instance ignored")
		audit(ctx, s.Audit, req, "c-store", sopInstanceUID, "success", started, "")
		return rsp.Send(req.Message.ResponseTo(dimse.StatusSuccess), nil)
	}

	location, size, err := s.Files.WriteInstance(ds)
	if err != nil {
		return s.fail(ctx, req, rsp, started, err.Error())
	}
	metrics.StoredBytes.Add(float64(size))

	encoder := &codec.Encoder{Filters: documentFilters}
	doc, err := encoder.Encode(ds)
	if err != nil {
		return s.fail(ctx, req, rsp, started, err.Error())
	}
	doc = append(doc, primitive.E{Key: store.LocationField, Value: location})

	if err := s.Store.Insert(ctx, doc); err != nil {
		return s.fail(ctx, req, rsp, started, err.Error())
	}

	metrics.StoredInstances.Inc()
	log.Info().
		Str("calling_aet", req.Identity.CallingAETitle).
		Str("sop_instance_uid", sopInstanceUID).
		Str("location", location).
		Msg("Instance stored")
	audit(ctx, s.Audit, req, "c-store", sopInstanceUID, "success", started, "")
	return rsp.Send(req.Message.ResponseTo(dimse.StatusSuccess), nil)
}

func (s *StoreService) fail(ctx context.Context, req *Request, rsp Responder, started time.Time, reason string) error {
	log.Error().
		Str("calling_aet", req.Identity.CallingAETitle).
		Str("reason", reason).
		Msg("C-STORE failed")
	audit(ctx, s.Audit, req, "c-store", req.Message.AffectedSOPInstanceUID, "failure", started, reason)
	response := req.Message.ResponseTo(dimse.StatusUnableToProcess)
	response.ErrorComment = reason
	return rsp.Send(response, nil)
}
