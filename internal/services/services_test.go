package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lamyj/dopamine/internal/authz"
	"github.com/lamyj/dopamine/internal/codec"
	"github.com/lamyj/dopamine/internal/models"
	"github.com/lamyj/dopamine/internal/store"
	"github.com/lamyj/dopamine/internal/store/storetest"
	"github.com/lamyj/dopamine/pkg/dicom"
	"github.com/lamyj/dopamine/pkg/dimse"
)

type sentResponse struct {
	message    *dimse.Message
	identifier *dicom.DataSet
}

type fakeResponder struct {
	sent        []sentResponse
	stored      []*dicom.DataSet
	storeErr    error
	cancelAfter int
	cancelCalls int
}

func (r *fakeResponder) Send(rsp *dimse.Message, identifier *dicom.DataSet) error {
	r.sent = append(r.sent, sentResponse{message: rsp, identifier: identifier})
	return nil
}

func (r *fakeResponder) StoreInstance(ctx context.Context, ds *dicom.DataSet) error {
	if r.storeErr != nil {
		return r.storeErr
	}
	r.stored = append(r.stored, ds)
	return nil
}

func (r *fakeResponder) Cancelled() bool {
	r.cancelCalls++
	return r.cancelAfter > 0 && r.cancelCalls > r.cancelAfter
}

// denyAll refuses every service, echo included.
type denyAll struct{}

func (denyAll) IsAuthorized(authz.Identity, authz.Service) bool    { return false }
func (denyAll) GetConstraint(authz.Identity, authz.Service) bson.M { return nil }

func testIdentity() authz.Identity {
	return authz.Identity{CallingAETitle: "MODALITY", Host: "10.0.0.7"}
}

func sampleInstance(patientID, studyUID, seriesUID, sopUID string) *dicom.DataSet {
	ds := dicom.NewDataSet()
	ds.Put(dicom.TagSOPClassUID, dicom.VRUI, dicom.Strings{"1.2.840.10008.5.1.4.1.1.4"})
	ds.Put(dicom.TagSOPInstanceUID, dicom.VRUI, dicom.Strings{sopUID})
	ds.Put(dicom.TagStudyInstanceUID, dicom.VRUI, dicom.Strings{studyUID})
	ds.Put(dicom.TagSeriesInstanceUID, dicom.VRUI, dicom.Strings{seriesUID})
	ds.Put(dicom.TagPatientID, dicom.VRLO, dicom.Strings{patientID})
	ds.Put(dicom.TagPatientName, dicom.VRPN, dicom.Strings{"Doe^Jane"})
	ds.Put(dicom.TagModality, dicom.VRCS, dicom.Strings{"MR"})
	return ds
}

// instanceDoc writes the instance to files and returns its document,
// location included, as the store service would have produced it.
func instanceDoc(t *testing.T, files *store.FileStore, ds *dicom.DataSet) bson.D {
	t.Helper()
	location, _, err := files.WriteInstance(ds)
	require.NoError(t, err)
	encoder := &codec.Encoder{}
	doc, err := encoder.Encode(ds)
	require.NoError(t, err)
	return append(doc, primitive.E{Key: store.LocationField, Value: location})
}

func lastStatus(t *testing.T, rsp *fakeResponder) uint16 {
	t.Helper()
	require.NotEmpty(t, rsp.sent)
	return rsp.sent[len(rsp.sent)-1].message.Status
}

func TestEchoSuccess(t *testing.T) {
	svc := &EchoService{Authorizer: authz.AllowAll{}}
	rsp := &fakeResponder{}
	request := &Request{
		Identity: testIdentity(),
		Message:  &dimse.Message{CommandField: dimse.CommandCEchoRQ, MessageID: 1, CommandDataSetType: dimse.NoDataSet},
	}

	require.NoError(t, svc.Handle(context.Background(), request, rsp))
	require.Len(t, rsp.sent, 1)
	assert.Equal(t, dimse.StatusSuccess, rsp.sent[0].message.Status)
	assert.Equal(t, dimse.CommandCEchoRSP, rsp.sent[0].message.CommandField)
	assert.Equal(t, uint16(1), rsp.sent[0].message.MessageIDBeingRespondedTo)
}

func TestEchoRefused(t *testing.T) {
	svc := &EchoService{Authorizer: denyAll{}}
	rsp := &fakeResponder{}
	request := &Request{
		Identity: testIdentity(),
		Message:  &dimse.Message{CommandField: dimse.CommandCEchoRQ, MessageID: 1},
	}

	require.NoError(t, svc.Handle(context.Background(), request, rsp))
	assert.Equal(t, dimse.StatusRefusedOutOfResources, lastStatus(t, rsp))
}

func TestStorePersistsInstance(t *testing.T) {
	fake := &storetest.Fake{}
	files := &store.FileStore{Root: t.TempDir()}
	svc := &StoreService{Store: fake, Files: files, Authorizer: authz.AllowAll{}}

	ds := sampleInstance("P1", "1.2.1", "1.2.1.1", "1.2.1.1.1")
	ds.Put(dicom.TagPixelData, dicom.VROB, dicom.Bytes{0x01, 0x02, 0x03, 0x04})

	rsp := &fakeResponder{}
	request := &Request{
		Identity: testIdentity(),
		Message: &dimse.Message{
			CommandField:           dimse.CommandCStoreRQ,
			MessageID:              5,
			AffectedSOPInstanceUID: "1.2.1.1.1",
			CommandDataSetType:     dimse.HasDataSet,
		},
		DataSet: ds,
	}
	require.NoError(t, svc.Handle(context.Background(), request, rsp))
	assert.Equal(t, dimse.StatusSuccess, lastStatus(t, rsp))

	require.Len(t, fake.Docs, 1)
	doc := fake.Docs[0]
	var location string
	hasPixelData := false
	for _, field := range doc {
		switch field.Key {
		case store.LocationField:
			location = field.Value.(string)
		case "7FE00010":
			hasPixelData = true
		}
	}
	assert.False(t, hasPixelData, "pixel data must not be in the document")
	require.NotEmpty(t, location)

	// The file keeps the full instance, pixel data included.
	back, err := files.ReadInstance(location)
	require.NoError(t, err)
	assert.True(t, back.Has(dicom.TagPixelData))
}

func TestStoreDuplicateIsIdempotent(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	ds := sampleInstance("P1", "1.2.1", "1.2.1.1", "1.2.1.1.1")
	fake := &storetest.Fake{Docs: []bson.D{instanceDoc(t, files, ds)}}
	svc := &StoreService{Store: fake, Files: files, Authorizer: authz.AllowAll{}}

	rsp := &fakeResponder{}
	request := &Request{
		Identity: testIdentity(),
		Message: &dimse.Message{
			CommandField:       dimse.CommandCStoreRQ,
			MessageID:          6,
			CommandDataSetType: dimse.HasDataSet,
		},
		DataSet: ds,
	}
	require.NoError(t, svc.Handle(context.Background(), request, rsp))
	assert.Equal(t, dimse.StatusSuccess, lastStatus(t, rsp))
	assert.Len(t, fake.Docs, 1, "duplicate must not insert a second document")
}

func TestStoreRefused(t *testing.T) {
	svc := &StoreService{
		Store:      &storetest.Fake{},
		Files:      &store.FileStore{Root: t.TempDir()},
		Authorizer: authz.NewAETitleList(nil),
	}
	rsp := &fakeResponder{}
	request := &Request{
		Identity: testIdentity(),
		Message:  &dimse.Message{CommandField: dimse.CommandCStoreRQ, MessageID: 7},
	}
	require.NoError(t, svc.Handle(context.Background(), request, rsp))
	assert.Equal(t, dimse.StatusRefusedOutOfResources, lastStatus(t, rsp))
}

func findRequest(identifier *dicom.DataSet) *Request {
	return &Request{
		Identity: testIdentity(),
		Message: &dimse.Message{
			CommandField:        dimse.CommandCFindRQ,
			MessageID:           11,
			AffectedSOPClassUID: dimse.StudyRootFind,
			CommandDataSetType:  dimse.HasDataSet,
		},
		DataSet: identifier,
	}
}

func TestFindStreamsPendingResponses(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	fake := &storetest.Fake{Docs: []bson.D{
		instanceDoc(t, files, sampleInstance("P1", "1.2.1", "1.2.1.1", "1.2.1.1.1")),
		instanceDoc(t, files, sampleInstance("P2", "1.2.2", "1.2.2.1", "1.2.2.1.1")),
	}}
	svc := &FindService{Store: fake, Authorizer: authz.AllowAll{}}

	identifier := dicom.NewDataSet()
	identifier.Put(dicom.TagQueryRetrieveLevel, dicom.VRCS, dicom.Strings{"STUDY"})
	identifier.Put(dicom.TagPatientID, dicom.VRLO, dicom.Strings{"P1"})

	rsp := &fakeResponder{}
	require.NoError(t, svc.Handle(context.Background(), findRequest(identifier), rsp))

	require.Len(t, rsp.sent, 2)
	assert.Equal(t, dimse.StatusPending, rsp.sent[0].message.Status)
	require.NotNil(t, rsp.sent[0].identifier)
	assert.Equal(t, "P1", rsp.sent[0].identifier.GetString(dicom.TagPatientID))
	assert.Equal(t, "STUDY", rsp.sent[0].identifier.GetString(dicom.TagQueryRetrieveLevel))
	assert.Equal(t, dimse.StatusSuccess, rsp.sent[1].message.Status)
	assert.Nil(t, rsp.sent[1].identifier)
}

func TestFindMissingLevel(t *testing.T) {
	svc := &FindService{Store: &storetest.Fake{}, Authorizer: authz.AllowAll{}}

	identifier := dicom.NewDataSet()
	identifier.Put(dicom.TagPatientID, dicom.VRLO, dicom.Strings{"P1"})

	rsp := &fakeResponder{}
	require.NoError(t, svc.Handle(context.Background(), findRequest(identifier), rsp))
	require.Len(t, rsp.sent, 1)
	assert.Equal(t, dimse.StatusIdentifierDoesNotMatchSOPClass, rsp.sent[0].message.Status)
	assert.NotEmpty(t, rsp.sent[0].message.ErrorComment)
}

func TestFindCancelled(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	var docs []bson.D
	for _, uid := range []string{"1.1", "1.2", "1.3", "1.4"} {
		docs = append(docs, instanceDoc(t, files, sampleInstance("P1", "1.2."+uid, "1.3."+uid, "1.4."+uid)))
	}
	svc := &FindService{Store: &storetest.Fake{Docs: docs}, Authorizer: authz.AllowAll{}}

	identifier := dicom.NewDataSet()
	identifier.Put(dicom.TagQueryRetrieveLevel, dicom.VRCS, dicom.Strings{"STUDY"})
	identifier.Put(dicom.TagPatientID, dicom.VRLO, dicom.Strings{"P1"})

	rsp := &fakeResponder{cancelAfter: 2}
	require.NoError(t, svc.Handle(context.Background(), findRequest(identifier), rsp))
	assert.Equal(t, dimse.StatusCancel, lastStatus(t, rsp))
}

type staticResolver struct {
	dest *models.Destination
	err  error
}

func (r *staticResolver) Resolve(ctx context.Context, aeTitle string) (*models.Destination, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.dest, nil
}

func TestMoveUnknownDestination(t *testing.T) {
	svc := &MoveService{
		Store:      &storetest.Fake{},
		Files:      &store.FileStore{Root: t.TempDir()},
		Authorizer: authz.AllowAll{},
		Resolver:   &staticResolver{err: models.ErrDestinationNotFound},
		LocalAET:   "DOPAMINE",
	}

	rsp := &fakeResponder{}
	request := &Request{
		Identity: testIdentity(),
		Message: &dimse.Message{
			CommandField:        dimse.CommandCMoveRQ,
			MessageID:           21,
			AffectedSOPClassUID: dimse.StudyRootMove,
			MoveDestination:     "NOWHERE",
			CommandDataSetType:  dimse.HasDataSet,
		},
		DataSet: dicom.NewDataSet(),
	}
	require.NoError(t, svc.Handle(context.Background(), request, rsp))
	assert.Equal(t, dimse.StatusMoveDestinationUnknown, lastStatus(t, rsp))
}

func getRequest(identifier *dicom.DataSet) *Request {
	return &Request{
		Identity: testIdentity(),
		Message: &dimse.Message{
			CommandField:        dimse.CommandCGetRQ,
			MessageID:           31,
			AffectedSOPClassUID: dimse.StudyRootGet,
			CommandDataSetType:  dimse.HasDataSet,
		},
		DataSet: identifier,
	}
}

func TestGetStreamsInstancesBack(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	fake := &storetest.Fake{Docs: []bson.D{
		instanceDoc(t, files, sampleInstance("P1", "1.2.1", "1.2.1.1", "1.2.1.1.1")),
		instanceDoc(t, files, sampleInstance("P1", "1.2.1", "1.2.1.1", "1.2.1.1.2")),
	}}
	svc := &GetService{Store: fake, Files: files, Authorizer: authz.AllowAll{}}

	identifier := dicom.NewDataSet()
	identifier.Put(dicom.TagQueryRetrieveLevel, dicom.VRCS, dicom.Strings{"STUDY"})
	identifier.Put(dicom.TagStudyInstanceUID, dicom.VRUI, dicom.Strings{"1.2.1"})

	rsp := &fakeResponder{}
	require.NoError(t, svc.Handle(context.Background(), getRequest(identifier), rsp))

	require.Len(t, rsp.stored, 2)
	assert.True(t, rsp.stored[0].Has(dicom.TagSOPInstanceUID))

	final := rsp.sent[len(rsp.sent)-1].message
	assert.Equal(t, dimse.StatusSuccess, final.Status)
	require.NotNil(t, final.SubOps)
	assert.Equal(t, uint16(2), final.SubOps.Completed)
	assert.Equal(t, uint16(0), final.SubOps.Failed)
	assert.Equal(t, uint16(0), final.SubOps.Remaining)
}

func TestGetReportsFailedSubOperations(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	fake := &storetest.Fake{Docs: []bson.D{
		instanceDoc(t, files, sampleInstance("P1", "1.2.1", "1.2.1.1", "1.2.1.1.1")),
	}}
	svc := &GetService{Store: fake, Files: files, Authorizer: authz.AllowAll{}}

	identifier := dicom.NewDataSet()
	identifier.Put(dicom.TagQueryRetrieveLevel, dicom.VRCS, dicom.Strings{"STUDY"})
	identifier.Put(dicom.TagStudyInstanceUID, dicom.VRUI, dicom.Strings{"1.2.1"})

	rsp := &fakeResponder{storeErr: errors.New("peer refused")}
	require.NoError(t, svc.Handle(context.Background(), getRequest(identifier), rsp))

	final := rsp.sent[len(rsp.sent)-1]
	assert.Equal(t, dimse.StatusSubOpsCompleteWithFailures, final.message.Status)
	require.NotNil(t, final.message.SubOps)
	assert.Equal(t, uint16(1), final.message.SubOps.Failed)
	require.NotNil(t, final.identifier)
	assert.Equal(t, "1.2.1.1.1", final.identifier.GetString(dicom.TagFailedSOPInstanceUIDList))
}
