package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lamyj/dopamine/internal/authz"
	"github.com/lamyj/dopamine/internal/codec"
	"github.com/lamyj/dopamine/internal/handlers"
	"github.com/lamyj/dopamine/internal/middleware"
	"github.com/lamyj/dopamine/internal/models"
	"github.com/lamyj/dopamine/internal/store"
	"github.com/lamyj/dopamine/internal/store/storetest"
	"github.com/lamyj/dopamine/pkg/dicom"
)

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

// instanceDoc writes the instance to files and returns its document with
// the location field, as the storage service would have produced it.
func instanceDoc(t *testing.T, files *store.FileStore, ds *dicom.DataSet) bson.D {
	t.Helper()
	location, _, err := files.WriteInstance(ds)
	require.NoError(t, err)
	doc, err := (&codec.Encoder{}).Encode(ds)
	require.NoError(t, err)
	return append(doc, primitive.E{Key: store.LocationField, Value: location})
}

func webRouter(h *handlers.DICOMWebHandler) http.Handler {
	r := chi.NewRouter()
	r.Route("/dicom-web", func(r chi.Router) {
		r.Use(middleware.CallerIdentity)
		r.Get("/studies", h.SearchStudies)
		r.Get("/studies/{studyUID}/metadata", h.GetStudyMetadata)
		r.Get("/studies/{studyUID}/series", h.SearchSeries)
		r.Get("/studies/{studyUID}/series/{seriesUID}/instances", h.SearchInstances)
		r.Get("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}", h.RetrieveInstance)
	})
	return r
}

func doGet(t *testing.T, router http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("X-Calling-AET", "WORKSTATION")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSearchStudiesReturnsMatches(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	fake := &storetest.Fake{Docs: []bson.D{
		instanceDoc(t, files, sampleInstance("P1", "1.2.1", "1.2.1.1", "1.2.1.1.1")),
		instanceDoc(t, files, sampleInstance("P2", "1.2.2", "1.2.2.1", "1.2.2.1.1")),
	}}
	router := webRouter(handlers.NewDICOMWebHandler(fake, files, authz.AllowAll{}))

	rec := doGet(t, router, "/dicom-web/studies?PatientID=P1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/dicom+json", rec.Header().Get("Content-Type"))

	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)

	patientID := results[0]["00100020"].(map[string]interface{})
	assert.Equal(t, []interface{}{"P1"}, patientID["Value"])
	name := results[0]["00100010"].(map[string]interface{})
	values := name["Value"].([]interface{})
	require.Len(t, values, 1)
	assert.Equal(t, "Doe^Jane", values[0].(map[string]interface{})["Alphabetic"])
}

func TestSearchStudiesNoMatchesIsNoContent(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	router := webRouter(handlers.NewDICOMWebHandler(&storetest.Fake{}, files, authz.AllowAll{}))

	rec := doGet(t, router, "/dicom-web/studies?PatientID=NOBODY")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSearchRejectsUnknownAttribute(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	router := webRouter(handlers.NewDICOMWebHandler(&storetest.Fake{}, files, authz.AllowAll{}))

	rec := doGet(t, router, "/dicom-web/studies?NotAnAttribute=1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchRequiresCallingAET(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	router := webRouter(handlers.NewDICOMWebHandler(&storetest.Fake{}, files, authz.AllowAll{}))

	req := httptest.NewRequest(http.MethodGet, "/dicom-web/studies", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchUnauthorizedCallerIsForbidden(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	auth := authz.NewAETitleList(map[string]authz.Rule{})
	router := webRouter(handlers.NewDICOMWebHandler(&storetest.Fake{}, files, auth))

	rec := doGet(t, router, "/dicom-web/studies")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSearchSeriesScopedToStudy(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	fake := &storetest.Fake{Docs: []bson.D{
		instanceDoc(t, files, sampleInstance("P1", "1.2.1", "1.2.1.1", "1.2.1.1.1")),
		instanceDoc(t, files, sampleInstance("P1", "1.2.2", "1.2.2.1", "1.2.2.1.1")),
	}}
	router := webRouter(handlers.NewDICOMWebHandler(fake, files, authz.AllowAll{}))

	rec := doGet(t, router, "/dicom-web/studies/1.2.1/series")
	require.Equal(t, http.StatusOK, rec.Code)

	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	seriesUID := results[0]["0020000E"].(map[string]interface{})
	assert.Equal(t, []interface{}{"1.2.1.1"}, seriesUID["Value"])
}

func TestStudyMetadataReturnsFullDocuments(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	fake := &storetest.Fake{Docs: []bson.D{
		instanceDoc(t, files, sampleInstance("P1", "1.2.1", "1.2.1.1", "1.2.1.1.1")),
	}}
	router := webRouter(handlers.NewDICOMWebHandler(fake, files, authz.AllowAll{}))

	rec := doGet(t, router, "/dicom-web/studies/1.2.1/metadata")
	require.Equal(t, http.StatusOK, rec.Code)

	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	sopUID := results[0]["00080018"].(map[string]interface{})
	assert.Equal(t, []interface{}{"1.2.1.1.1"}, sopUID["Value"])
}

func TestStudyMetadataUnknownStudy(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	router := webRouter(handlers.NewDICOMWebHandler(&storetest.Fake{}, files, authz.AllowAll{}))

	rec := doGet(t, router, "/dicom-web/studies/1.2.99/metadata")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetrieveInstanceStreamsPart10File(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	fake := &storetest.Fake{Docs: []bson.D{
		instanceDoc(t, files, sampleInstance("P1", "1.2.1", "1.2.1.1", "1.2.1.1.1")),
	}}
	router := webRouter(handlers.NewDICOMWebHandler(fake, files, authz.AllowAll{}))

	rec := doGet(t, router, "/dicom-web/studies/1.2.1/series/1.2.1.1/instances/1.2.1.1.1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/dicom", rec.Header().Get("Content-Type"))
	assert.True(t, dicom.HasPart10Header(rec.Body.Bytes()))
}

func TestRetrieveInstanceNotFound(t *testing.T) {
	files := &store.FileStore{Root: t.TempDir()}
	router := webRouter(handlers.NewDICOMWebHandler(&storetest.Fake{}, files, authz.AllowAll{}))

	rec := doGet(t, router, "/dicom-web/studies/1.2.1/series/1.2.1.1/instances/1.2.1.1.1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// fakeDestinations is an in-memory handlers.DestinationStore.
type fakeDestinations struct {
	byID map[uuid.UUID]*models.Destination
}

func newFakeDestinations() *fakeDestinations {
	return &fakeDestinations{byID: make(map[uuid.UUID]*models.Destination)}
}

func (f *fakeDestinations) Create(_ context.Context, dest *models.Destination) error {
	if dest.ID == uuid.Nil {
		dest.ID = uuid.New()
	}
	f.byID[dest.ID] = dest
	return nil
}

func (f *fakeDestinations) GetByID(_ context.Context, id uuid.UUID) (*models.Destination, error) {
	dest, ok := f.byID[id]
	if !ok {
		return nil, models.ErrDestinationNotFound
	}
	return dest, nil
}

func (f *fakeDestinations) List(context.Context) ([]models.Destination, error) {
	out := make([]models.Destination, 0, len(f.byID))
	for _, dest := range f.byID {
		out = append(out, *dest)
	}
	return out, nil
}

func (f *fakeDestinations) Update(_ context.Context, dest *models.Destination) error {
	f.byID[dest.ID] = dest
	return nil
}

func (f *fakeDestinations) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := f.byID[id]; !ok {
		return models.ErrDestinationNotFound
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeDestinations) UpdateEchoStatus(_ context.Context, id uuid.UUID, status *models.EchoStatus) error {
	dest, ok := f.byID[id]
	if !ok {
		return models.ErrDestinationNotFound
	}
	dest.LastEchoAt = status.LastChecked
	dest.LastEchoOK = status.Reachable
	dest.LastError = status.ErrorMessage
	return nil
}

func managementRouter(h *handlers.ManagementHandler) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1/destinations", func(r chi.Router) {
		r.Post("/", h.CreateDestination)
		r.Get("/", h.ListDestinations)
		r.Get("/{id}", h.GetDestination)
		r.Put("/{id}", h.UpdateDestination)
		r.Delete("/{id}", h.DeleteDestination)
		r.Post("/{id}/echo", h.ProbeDestination)
	})
	return r
}

func TestCreateAndGetDestination(t *testing.T) {
	destinations := newFakeDestinations()
	h := handlers.NewManagementHandler(destinations, "DOPAMINE")
	t.Cleanup(h.Close)
	router := managementRouter(h)

	body, _ := json.Marshal(models.DestinationRequest{
		AETitle: "ARCHIVE", Host: "10.0.0.9", Port: 11112, IsActive: true,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/destinations/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.Destination
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "ARCHIVE", created.AETitle)
	require.NotEqual(t, uuid.Nil, created.ID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/destinations/"+created.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var fetched models.Destination
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, 11112, fetched.Port)
}

func TestCreateDestinationValidation(t *testing.T) {
	h := handlers.NewManagementHandler(newFakeDestinations(), "DOPAMINE")
	t.Cleanup(h.Close)
	router := managementRouter(h)

	cases := []models.DestinationRequest{
		{Host: "10.0.0.9", Port: 11112},
		{AETitle: "WAY_TOO_LONG_AE_TITLE", Host: "10.0.0.9", Port: 1},
		{AETitle: "ARCHIVE", Port: 11112},
		{AETitle: "ARCHIVE", Host: "10.0.0.9", Port: 0},
	}
	for _, tc := range cases {
		body, _ := json.Marshal(tc)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/destinations/", bytes.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestGetDestinationNotFound(t *testing.T) {
	h := handlers.NewManagementHandler(newFakeDestinations(), "DOPAMINE")
	t.Cleanup(h.Close)
	router := managementRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/destinations/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/destinations/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteDestination(t *testing.T) {
	destinations := newFakeDestinations()
	dest := &models.Destination{AETitle: "ARCHIVE", Host: "10.0.0.9", Port: 11112}
	require.NoError(t, destinations.Create(context.Background(), dest))

	h := handlers.NewManagementHandler(destinations, "DOPAMINE")
	t.Cleanup(h.Close)
	router := managementRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/destinations/"+dest.ID.String(), nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/destinations/"+dest.ID.String(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
