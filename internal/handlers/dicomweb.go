package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/lamyj/dopamine/internal/authz"
	"github.com/lamyj/dopamine/internal/codec"
	"github.com/lamyj/dopamine/internal/middleware"
	"github.com/lamyj/dopamine/internal/query"
	"github.com/lamyj/dopamine/internal/store"
	"github.com/lamyj/dopamine/pkg/dicom"
)

// DICOMWebHandler serves QIDO-RS searches and WADO-RS retrievals over the
// same document store and authorization rules as the DIMSE services.
type DICOMWebHandler struct {
	store store.Store
	files *store.FileStore
	auth  authz.Authorizer
}

func NewDICOMWebHandler(st store.Store, files *store.FileStore, auth authz.Authorizer) *DICOMWebHandler {
	return &DICOMWebHandler{
		store: st,
		files: files,
		auth:  auth,
	}
}

// attributeTags maps the QIDO-RS attribute keywords this node accepts to
// their tags; anything else must be given as an 8-digit hex tag.
var attributeTags = map[string]dicom.Tag{
	"PatientID":         dicom.TagPatientID,
	"PatientName":       dicom.TagPatientName,
	"StudyDate":         dicom.TagStudyDate,
	"StudyTime":         dicom.TagStudyTime,
	"AccessionNumber":   dicom.TagAccessionNumber,
	"Modality":          dicom.TagModality,
	"ModalitiesInStudy": dicom.TagModalitiesInStudy,
	"StudyDescription":  dicom.TagStudyDescription,
	"SeriesDescription": dicom.TagSeriesDescription,
	"StudyInstanceUID":  dicom.TagStudyInstanceUID,
	"SeriesInstanceUID": dicom.TagSeriesInstanceUID,
	"SOPInstanceUID":    dicom.TagSOPInstanceUID,
	"SOPClassUID":       dicom.TagSOPClassUID,
	"SeriesNumber":      dicom.TagSeriesNumber,
	"InstanceNumber":    dicom.TagInstanceNumber,
}

// defaultFields lists the attributes returned at each level even when the
// request does not constrain them.
var defaultFields = map[string][]dicom.Tag{
	"STUDY": {
		dicom.TagStudyInstanceUID, dicom.TagPatientID, dicom.TagPatientName,
		dicom.TagStudyDate, dicom.TagAccessionNumber, dicom.TagModalitiesInStudy,
	},
	"SERIES": {
		dicom.TagSeriesInstanceUID, dicom.TagModality, dicom.TagSeriesNumber,
	},
	"IMAGE": {
		dicom.TagSOPInstanceUID, dicom.TagSOPClassUID, dicom.TagInstanceNumber,
	},
}

// SearchStudies handles QIDO-RS study search
func (h *DICOMWebHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, "STUDY", nil)
}

// SearchSeries handles QIDO-RS series search within a study
func (h *DICOMWebHandler) SearchSeries(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}
	h.search(w, r, "SERIES", map[dicom.Tag]string{dicom.TagStudyInstanceUID: studyUID})
}

// SearchInstances handles QIDO-RS instance search within a series
func (h *DICOMWebHandler) SearchInstances(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")
	if studyUID == "" || seriesUID == "" {
		http.Error(w, "Study UID and Series UID are required", http.StatusBadRequest)
		return
	}
	h.search(w, r, "IMAGE", map[dicom.Tag]string{
		dicom.TagStudyInstanceUID:  studyUID,
		dicom.TagSeriesInstanceUID: seriesUID,
	})
}

func (h *DICOMWebHandler) search(w http.ResponseWriter, r *http.Request, level string, fixed map[dicom.Tag]string) {
	ctx := r.Context()
	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		http.Error(w, "Caller identity not found", http.StatusBadRequest)
		return
	}
	if !h.auth.IsAuthorized(identity, authz.ServiceQuery) {
		http.Error(w, "Not authorized for queries", http.StatusForbidden)
		return
	}

	identifier, err := buildIdentifier(r, level, fixed)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit, offset := 0, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.Atoi(v)
	}

	generator := query.NewGenerator(h.store, query.Options{
		Constraint: h.auth.GetConstraint(identity, authz.ServiceQuery),
	})
	if err := generator.Initialize(ctx, identifier); err != nil {
		var identifierErr *query.IdentifierError
		if errors.As(err, &identifierErr) {
			http.Error(w, identifierErr.Reason, http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Str("level", level).Msg("Failed to run search")
		http.Error(w, "Failed to run search", http.StatusInternalServerError)
		return
	}

	var results []map[string]interface{}
	for skipped := 0; limit == 0 || len(results) < limit; {
		match, err := generator.Next(ctx)
		if err != nil {
			log.Error().Err(err).Str("level", level).Msg("Failed to run search")
			http.Error(w, "Failed to run search", http.StatusInternalServerError)
			return
		}
		if match == nil {
			break
		}
		if skipped < offset {
			skipped++
			continue
		}
		results = append(results, datasetJSON(match))
	}

	if len(results) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(results)
}

// GetStudyMetadata handles WADO-RS metadata retrieval: the full document
// of every instance in the study, minus bulk data.
func (h *DICOMWebHandler) GetStudyMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		http.Error(w, "Caller identity not found", http.StatusBadRequest)
		return
	}
	if !h.auth.IsAuthorized(identity, authz.ServiceQuery) {
		http.Error(w, "Not authorized for queries", http.StatusForbidden)
		return
	}

	studyUID := chi.URLParam(r, "studyUID")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}

	filter := bson.M{dicom.TagStudyInstanceUID.Key() + ".Value": studyUID}
	if constraint := h.auth.GetConstraint(identity, authz.ServiceQuery); constraint != nil {
		filter = bson.M{"$and": bson.A{filter, constraint}}
	}
	docs, err := h.store.Query(ctx, filter, nil)
	if err != nil {
		log.Error().Err(err).Str("study_uid", studyUID).Msg("Failed to get study metadata")
		http.Error(w, "Failed to get study metadata", http.StatusInternalServerError)
		return
	}
	if len(docs) == 0 {
		http.Error(w, "Study not found", http.StatusNotFound)
		return
	}

	decoder := &codec.Decoder{DropNull: true}
	results := make([]map[string]interface{}, 0, len(docs))
	for _, doc := range docs {
		ds, err := decoder.Decode(doc)
		if err != nil {
			log.Error().Err(err).Str("study_uid", studyUID).Msg("Failed to decode instance document")
			http.Error(w, "Failed to get study metadata", http.StatusInternalServerError)
			return
		}
		results = append(results, datasetJSON(ds))
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(results)
}

// RetrieveInstance handles WADO-RS instance retrieval: the part-10 file as
// stored, pixel data included.
func (h *DICOMWebHandler) RetrieveInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		http.Error(w, "Caller identity not found", http.StatusBadRequest)
		return
	}
	if !h.auth.IsAuthorized(identity, authz.ServiceRetrieve) {
		http.Error(w, "Not authorized for retrieval", http.StatusForbidden)
		return
	}

	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")
	instanceUID := chi.URLParam(r, "instanceUID")
	if studyUID == "" || seriesUID == "" || instanceUID == "" {
		http.Error(w, "Study UID, Series UID, and Instance UID are required", http.StatusBadRequest)
		return
	}

	filter := bson.M{
		dicom.TagStudyInstanceUID.Key() + ".Value":  studyUID,
		dicom.TagSeriesInstanceUID.Key() + ".Value": seriesUID,
		dicom.TagSOPInstanceUID.Key() + ".Value":    instanceUID,
	}
	if constraint := h.auth.GetConstraint(identity, authz.ServiceRetrieve); constraint != nil {
		filter = bson.M{"$and": bson.A{filter, constraint}}
	}
	docs, err := h.store.Query(ctx, filter, []string{store.LocationField})
	if err != nil {
		log.Error().Err(err).Str("instance_uid", instanceUID).Msg("Failed to locate instance")
		http.Error(w, "Failed to retrieve instance", http.StatusInternalServerError)
		return
	}
	location := ""
	if len(docs) > 0 {
		location = documentLocation(docs[0])
	}
	if location == "" {
		http.Error(w, "Instance not found", http.StatusNotFound)
		return
	}

	data, err := h.files.OpenInstance(location)
	if err != nil {
		log.Error().Err(err).
			Str("instance_uid", instanceUID).
			Str("location", location).
			Msg("Failed to retrieve instance")
		http.Error(w, "Failed to retrieve instance", http.StatusInternalServerError)
		return
	}
	defer data.Close()

	w.Header().Set("Content-Type", "application/dicom")
	io.Copy(w, data)
}

var reservedParams = map[string]bool{
	"limit":        true,
	"offset":       true,
	"includefield": true,
}

// buildIdentifier translates the request's query parameters and URL-fixed
// UIDs into a query identifier at the given level.
func buildIdentifier(r *http.Request, level string, fixed map[dicom.Tag]string) (*dicom.DataSet, error) {
	identifier := dicom.NewDataSet()
	identifier.Put(dicom.TagQueryRetrieveLevel, dicom.VRCS, dicom.Strings{level})

	for name, values := range r.URL.Query() {
		if reservedParams[name] || len(values) == 0 {
			continue
		}
		tag, vr, err := resolveAttribute(name)
		if err != nil {
			return nil, err
		}
		identifier.Put(tag, vr, dicom.Strings{values[0]})
	}
	for _, name := range r.URL.Query()["includefield"] {
		for _, field := range strings.Split(name, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			tag, vr, err := resolveAttribute(field)
			if err != nil {
				return nil, err
			}
			if !identifier.Has(tag) {
				identifier.Put(tag, vr, nil)
			}
		}
	}
	for tag, value := range fixed {
		identifier.Put(tag, dicom.VRUI, dicom.Strings{value})
	}
	for _, tag := range defaultFields[level] {
		if !identifier.Has(tag) {
			identifier.Put(tag, dicom.DictVR(tag), nil)
		}
	}
	return identifier, nil
}

func resolveAttribute(name string) (dicom.Tag, dicom.VR, error) {
	if tag, ok := attributeTags[name]; ok {
		return tag, dicom.DictVR(tag), nil
	}
	if tag, ok := dicom.ParseKey(name); ok {
		if vr := dicom.DictVR(tag); vr != dicom.VRUN {
			return tag, vr, nil
		}
	}
	return dicom.Tag{}, "", fmt.Errorf("unknown attribute %q", name)
}

func documentLocation(doc bson.D) string {
	for _, entry := range doc {
		if entry.Key == store.LocationField {
			if s, ok := entry.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// datasetJSON renders a dataset in the DICOM JSON model (PS 3.18 annex F):
// 8-digit hex tag keys, "vr" plus "Value", person names under "Alphabetic"
// and binary values inlined as base64.
func datasetJSON(ds *dicom.DataSet) map[string]interface{} {
	out := make(map[string]interface{}, ds.Len())
	for _, tag := range ds.SortedTags() {
		elem, _ := ds.Get(tag)
		entry := map[string]interface{}{"vr": string(elem.VR)}
		if !elem.Empty() {
			key, value := elementJSON(elem)
			entry[key] = value
		}
		out[tag.Key()] = entry
	}
	return out
}

func elementJSON(elem *dicom.Element) (string, interface{}) {
	switch v := elem.Value.(type) {
	case dicom.Strings:
		values := make([]interface{}, 0, len(v))
		for _, s := range v {
			if elem.VR == dicom.VRPN {
				values = append(values, map[string]string{"Alphabetic": s})
				continue
			}
			values = append(values, s)
		}
		return "Value", values
	case dicom.Ints:
		values := make([]interface{}, 0, len(v))
		for _, n := range v {
			values = append(values, n)
		}
		return "Value", values
	case dicom.Reals:
		values := make([]interface{}, 0, len(v))
		for _, f := range v {
			values = append(values, f)
		}
		return "Value", values
	case dicom.Bytes:
		return "InlineBinary", base64.StdEncoding.EncodeToString(v)
	case dicom.Items:
		values := make([]interface{}, 0, len(v))
		for _, item := range v {
			values = append(values, datasetJSON(item))
		}
		return "Value", values
	}
	return "Value", nil
}
