package query

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/lamyj/dopamine/internal/codec"
	"github.com/lamyj/dopamine/internal/store"
	"github.com/lamyj/dopamine/pkg/dicom"
)

// State is the generator lifecycle. A generator serves exactly one
// query/retrieve request and is never shared across associations.
type State int

const (
	StateCreated State = iota
	StatePending
	StateSuccess
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePending:
		return "pending"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// IdentifierError reports a request identifier the generator cannot serve,
// DICOM status "Identifier Does Not Match SOP Class".
type IdentifierError struct {
	Reason string
}

func (e *IdentifierError) Error() string {
	return "query: identifier does not match SOP class: " + e.Reason
}

// ProcessingError reports a failure while producing a response, DICOM
// status "Unable to Process". Tag names the offending element when known.
type ProcessingError struct {
	Tag    dicom.Tag
	Reason string
	Err    error
}

func (e *ProcessingError) Error() string {
	msg := "query: unable to process: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// StatusDetail builds the status-detail dataset attached to the failure
// response, naming the offending element and the reason.
func (e *ProcessingError) StatusDetail() *dicom.DataSet {
	detail := dicom.NewDataSet()
	if e.Tag != (dicom.Tag{}) {
		packed := int64(uint32(e.Tag.Group)<<16 | uint32(e.Tag.Element))
		detail.Put(dicom.Tag{Group: 0x0000, Element: 0x0901}, dicom.VRAT, dicom.Ints{packed})
	}
	detail.Put(dicom.Tag{Group: 0x0000, Element: 0x0902}, dicom.VRLO, dicom.Strings{e.Reason})
	return detail
}

// Match is one query result: the projected response identifier plus the
// part-10 file location when the generator was configured for retrieval.
type Match struct {
	Identifier *dicom.DataSet
	Location   string
}

// Options configures a Generator.
type Options struct {
	// Constraint is the authorization filter AND-ed into every store
	// query. nil means unconstrained.
	Constraint bson.M
	// IncludeLocation projects the file-location field of each match, for
	// the C-GET/C-MOVE retrieve path.
	IncludeLocation bool
}

// Generator executes one store query and streams the matches back one
// response at a time. The whole match set is fetched during Initialize;
// Next never touches the store except for aggregate fields. Not safe for
// concurrent use; one association worker owns it.
type Generator struct {
	store   store.Store
	options Options

	state     State
	cancelled bool
	level     string
	matches   []bson.D
	cursor    int
	// aggregate fields requested by the identifier, re-computed and
	// injected per response
	aggregates []dicom.Tag
}

// NewGenerator returns a generator in the created state.
func NewGenerator(st store.Store, options Options) *Generator {
	return &Generator{store: st, options: options, state: StateCreated}
}

// State returns the current lifecycle state.
func (g *Generator) State() State { return g.state }

// Cancel requests cooperative cancellation. It takes effect at the next
// Next call; already-emitted responses stand.
func (g *Generator) Cancel() {
	g.cancelled = true
}

var levelRank = map[string]int{
	"PATIENT": 0,
	"STUDY":   1,
	"SERIES":  2,
	"IMAGE":   3,
}

// Initialize translates the request identifier into one store query and
// pre-fetches the match set. The identifier's QueryRetrieveLevel and
// SpecificCharacterSet elements never become query constraints.
func (g *Generator) Initialize(ctx context.Context, identifier *dicom.DataSet) error {
	g.level = identifier.GetString(dicom.TagQueryRetrieveLevel)
	rank, ok := levelRank[g.level]
	if !ok {
		g.state = StateFailed
		return &IdentifierError{Reason: fmt.Sprintf("bad QueryRetrieveLevel %q", g.level)}
	}

	encoder := &codec.Encoder{Filters: dicom.NewFilterChain(dicom.Include, dicom.FilterRule{
		Match:  dicom.TagIn(dicom.TagQueryRetrieveLevel, dicom.TagSpecificCharacterSet),
		Action: dicom.Exclude,
	})}
	doc, err := encoder.Encode(identifier)
	if err != nil {
		g.state = StateFailed
		return &ProcessingError{Reason: "encoding identifier", Err: err}
	}

	conditions := bson.A{}
	fields := []string{dicom.TagSpecificCharacterSet.Key()}
	for _, entry := range doc {
		tag, ok := dicom.ParseKey(entry.Key)
		if !ok {
			continue
		}
		vr, values := elementField(entry.Value)
		fields = append(fields, entry.Key)
		if _, isAggregate := aggregateTable[tag]; isAggregate {
			g.aggregates = append(g.aggregates, tag)
			continue
		}
		condition, err := ElementCondition(tag, vr, values)
		if err != nil {
			g.state = StateFailed
			return &ProcessingError{Tag: tag, Reason: "translating match criterion", Err: err}
		}
		if condition != nil {
			conditions = append(conditions, condition)
		}
	}
	for i, key := range mandatoryKeys {
		if i <= rank {
			fields = append(fields, key)
		}
	}
	if g.options.IncludeLocation {
		fields = append(fields, store.LocationField)
	}
	if g.options.Constraint != nil {
		conditions = append(conditions, g.options.Constraint)
	}
	filter := bson.M{}
	if len(conditions) > 0 {
		filter = bson.M{"$and": conditions}
	}

	g.matches, err = g.store.Query(ctx, filter, dedupe(fields))
	if err != nil {
		g.state = StateFailed
		return &ProcessingError{Reason: "store query", Err: err}
	}
	log.Debug().Str("level", g.level).Int("matches", len(g.matches)).Msg("query initialized")
	g.state = StatePending
	return nil
}

var mandatoryKeys = []string{
	dicom.TagPatientID.Key(),
	dicom.TagStudyInstanceUID.Key(),
	dicom.TagSeriesInstanceUID.Key(),
	dicom.TagSOPInstanceUID.Key(),
}

// NextMatch yields the next response, or nil when the generator has
// reached a terminal state (inspect State to distinguish success from
// cancellation). A non-nil error moves the generator to failed.
func (g *Generator) NextMatch(ctx context.Context) (*Match, error) {
	if g.cancelled && g.state == StatePending {
		g.state = StateCancelled
	}
	if g.state != StatePending {
		return nil, nil
	}
	if g.cursor >= len(g.matches) {
		g.state = StateSuccess
		return nil, nil
	}
	doc := g.matches[g.cursor]
	g.cursor++

	ds, err := (&codec.Decoder{DropNull: true}).Decode(doc)
	if err != nil {
		g.state = StateFailed
		return nil, &ProcessingError{Reason: "decoding match", Err: err}
	}
	ds.Put(dicom.TagQueryRetrieveLevel, dicom.VRCS, dicom.Strings{g.level})
	for _, tag := range g.aggregates {
		if err := g.injectAggregate(ctx, tag, ds); err != nil {
			g.state = StateFailed
			return nil, err
		}
	}
	return &Match{Identifier: ds, Location: locationOf(doc)}, nil
}

// Next is NextMatch for the C-FIND path, returning the identifier only.
func (g *Generator) Next(ctx context.Context) (*dicom.DataSet, error) {
	match, err := g.NextMatch(ctx)
	if err != nil || match == nil {
		return nil, err
	}
	return match.Identifier, nil
}

// Remaining reports how many pre-fetched matches have not been emitted.
func (g *Generator) Remaining() int {
	if g.state != StatePending {
		return 0
	}
	return len(g.matches) - g.cursor
}

var (
	patientIDField = dicom.TagPatientID.Key() + ".Value"
	studyUIDField  = dicom.TagStudyInstanceUID.Key() + ".Value"
	seriesUIDField = dicom.TagSeriesInstanceUID.Key() + ".Value"
	modalityField  = dicom.TagModality.Key() + ".Value"
)

type aggregateSpec struct {
	vr dicom.VR
	// keyTag names the UID element of the match the aggregate is scoped
	// to; keyField is its document path.
	keyTag   dicom.Tag
	keyField string
	// distinctField, when non-empty, counts or collects distinct values of
	// that path instead of counting documents.
	distinctField string
	// collect keeps the distinct values themselves (modalities-in-study)
	// rather than their count.
	collect bool
}

var aggregateTable = map[dicom.Tag]aggregateSpec{
	dicom.TagNumberOfPatientRelatedStudies:   {vr: dicom.VRIS, keyTag: dicom.TagPatientID, keyField: patientIDField, distinctField: studyUIDField},
	dicom.TagNumberOfPatientRelatedSeries:    {vr: dicom.VRIS, keyTag: dicom.TagPatientID, keyField: patientIDField, distinctField: seriesUIDField},
	dicom.TagNumberOfPatientRelatedInstances: {vr: dicom.VRIS, keyTag: dicom.TagPatientID, keyField: patientIDField},
	dicom.TagNumberOfStudyRelatedSeries:      {vr: dicom.VRIS, keyTag: dicom.TagStudyInstanceUID, keyField: studyUIDField, distinctField: seriesUIDField},
	dicom.TagNumberOfStudyRelatedInstances:   {vr: dicom.VRIS, keyTag: dicom.TagStudyInstanceUID, keyField: studyUIDField},
	dicom.TagNumberOfSeriesRelatedInstances:  {vr: dicom.VRIS, keyTag: dicom.TagSeriesInstanceUID, keyField: seriesUIDField},
	dicom.TagModalitiesInStudy:               {vr: dicom.VRCS, keyTag: dicom.TagStudyInstanceUID, keyField: studyUIDField, distinctField: modalityField, collect: true},
}

func (g *Generator) injectAggregate(ctx context.Context, tag dicom.Tag, ds *dicom.DataSet) error {
	spec := aggregateTable[tag]
	key := ds.GetString(spec.keyTag)
	if key == "" {
		return &ProcessingError{Tag: tag, Reason: fmt.Sprintf("match has no %s for aggregate", spec.keyTag)}
	}
	filter := bson.M{spec.keyField: key}

	if spec.distinctField != "" {
		values, err := g.store.Distinct(ctx, spec.distinctField, filter)
		if err != nil {
			return &ProcessingError{Tag: tag, Reason: "aggregate query", Err: err}
		}
		if spec.collect {
			ds.Put(tag, spec.vr, dicom.Strings(values))
			return nil
		}
		ds.Put(tag, spec.vr, dicom.Strings{strconv.Itoa(len(values))})
		return nil
	}

	n, err := g.store.Count(ctx, filter)
	if err != nil {
		return &ProcessingError{Tag: tag, Reason: "aggregate query", Err: err}
	}
	ds.Put(tag, spec.vr, dicom.Strings{strconv.FormatInt(n, 10)})
	return nil
}

// elementField pulls (vr, Value) out of one encoded identifier field.
func elementField(raw interface{}) (dicom.VR, bson.A) {
	var vr dicom.VR
	var values bson.A
	if doc, ok := raw.(bson.D); ok {
		for _, e := range doc {
			switch e.Key {
			case "vr":
				if s, ok := e.Value.(string); ok {
					vr = dicom.VR(s)
				}
			case "Value":
				if arr, ok := e.Value.(bson.A); ok {
					values = arr
				}
			}
		}
	}
	return vr, values
}

func locationOf(doc bson.D) string {
	for _, e := range doc {
		if e.Key == store.LocationField {
			if s, ok := e.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
