// Package query turns DICOM query identifiers into document-store filters
// and streams back per-match response datasets under DIMSE pending/cancel
// semantics.
package query

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lamyj/dopamine/pkg/dicom"
)

// MatchType classifies one identifier element per PS 3.4 C.2.2.2.
type MatchType int

const (
	MatchSingleValue MatchType = iota
	MatchUniversal
	MatchWildCard
	MatchRange
	MatchListOfUID
	MatchSequence
	MatchMultipleValues
	MatchUnknown
)

func (m MatchType) String() string {
	switch m {
	case MatchSingleValue:
		return "SingleValue"
	case MatchUniversal:
		return "Universal"
	case MatchWildCard:
		return "WildCard"
	case MatchRange:
		return "Range"
	case MatchListOfUID:
		return "ListOfUID"
	case MatchSequence:
		return "Sequence"
	case MatchMultipleValues:
		return "MultipleValues"
	}
	return "Unknown"
}

// SequenceMatchError reports an identifier element requesting SQ matching,
// which this node does not translate.
type SequenceMatchError struct {
	Tag dicom.Tag
}

func (e *SequenceMatchError) Error() string {
	return fmt.Sprintf("query: sequence matching is not supported (element %s)", e.Tag)
}

// Classify computes the match type for one identifier element. values is
// the element's document-form Value array (nil for a zero-length element).
// The classification is a pure function of (vr, values); nothing is cached.
func Classify(vr dicom.VR, values bson.A) MatchType {
	if len(values) == 0 {
		return MatchUniversal
	}
	if vr == dicom.VRSQ {
		return MatchSequence
	}
	if len(values) > 1 {
		if vr == dicom.VRUI {
			return MatchListOfUID
		}
		return MatchMultipleValues
	}
	text, isText := scalarText(vr, values[0])
	if isText && text == "" {
		return MatchUniversal
	}
	if vr.IsDateTime() {
		if strings.Contains(text, "-") {
			return MatchRange
		}
		return MatchSingleValue
	}
	if isText && vr.IsWildcardEligible() && strings.ContainsAny(text, "*?") {
		return MatchWildCard
	}
	return MatchSingleValue
}

// conditionBuilder emits the store-filter fragment for one match type.
// Every match type maps to exactly one builder; dispatch happens through
// the table below only.
type conditionBuilder func(tag dicom.Tag, vr dicom.VR, values bson.A) (bson.M, error)

var conditionTable map[MatchType]conditionBuilder

func init() {
	// Filled here rather than in the literal: buildMultipleValues recurses
	// through the table.
	conditionTable = map[MatchType]conditionBuilder{
		MatchUniversal:      buildUniversal,
		MatchSingleValue:    buildSingleValue,
		MatchWildCard:       buildWildCard,
		MatchRange:          buildRange,
		MatchListOfUID:      buildListOfUID,
		MatchMultipleValues: buildMultipleValues,
		MatchSequence:       buildSequence,
	}
}

// ElementCondition classifies one identifier element and returns its store
// filter fragment. A Universal match returns nil (no constraint).
func ElementCondition(tag dicom.Tag, vr dicom.VR, values bson.A) (bson.M, error) {
	builder, ok := conditionTable[Classify(vr, values)]
	if !ok {
		return nil, &dicom.UnhandledVRError{VR: vr, Tag: tag}
	}
	return builder(tag, vr, values)
}

// fieldPath is the document path the condition applies to. PN values are
// person-name objects; matching applies to the alphabetic component.
func fieldPath(tag dicom.Tag, vr dicom.VR) string {
	path := tag.Key() + ".Value"
	if vr == dicom.VRPN {
		path += "." + "Alphabetic"
	}
	return path
}

// scalarText extracts the matchable text of one document-form value.
// PN values contribute their alphabetic component.
func scalarText(vr dicom.VR, value interface{}) (string, bool) {
	if vr == dicom.VRPN {
		switch doc := value.(type) {
		case bson.D:
			for _, e := range doc {
				if e.Key == "Alphabetic" {
					s, ok := e.Value.(string)
					return s, ok
				}
			}
			return "", true
		case bson.M:
			s, ok := doc["Alphabetic"].(string)
			return s, ok
		}
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

func buildUniversal(dicom.Tag, dicom.VR, bson.A) (bson.M, error) {
	return nil, nil
}

func buildSingleValue(tag dicom.Tag, vr dicom.VR, values bson.A) (bson.M, error) {
	value := values[0]
	if text, ok := scalarText(vr, value); ok {
		return bson.M{fieldPath(tag, vr): text}, nil
	}
	return bson.M{fieldPath(tag, vr): value}, nil
}

func buildWildCard(tag dicom.Tag, vr dicom.VR, values bson.A) (bson.M, error) {
	text, ok := scalarText(vr, values[0])
	if !ok {
		return nil, fmt.Errorf("query: wildcard value of %s is not text", tag)
	}
	options := ""
	if vr == dicom.VRPN {
		// Person names match case-insensitively (C.2.2.2.4).
		options = "i"
	}
	return bson.M{fieldPath(tag, vr): primitive.Regex{
		Pattern: wildcardPattern(text),
		Options: options,
	}}, nil
}

// wildcardPattern translates DICOM wildcard syntax to an anchored regular
// expression. Regex metacharacters in the literal parts are escaped before
// "*" and "?" are substituted.
func wildcardPattern(text string) string {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range text {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		case '\\', '.', '+', '(', ')', '[', ']', '{', '}', '^', '$', '|':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('$')
	return b.String()
}

func buildRange(tag dicom.Tag, vr dicom.VR, values bson.A) (bson.M, error) {
	text, ok := scalarText(vr, values[0])
	if !ok {
		return nil, fmt.Errorf("query: range value of %s is not text", tag)
	}
	begin, end, _ := strings.Cut(text, "-")
	bounds := bson.M{}
	if begin != "" {
		bounds["$gte"] = begin
	}
	if end != "" {
		bounds["$lte"] = end
	}
	if len(bounds) == 0 {
		return nil, nil
	}
	return bson.M{fieldPath(tag, vr): bounds}, nil
}

func buildListOfUID(tag dicom.Tag, vr dicom.VR, values bson.A) (bson.M, error) {
	path := fieldPath(tag, vr)
	alternatives := make(bson.A, 0, len(values))
	for _, v := range values {
		alternatives = append(alternatives, bson.M{path: v})
	}
	return bson.M{"$or": alternatives}, nil
}

// buildMultipleValues ORs the per-item translation of each value; an item
// may itself be a wildcard or a range.
func buildMultipleValues(tag dicom.Tag, vr dicom.VR, values bson.A) (bson.M, error) {
	alternatives := make(bson.A, 0, len(values))
	for _, v := range values {
		item, err := ElementCondition(tag, vr, bson.A{v})
		if err != nil {
			return nil, err
		}
		if item == nil {
			// One universal alternative matches everything.
			return nil, nil
		}
		alternatives = append(alternatives, item)
	}
	return bson.M{"$or": alternatives}, nil
}

func buildSequence(tag dicom.Tag, _ dicom.VR, _ bson.A) (bson.M, error) {
	return nil, &SequenceMatchError{Tag: tag}
}
