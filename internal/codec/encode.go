package codec

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lamyj/dopamine/pkg/dicom"
)

// Encoder serializes datasets to BSON documents. The zero value encodes
// everything with default-include semantics. Encoders are cheap; allocate
// one per dataset-level operation.
type Encoder struct {
	// Filters decides element inclusion. nil includes everything.
	Filters *dicom.FilterChain
	// InheritFilters applies Filters inside SQ items too. The historic
	// behavior resets nested encodes to default-include; keep this false
	// to reproduce it.
	InheritFilters bool
}

// Encode serializes ds. Elements are visited in ascending tag order, so
// the Specific Character Set element takes effect before any element it
// governs. Group-length elements are always skipped.
func (e *Encoder) Encode(ds *dicom.DataSet) (bson.D, error) {
	charset, err := dicom.NewSpecificCharacterSet(ds.SpecificCharacterSet())
	if err != nil {
		return nil, err
	}
	return e.encode(ds, charset, 0)
}

func (e *Encoder) encode(ds *dicom.DataSet, charset dicom.SpecificCharacterSet, depth int) (bson.D, error) {
	if depth > dicom.MaxSequenceDepth {
		return nil, fmt.Errorf("codec: sequence nesting exceeds %d levels", dicom.MaxSequenceDepth)
	}
	doc := bson.D{}
	for _, tag := range ds.SortedTags() {
		elem, _ := ds.Get(tag)
		if tag.IsGroupLength() {
			continue
		}
		if tag == dicom.TagSpecificCharacterSet {
			cs, err := dicom.NewSpecificCharacterSet(elem.StringValues())
			if err != nil {
				return nil, err
			}
			charset = cs
		}
		if e.Filters.Evaluate(tag, elem) == dicom.Exclude {
			continue
		}
		field, err := e.encodeElement(elem, charset, depth)
		if err != nil {
			return nil, err
		}
		doc = append(doc, bson.E{Key: tag.Key(), Value: field})
	}
	return doc, nil
}

// encodeElement builds the {vr, Value|InlineBinary} sub-document for one
// element.
func (e *Encoder) encodeElement(elem *dicom.Element, charset dicom.SpecificCharacterSet, depth int) (bson.D, error) {
	info, err := elem.VR.InfoForTag(elem.Tag)
	if err != nil {
		return nil, err
	}
	field := bson.D{{Key: "vr", Value: string(elem.VR)}}
	if elem.Empty() {
		return append(field, bson.E{Key: "Value", Value: nil}), nil
	}

	switch info.Class {
	case dicom.ClassBulk:
		raw, _ := elem.Value.(dicom.Bytes)
		blob := primitive.Binary{Subtype: 0x00, Data: append([]byte(nil), raw...)}
		return append(field, bson.E{Key: "InlineBinary", Value: blob}), nil

	case dicom.ClassSequence:
		items, _ := elem.Value.(dicom.Items)
		nested := bson.A{}
		for _, item := range items {
			sub := e
			if !e.InheritFilters {
				sub = &Encoder{}
			}
			itemDoc, err := sub.encode(item, charset, depth+1)
			if err != nil {
				return nil, err
			}
			nested = append(nested, itemDoc)
		}
		return append(field, bson.E{Key: "Value", Value: nested}), nil

	default:
		values, err := encodeScalars(elem, info, charset)
		if err != nil {
			return nil, err
		}
		return append(field, bson.E{Key: "Value", Value: values}), nil
	}
}

func encodeScalars(elem *dicom.Element, info dicom.VRInfo, charset dicom.SpecificCharacterSet) (bson.A, error) {
	out := bson.A{}
	switch info.Class {
	case dicom.ClassText:
		for _, raw := range elem.StringValues() {
			if elem.VR == dicom.VRPN {
				doc, err := encodePersonName(raw, charset)
				if err != nil {
					return nil, err
				}
				out = append(out, doc)
				continue
			}
			text, err := charset.DecodeText([]byte(raw), 0)
			if err != nil {
				return nil, err
			}
			out = append(out, strings.TrimRight(text, " "))
		}
	case dicom.ClassASCII:
		for _, v := range elem.StringValues() {
			out = append(out, strings.TrimRight(v, " \x00"))
		}
	case dicom.ClassDecimalString:
		for _, v := range elem.StringValues() {
			f, err := parseDecimalString(v)
			if err != nil {
				return nil, &NumberStringParseError{Tag: elem.Tag, VR: elem.VR, Value: v, Err: err}
			}
			out = append(out, f)
		}
	case dicom.ClassIntegerString:
		for _, v := range elem.StringValues() {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, &NumberStringParseError{Tag: elem.Tag, VR: elem.VR, Value: v, Err: err}
			}
			out = append(out, n)
		}
	case dicom.ClassBinaryInt:
		ints, _ := elem.Value.(dicom.Ints)
		for _, n := range ints {
			if elem.VR == dicom.VRAT {
				out = append(out, fmt.Sprintf("%08X", uint32(n)))
				continue
			}
			out = append(out, int32Or64(n))
		}
	case dicom.ClassBinaryFloat:
		reals, _ := elem.Value.(dicom.Reals)
		for _, f := range reals {
			out = append(out, f)
		}
	default:
		return nil, &dicom.UnhandledVRError{VR: elem.VR, Tag: elem.Tag}
	}
	return out, nil
}

// encodePersonName splits one PN value into its component groups and
// charset-decodes each with its own default charset (PS 3.5 6.2.1).
func encodePersonName(raw string, charset dicom.SpecificCharacterSet) (bson.D, error) {
	keys := []string{pnAlphabetic, pnIdeographic, pnPhonetic}
	doc := bson.D{}
	for i, component := range splitPersonName(raw) {
		if component == "" {
			continue
		}
		text, err := charset.DecodeText([]byte(component), i)
		if err != nil {
			return nil, err
		}
		doc = append(doc, bson.E{Key: keys[i], Value: strings.TrimRight(text, " ")})
	}
	return doc, nil
}

// parseDecimalString parses a DS substring under C-locale rules and fails
// unless the whole substring is consumed.
func parseDecimalString(v string) (float64, error) {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return 0, fmt.Errorf("empty number")
	}
	return strconv.ParseFloat(trimmed, 64)
}

// int32Or64 keeps small integers in BSON int32, matching what the store's
// own normalization produces.
func int32Or64(n int64) interface{} {
	if n >= -2147483648 && n <= 2147483647 {
		return int32(n)
	}
	return n
}
