package codec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lamyj/dopamine/pkg/dicom"
)

// Decoder reconstructs datasets from BSON documents, the inverse of
// Encoder. Fields whose key is not an 8-hex-digit tag (such as a stored
// "_id" or "location") are skipped.
type Decoder struct {
	// DropNull omits null-marker fields instead of materializing empty
	// elements. Query results want absent semantics; round-tripping wants
	// the empty element.
	DropNull bool
}

// Decode rebuilds a dataset from doc. Fields are processed in ascending
// tag order so a Specific Character Set field governs the elements that
// follow it, mirroring Encoder.
func (d *Decoder) Decode(doc bson.D) (*dicom.DataSet, error) {
	return d.decode(doc, dicom.SpecificCharacterSet{}, 0)
}

func (d *Decoder) decode(doc bson.D, charset dicom.SpecificCharacterSet, depth int) (*dicom.DataSet, error) {
	if depth > dicom.MaxSequenceDepth {
		return nil, fmt.Errorf("codec: sequence nesting exceeds %d levels", dicom.MaxSequenceDepth)
	}
	type field struct {
		tag   dicom.Tag
		value interface{}
	}
	fields := make([]field, 0, len(doc))
	for _, entry := range doc {
		tag, ok := dicom.ParseKey(entry.Key)
		if !ok {
			continue
		}
		if tag.IsGroupLength() {
			continue
		}
		fields = append(fields, field{tag: tag, value: entry.Value})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].tag.Compare(fields[j].tag) < 0 })

	ds := dicom.NewDataSet()
	for _, f := range fields {
		elem, err := d.decodeElement(f.tag, f.value, charset, depth)
		if err != nil {
			return nil, err
		}
		if elem == nil {
			continue
		}
		ds.PutElement(elem)
		if f.tag == dicom.TagSpecificCharacterSet {
			charset, err = dicom.NewSpecificCharacterSet(elem.StringValues())
			if err != nil {
				return nil, err
			}
		}
	}
	return ds, nil
}

func (d *Decoder) decodeElement(tag dicom.Tag, raw interface{}, charset dicom.SpecificCharacterSet, depth int) (*dicom.Element, error) {
	sub := asDocument(raw)
	if sub == nil {
		return nil, fmt.Errorf("codec: field %s is not a document", tag)
	}
	vrValue, ok := sub["vr"].(string)
	if !ok {
		return nil, fmt.Errorf("codec: field %s has no vr", tag)
	}
	vr := dicom.VR(vrValue)
	info, err := vr.InfoForTag(tag)
	if err != nil {
		return nil, err
	}

	if blob, ok := sub["InlineBinary"]; ok && blob != nil {
		data, err := binaryBytes(blob)
		if err != nil {
			return nil, fmt.Errorf("codec: field %s: %w", tag, err)
		}
		return &dicom.Element{Tag: tag, VR: vr, Value: dicom.Bytes(data)}, nil
	}

	value, present := sub["Value"]
	if !present || value == nil {
		if d.DropNull {
			return nil, nil
		}
		return &dicom.Element{Tag: tag, VR: vr}, nil
	}

	if info.Class == dicom.ClassSequence {
		items, err := d.decodeItems(tag, value, charset, depth)
		if err != nil {
			return nil, err
		}
		return &dicom.Element{Tag: tag, VR: vr, Value: items}, nil
	}

	scalars := asArray(value)
	decoded, err := decodeScalars(tag, vr, info, scalars, charset)
	if err != nil {
		return nil, err
	}
	return &dicom.Element{Tag: tag, VR: vr, Value: decoded}, nil
}

// decodeItems accepts both a single nested document (one item) and an
// array of nested documents.
func (d *Decoder) decodeItems(tag dicom.Tag, value interface{}, charset dicom.SpecificCharacterSet, depth int) (dicom.Items, error) {
	var docs []bson.D
	switch v := value.(type) {
	case bson.D:
		docs = []bson.D{v}
	case bson.M:
		docs = []bson.D{mapToD(v)}
	case bson.A:
		for _, entry := range v {
			switch item := entry.(type) {
			case bson.D:
				docs = append(docs, item)
			case bson.M:
				docs = append(docs, mapToD(item))
			default:
				return nil, fmt.Errorf("codec: sequence %s item is not a document", tag)
			}
		}
	default:
		return nil, fmt.Errorf("codec: sequence %s value is not a document or array", tag)
	}
	items := make(dicom.Items, 0, len(docs))
	for _, doc := range docs {
		item, err := d.decode(doc, charset, depth+1)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeScalars(tag dicom.Tag, vr dicom.VR, info dicom.VRInfo, values bson.A, charset dicom.SpecificCharacterSet) (dicom.Value, error) {
	switch info.Class {
	case dicom.ClassText:
		out := make(dicom.Strings, 0, len(values))
		for _, v := range values {
			if vr == dicom.VRPN {
				wire, err := decodePersonName(tag, v, charset)
				if err != nil {
					return nil, err
				}
				out = append(out, wire)
				continue
			}
			text, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("codec: field %s expects string values", tag)
			}
			encoded, err := charset.EncodeText(text, 0)
			if err != nil {
				return nil, err
			}
			out = append(out, string(encoded))
		}
		return out, nil

	case dicom.ClassASCII:
		out := make(dicom.Strings, 0, len(values))
		for _, v := range values {
			text, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("codec: field %s expects string values", tag)
			}
			out = append(out, text)
		}
		return out, nil

	case dicom.ClassDecimalString:
		out := make(dicom.Strings, 0, len(values))
		for _, v := range values {
			f, ok := asFloat(v)
			if !ok {
				return nil, fmt.Errorf("codec: field %s expects numeric values", tag)
			}
			out = append(out, strconv.FormatFloat(f, 'g', -1, 64))
		}
		return out, nil

	case dicom.ClassIntegerString:
		out := make(dicom.Strings, 0, len(values))
		for _, v := range values {
			n, ok := asInt(v)
			if !ok {
				return nil, fmt.Errorf("codec: field %s expects integer values", tag)
			}
			out = append(out, strconv.FormatInt(n, 10))
		}
		return out, nil

	case dicom.ClassBinaryInt:
		out := make(dicom.Ints, 0, len(values))
		for _, v := range values {
			if vr == dicom.VRAT {
				text, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("codec: field %s expects AT hex strings", tag)
				}
				n, err := strconv.ParseUint(strings.TrimSpace(text), 16, 32)
				if err != nil {
					return nil, fmt.Errorf("codec: field %s: bad AT value %q", tag, text)
				}
				out = append(out, int64(n))
				continue
			}
			n, ok := asInt(v)
			if !ok {
				return nil, fmt.Errorf("codec: field %s expects integer values", tag)
			}
			out = append(out, n)
		}
		return out, nil

	case dicom.ClassBinaryFloat:
		out := make(dicom.Reals, 0, len(values))
		for _, v := range values {
			f, ok := asFloat(v)
			if !ok {
				return nil, fmt.Errorf("codec: field %s expects numeric values", tag)
			}
			out = append(out, f)
		}
		return out, nil
	}
	return nil, &dicom.UnhandledVRError{VR: vr, Tag: tag}
}

func decodePersonName(tag dicom.Tag, v interface{}, charset dicom.SpecificCharacterSet) (string, error) {
	doc := asDocument(v)
	if doc == nil {
		return "", fmt.Errorf("codec: field %s expects person-name objects", tag)
	}
	components := make([]string, 3)
	for i, key := range []string{pnAlphabetic, pnIdeographic, pnPhonetic} {
		text, ok := doc[key].(string)
		if !ok || text == "" {
			continue
		}
		encoded, err := charset.EncodeText(text, i)
		if err != nil {
			return "", err
		}
		components[i] = string(encoded)
	}
	return joinPersonName(components), nil
}

// asDocument normalizes bson.D/bson.M documents to a plain map.
func asDocument(v interface{}) bson.M {
	switch doc := v.(type) {
	case bson.M:
		return doc
	case bson.D:
		out := make(bson.M, len(doc))
		for _, e := range doc {
			out[e.Key] = e.Value
		}
		return out
	case map[string]interface{}:
		return bson.M(doc)
	}
	return nil
}

func mapToD(m bson.M) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(bson.D, 0, len(m))
	for _, k := range keys {
		out = append(out, bson.E{Key: k, Value: m[k]})
	}
	return out
}

// asArray wraps a lone scalar as a single-value array; the store's own
// normalization sometimes unwraps singletons.
func asArray(v interface{}) bson.A {
	switch arr := v.(type) {
	case bson.A:
		return arr
	case []interface{}:
		return bson.A(arr)
	}
	return bson.A{v}
}

// asInt tolerates the numeric type drift a document store introduces.
func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// binaryBytes accepts the driver's primitive.Binary as well as plain byte
// slices and base64 text (the JSON-facing transport).
func binaryBytes(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case primitive.Binary:
		return append([]byte(nil), b.Data...), nil
	case []byte:
		return append([]byte(nil), b...), nil
	case string:
		return decodeBase64(b)
	}
	return nil, fmt.Errorf("unsupported InlineBinary type %T", v)
}
