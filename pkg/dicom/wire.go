package dicom

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Transfer syntax UIDs handled by the wire codec.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// MaxSequenceDepth bounds SQ nesting on parse and encode. DICOM does not
// bound nesting formally; malformed input must not exhaust the stack.
const MaxSequenceDepth = 32

const undefinedLength = 0xFFFFFFFF

var (
	itemTag           = Tag{0xFFFE, 0xE000}
	itemDelimiter     = Tag{0xFFFE, 0xE00D}
	sequenceDelimiter = Tag{0xFFFE, 0xE0DD}
)

// ParseDataSet decodes a dataset from its wire form in the given transfer
// syntax. Unknown transfer syntaxes are read as explicit VR little endian.
func ParseDataSet(data []byte, transferSyntaxUID string) (*DataSet, error) {
	explicit := transferSyntaxUID != ImplicitVRLittleEndian
	r := &wireReader{data: data, explicit: explicit}
	return r.readDataSet(0, len(data), 0)
}

type wireReader struct {
	data     []byte
	explicit bool
}

func (r *wireReader) readDataSet(start, end, depth int) (*DataSet, error) {
	if depth > MaxSequenceDepth {
		return nil, fmt.Errorf("dicom: sequence nesting exceeds %d levels", MaxSequenceDepth)
	}
	ds := NewDataSet()
	offset := start
	for offset < end {
		tag, vr, length, valueOffset, err := r.readHeader(offset, end)
		if err != nil {
			return nil, err
		}
		if tag == itemDelimiter || tag == sequenceDelimiter {
			break
		}
		if vr == VRSQ || (length == undefinedLength && vr == VRUN) {
			items, next, err := r.readSequence(valueOffset, end, length, depth+1)
			if err != nil {
				return nil, fmt.Errorf("dicom: reading sequence %s: %w", tag, err)
			}
			if !tag.IsGroupLength() {
				ds.Put(tag, VRSQ, items)
			}
			offset = next
			continue
		}
		if length == undefinedLength {
			return nil, fmt.Errorf("dicom: undefined length on non-sequence element %s", tag)
		}
		if valueOffset+int(length) > end {
			return nil, fmt.Errorf("dicom: element %s value exceeds buffer", tag)
		}
		if !tag.IsGroupLength() {
			value, err := decodeWireValue(tag, vr, r.data[valueOffset:valueOffset+int(length)])
			if err != nil {
				return nil, err
			}
			ds.Put(tag, vr, value)
		}
		offset = valueOffset + int(length)
	}
	return ds, nil
}

func (r *wireReader) readHeader(offset, end int) (Tag, VR, uint32, int, error) {
	if offset+8 > end {
		return Tag{}, "", 0, 0, fmt.Errorf("dicom: truncated element header at offset %d", offset)
	}
	tag := Tag{
		Group:   binary.LittleEndian.Uint16(r.data[offset : offset+2]),
		Element: binary.LittleEndian.Uint16(r.data[offset+2 : offset+4]),
	}
	// Item and delimiter pseudo-elements always use the implicit layout.
	if tag.Group == 0xFFFE {
		length := binary.LittleEndian.Uint32(r.data[offset+4 : offset+8])
		return tag, VRUN, length, offset + 8, nil
	}
	if !r.explicit {
		length := binary.LittleEndian.Uint32(r.data[offset+4 : offset+8])
		return tag, DictVR(tag), length, offset + 8, nil
	}
	vr := VR(r.data[offset+4 : offset+6])
	info, err := vr.InfoForTag(tag)
	if err != nil {
		return Tag{}, "", 0, 0, err
	}
	if info.LongHeader {
		if offset+12 > end {
			return Tag{}, "", 0, 0, fmt.Errorf("dicom: truncated long header at offset %d", offset)
		}
		length := binary.LittleEndian.Uint32(r.data[offset+8 : offset+12])
		return tag, vr, length, offset + 12, nil
	}
	length := uint32(binary.LittleEndian.Uint16(r.data[offset+6 : offset+8]))
	return tag, vr, length, offset + 8, nil
}

// readSequence reads SQ items, either until the explicit byte length is
// consumed or until a sequence delimiter for undefined length. It returns
// the items and the offset of the first byte after the sequence.
func (r *wireReader) readSequence(offset, end int, length uint32, depth int) (Items, int, error) {
	items := Items{}
	seqEnd := end
	if length != undefinedLength {
		seqEnd = offset + int(length)
		if seqEnd > end {
			return nil, 0, fmt.Errorf("dicom: sequence length exceeds buffer")
		}
	}
	for offset < seqEnd {
		tag, _, itemLen, valueOffset, err := r.readHeader(offset, seqEnd)
		if err != nil {
			return nil, 0, err
		}
		if tag == sequenceDelimiter {
			return items, valueOffset, nil
		}
		if tag != itemTag {
			return nil, 0, fmt.Errorf("dicom: expected item tag, found %s", tag)
		}
		itemEnd := seqEnd
		if itemLen != undefinedLength {
			itemEnd = valueOffset + int(itemLen)
			if itemEnd > seqEnd {
				return nil, 0, fmt.Errorf("dicom: item length exceeds sequence")
			}
		}
		item, err := r.readDataSet(valueOffset, itemEnd, depth)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
		if itemLen != undefinedLength {
			offset = itemEnd
			continue
		}
		// Undefined-length item: skip to past its delimiter.
		offset, err = r.findItemEnd(valueOffset, seqEnd)
		if err != nil {
			return nil, 0, err
		}
	}
	return items, seqEnd, nil
}

func (r *wireReader) findItemEnd(offset, end int) (int, error) {
	depth := 0
	for offset+8 <= end {
		tag, _, length, valueOffset, err := r.readHeader(offset, end)
		if err != nil {
			return 0, err
		}
		switch {
		case tag == itemDelimiter && depth == 0:
			return valueOffset, nil
		case tag == itemTag && length == undefinedLength:
			depth++
			offset = valueOffset
		case tag == itemDelimiter:
			depth--
			offset = valueOffset
		case length == undefinedLength:
			offset = valueOffset
		default:
			offset = valueOffset + int(length)
		}
	}
	return 0, fmt.Errorf("dicom: unterminated undefined-length item")
}

// decodeWireValue turns raw element bytes into the typed Value for vr.
func decodeWireValue(tag Tag, vr VR, raw []byte) (Value, error) {
	info, err := vr.InfoForTag(tag)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	switch info.Class {
	case ClassText, ClassASCII, ClassDecimalString, ClassIntegerString:
		text := string(raw)
		text = strings.TrimRight(text, string([]byte{info.Padding}))
		text = strings.TrimRight(text, "\x00")
		if text == "" {
			return nil, nil
		}
		if info.CollapsesMultiValue {
			return Strings{text}, nil
		}
		return Strings(strings.Split(text, "\\")), nil
	case ClassBinaryInt:
		return decodeWireInts(tag, vr, info, raw)
	case ClassBinaryFloat:
		count := len(raw) / info.Width
		out := make(Reals, 0, count)
		for i := 0; i < count; i++ {
			chunk := raw[i*info.Width:]
			if info.Width == 8 {
				out = append(out, math.Float64frombits(binary.LittleEndian.Uint64(chunk)))
			} else {
				out = append(out, float64(math.Float32frombits(binary.LittleEndian.Uint32(chunk))))
			}
		}
		return out, nil
	case ClassBulk:
		return Bytes(append([]byte(nil), raw...)), nil
	case ClassSequence:
		return nil, fmt.Errorf("dicom: sequence %s reached scalar decoder", tag)
	}
	return nil, &UnhandledVRError{VR: vr, Tag: tag}
}

func decodeWireInts(tag Tag, vr VR, info VRInfo, raw []byte) (Value, error) {
	if len(raw)%info.Width != 0 {
		return nil, fmt.Errorf("dicom: element %s length %d not a multiple of %d", tag, len(raw), info.Width)
	}
	out := make(Ints, 0, len(raw)/info.Width)
	for i := 0; i+info.Width <= len(raw); i += info.Width {
		chunk := raw[i:]
		switch {
		case vr == VRAT:
			group := binary.LittleEndian.Uint16(chunk)
			element := binary.LittleEndian.Uint16(chunk[2:])
			out = append(out, int64(uint32(group)<<16|uint32(element)))
		case info.Width == 2 && info.Signed:
			out = append(out, int64(int16(binary.LittleEndian.Uint16(chunk))))
		case info.Width == 2:
			out = append(out, int64(binary.LittleEndian.Uint16(chunk)))
		case info.Signed:
			out = append(out, int64(int32(binary.LittleEndian.Uint32(chunk))))
		default:
			out = append(out, int64(binary.LittleEndian.Uint32(chunk)))
		}
	}
	return out, nil
}

// EncodeDataSet writes the dataset in the given transfer syntax. Sequences
// are written with explicit item and sequence lengths.
func EncodeDataSet(ds *DataSet, transferSyntaxUID string) ([]byte, error) {
	explicit := transferSyntaxUID != ImplicitVRLittleEndian
	return encodeDataSet(ds, explicit, 0)
}

func encodeDataSet(ds *DataSet, explicit bool, depth int) ([]byte, error) {
	if depth > MaxSequenceDepth {
		return nil, fmt.Errorf("dicom: sequence nesting exceeds %d levels", MaxSequenceDepth)
	}
	var out []byte
	for _, tag := range ds.SortedTags() {
		elem, _ := ds.Get(tag)
		encoded, err := encodeElement(elem, explicit, depth)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded...)
	}
	return out, nil
}

func encodeElement(elem *Element, explicit bool, depth int) ([]byte, error) {
	info, err := elem.VR.InfoForTag(elem.Tag)
	if err != nil {
		return nil, err
	}
	var value []byte
	if info.Class == ClassSequence {
		items, _ := elem.Value.(Items)
		for _, item := range items {
			body, err := encodeDataSet(item, explicit, depth+1)
			if err != nil {
				return nil, err
			}
			value = appendTagHeader(value, itemTag)
			value = binary.LittleEndian.AppendUint32(value, uint32(len(body)))
			value = append(value, body...)
		}
	} else {
		value, err = encodeWireValue(elem, info)
		if err != nil {
			return nil, err
		}
	}
	if len(value)%2 == 1 {
		value = append(value, info.Padding)
	}

	var out []byte
	out = appendTagHeader(out, elem.Tag)
	if !explicit {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(value)))
		return append(out, value...), nil
	}
	out = append(out, elem.VR[0], elem.VR[1])
	if info.LongHeader {
		out = append(out, 0x00, 0x00)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(value)))
	} else {
		if len(value) > 0xFFFF {
			return nil, fmt.Errorf("dicom: element %s value too long for short header", elem.Tag)
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(len(value)))
	}
	return append(out, value...), nil
}

func appendTagHeader(buf []byte, tag Tag) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, tag.Group)
	return binary.LittleEndian.AppendUint16(buf, tag.Element)
}

func encodeWireValue(elem *Element, info VRInfo) ([]byte, error) {
	if elem.Value == nil {
		return nil, nil
	}
	switch v := elem.Value.(type) {
	case Strings:
		return []byte(strings.Join(v, "\\")), nil
	case Bytes:
		return append([]byte(nil), v...), nil
	case Ints:
		var out []byte
		for _, n := range v {
			switch {
			case elem.VR == VRAT:
				out = binary.LittleEndian.AppendUint16(out, uint16(uint32(n)>>16))
				out = binary.LittleEndian.AppendUint16(out, uint16(uint32(n)&0xFFFF))
			case info.Width == 2:
				out = binary.LittleEndian.AppendUint16(out, uint16(n))
			default:
				out = binary.LittleEndian.AppendUint32(out, uint32(n))
			}
		}
		return out, nil
	case Reals:
		var out []byte
		for _, f := range v {
			if info.Width == 8 {
				out = binary.LittleEndian.AppendUint64(out, math.Float64bits(f))
			} else {
				out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(f)))
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("dicom: element %s has value type incompatible with VR %s", elem.Tag, elem.VR)
}
