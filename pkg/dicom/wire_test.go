package dicom

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func implicitHeader(group, element uint16, length uint32) []byte {
	buf := binary.LittleEndian.AppendUint16(nil, group)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	return binary.LittleEndian.AppendUint32(buf, length)
}

func implicitElement(group, element uint16, value []byte) []byte {
	return append(implicitHeader(group, element, uint32(len(value))), value...)
}

func TestWireRoundTripExplicit(t *testing.T) {
	ds := NewDataSet()
	ds.Put(TagPatientID, VRLO, Strings{"P1"})
	ds.Put(Tag{0x0008, 0x0008}, VRCS, Strings{"ORIGINAL", "PRIMARY"})
	ds.Put(Tag{0x0018, 0x0050}, VRDS, Strings{"1.5"})
	ds.Put(Tag{0x0028, 0x0010}, VRUS, Ints{512})
	ds.Put(Tag{0x0018, 0x9345}, VRFD, Reals{1.25})
	ds.Put(Tag{0x7fe0, 0x0010}, VROW, Bytes{0x01, 0x02})

	wire, err := EncodeDataSet(ds, ExplicitVRLittleEndian)
	require.NoError(t, err)

	back, err := ParseDataSet(wire, ExplicitVRLittleEndian)
	require.NoError(t, err)

	assert.Equal(t, "P1", back.GetString(TagPatientID))
	assert.Equal(t, []string{"ORIGINAL", "PRIMARY"}, back.GetStrings(Tag{0x0008, 0x0008}))
	assert.Equal(t, "1.5", back.GetString(Tag{0x0018, 0x0050}))

	rows, _ := back.Get(Tag{0x0028, 0x0010})
	assert.Equal(t, Ints{512}, rows.Value)
	fd, _ := back.Get(Tag{0x0018, 0x9345})
	assert.Equal(t, Reals{1.25}, fd.Value)
	pixels, _ := back.Get(Tag{0x7fe0, 0x0010})
	assert.Equal(t, Bytes{0x01, 0x02}, pixels.Value)
}

func TestWireRoundTripImplicitSequence(t *testing.T) {
	item := NewDataSet()
	item.Put(TagSOPInstanceUID, VRUI, Strings{"1.2.3"})

	ds := NewDataSet()
	ds.Put(TagPatientID, VRLO, Strings{"P1"})
	ds.Put(Tag{0x0008, 0x1115}, VRSQ, Items{item})

	wire, err := EncodeDataSet(ds, ImplicitVRLittleEndian)
	require.NoError(t, err)

	back, err := ParseDataSet(wire, ImplicitVRLittleEndian)
	require.NoError(t, err)

	assert.Equal(t, "P1", back.GetString(TagPatientID))
	elem, ok := back.Get(Tag{0x0008, 0x1115})
	require.True(t, ok)
	items, ok := elem.Value.(Items)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "1.2.3", items[0].GetString(TagSOPInstanceUID))
}

func TestTextVRsCollapseOnWire(t *testing.T) {
	ds := NewDataSet()
	ds.Put(Tag{0x0008, 0x4000}, VRLT, Strings{"first", "second"})
	ds.Put(Tag{0x0042, 0x0010}, VRUT, Strings{`a\b`})
	ds.Put(TagPatientID, VRLO, Strings{"first", "second"})

	wire, err := EncodeDataSet(ds, ExplicitVRLittleEndian)
	require.NoError(t, err)

	back, err := ParseDataSet(wire, ExplicitVRLittleEndian)
	require.NoError(t, err)

	// LT and UT have no wire-level multiplicity: the separator returns
	// as ordinary text, so values collapse into one.
	lt, ok := back.Get(Tag{0x0008, 0x4000})
	require.True(t, ok)
	assert.Equal(t, Strings{`first\second`}, lt.Value)

	ut, ok := back.Get(Tag{0x0042, 0x0010})
	require.True(t, ok)
	assert.Equal(t, Strings{`a\b`}, ut.Value)

	// LO splits on backslash as usual.
	lo, ok := back.Get(TagPatientID)
	require.True(t, ok)
	assert.Equal(t, Strings{"first", "second"}, lo.Value)
}

func TestParseUndefinedLengthSequence(t *testing.T) {
	var wire []byte
	wire = append(wire, implicitHeader(0x0008, 0x1115, 0xFFFFFFFF)...)
	wire = append(wire, implicitHeader(0xFFFE, 0xE000, 0xFFFFFFFF)...)
	wire = append(wire, implicitElement(0x0008, 0x0018, []byte("1.2.34"))...)
	wire = append(wire, implicitHeader(0xFFFE, 0xE00D, 0)...)
	wire = append(wire, implicitHeader(0xFFFE, 0xE0DD, 0)...)
	wire = append(wire, implicitElement(0x0010, 0x0020, []byte("P1"))...)

	ds, err := ParseDataSet(wire, ImplicitVRLittleEndian)
	require.NoError(t, err)

	elem, ok := ds.Get(Tag{0x0008, 0x1115})
	require.True(t, ok)
	items, ok := elem.Value.(Items)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "1.2.34", items[0].GetString(TagSOPInstanceUID))

	// Parsing resumes correctly after the sequence delimiter.
	assert.Equal(t, "P1", ds.GetString(TagPatientID))
}

func TestParseTruncatedInputFails(t *testing.T) {
	// Header cut short.
	_, err := ParseDataSet([]byte{0x10, 0x00, 0x20, 0x00}, ImplicitVRLittleEndian)
	require.Error(t, err)

	// Declared value length runs past the buffer.
	short := append(implicitHeader(0x0010, 0x0020, 40), []byte("P1")...)
	_, err = ParseDataSet(short, ImplicitVRLittleEndian)
	require.Error(t, err)

	// Sequence length exceeding the buffer.
	_, err = ParseDataSet(implicitHeader(0x0008, 0x1115, 64), ImplicitVRLittleEndian)
	require.Error(t, err)

	// Undefined length on a non-sequence element.
	_, err = ParseDataSet(implicitHeader(0x0010, 0x0020, 0xFFFFFFFF), ImplicitVRLittleEndian)
	require.Error(t, err)

	// Undefined-length item with no delimiter.
	var open []byte
	open = append(open, implicitHeader(0x0008, 0x1115, 0xFFFFFFFF)...)
	open = append(open, implicitHeader(0xFFFE, 0xE000, 0xFFFFFFFF)...)
	_, err = ParseDataSet(open, ImplicitVRLittleEndian)
	require.Error(t, err)
}
