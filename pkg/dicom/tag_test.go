package dicom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	tag, ok := ParseKey("0020000d")
	require.True(t, ok)
	assert.Equal(t, TagStudyInstanceUID, tag)

	for _, bad := range []string{
		"",
		"0010",
		"001000200",
		"0010002g",
		"0020000D",
		"+0100020",
		" 0100020",
		"location",
	} {
		_, ok := ParseKey(bad)
		assert.False(t, ok, "key %q", bad)
	}
}

func TestTagKeyRoundTrip(t *testing.T) {
	tag := Tag{0x7fe0, 0x0010}
	back, ok := ParseKey(tag.Key())
	require.True(t, ok)
	assert.Equal(t, tag, back)
}

func TestTagOrderingAndClassification(t *testing.T) {
	assert.Equal(t, -1, Tag{0x0008, 0x0001}.Compare(Tag{0x0008, 0x0002}))
	assert.Equal(t, 1, Tag{0x0009, 0x0000}.Compare(Tag{0x0008, 0xffff}))
	assert.Equal(t, 0, TagPatientID.Compare(TagPatientID))

	assert.True(t, Tag{0x0009, 0x0010}.IsPrivate())
	assert.False(t, TagPatientID.IsPrivate())
	assert.True(t, Tag{0x0008, 0x0000}.IsGroupLength())
	assert.False(t, TagPatientID.IsGroupLength())
}
