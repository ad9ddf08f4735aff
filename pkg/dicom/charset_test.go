package dicom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSpecificCharacterSetRejectsUnknownTerm(t *testing.T) {
	_, err := NewSpecificCharacterSet([]string{"ISO_IR 999"})
	var unknown *UnknownCharacterSetError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ISO_IR 999", unknown.Name)
}

func TestDecodeTextSingleByteCharset(t *testing.T) {
	cs, err := NewSpecificCharacterSet([]string{"ISO_IR 100"})
	require.NoError(t, err)

	text, err := cs.DecodeText([]byte{'M', 0xfc, 'l', 'l', 'e', 'r'}, 0)
	require.NoError(t, err)
	assert.Equal(t, "Müller", text)
}

func TestDecodeTextISO2022EscapeSwitchesCharset(t *testing.T) {
	// An empty first value with supplementary sets designates ISO 2022
	// IR 6 as the default repertoire.
	cs, err := NewSpecificCharacterSet([]string{"", "ISO 2022 IR 100"})
	require.NoError(t, err)

	input := append([]byte("M"), 0x1b, '-', 'A', 0xfc)
	input = append(input, []byte("ller")...)
	text, err := cs.DecodeText(input, 0)
	require.NoError(t, err)
	assert.Equal(t, "Müller", text)
}

func TestDecodeTextControlCharacterResetsDesignation(t *testing.T) {
	cs, err := NewSpecificCharacterSet([]string{"", "ISO 2022 IR 100"})
	require.NoError(t, err)

	// Latin-1 is active before the line feed; afterwards the same byte
	// passes through under the default repertoire.
	input := []byte{0x1b, '-', 'A', 0xe9, '\n', 0xe9}
	text, err := cs.DecodeText(input, 0)
	require.NoError(t, err)
	assert.Equal(t, "é\n\xe9", text)
}

func TestDecodeTextUnrecognizedEscapeFails(t *testing.T) {
	cs, err := NewSpecificCharacterSet([]string{"", "ISO 2022 IR 144"})
	require.NoError(t, err)

	_, err = cs.DecodeText([]byte{0x1b, '%', 'G', 'x'}, 0)
	var conv *EncodingConversionError
	require.ErrorAs(t, err, &conv)
}

func TestPersonNameComponentDefaults(t *testing.T) {
	cs, err := NewSpecificCharacterSet([]string{"ISO 2022 IR 100", "ISO 2022 IR 144"})
	require.NoError(t, err)

	// 0xE0 is à in Latin-1 and р in ISO 8859-5; the component index
	// selects which default applies.
	alphabetic, err := cs.DecodeText([]byte{0xe0}, 0)
	require.NoError(t, err)
	assert.Equal(t, "à", alphabetic)

	ideographic, err := cs.DecodeText([]byte{0xe0}, 1)
	require.NoError(t, err)
	assert.Equal(t, "р", ideographic)

	// A component index past the declared sets falls back to the first.
	phonetic, err := cs.DecodeText([]byte{0xe0}, 2)
	require.NoError(t, err)
	assert.Equal(t, "à", phonetic)
}

func TestEncodeTextDefaultRepertoireRejectsHighBytes(t *testing.T) {
	cs, err := NewSpecificCharacterSet(nil)
	require.NoError(t, err)

	out, err := cs.EncodeText("plain", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), out)

	_, err = cs.EncodeText("é", 0)
	var conv *EncodingConversionError
	require.ErrorAs(t, err, &conv)
}

func TestConvertBetweenNamedCharsets(t *testing.T) {
	out, err := Convert([]byte{'M', 0xfc}, "ISO_IR 100", "ISO_IR 192")
	require.NoError(t, err)
	assert.Equal(t, "Mü", string(out))

	_, err = Convert([]byte("x"), "ISO_IR 999", "ISO_IR 192")
	var unknown *UnknownCharacterSetError
	require.ErrorAs(t, err, &unknown)
}
