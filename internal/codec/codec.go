// Package codec converts between DICOM datasets and their BSON document
// representation. One element becomes one document field keyed by the
// 8-hex-digit tag, carrying "vr" and either "Value" (scalars, person-name
// objects or nested documents) or "InlineBinary" (opaque bytes) — never
// both. A zero-length element keeps an explicit null "Value".
package codec

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/lamyj/dopamine/pkg/dicom"
)

// NumberStringParseError reports a DS or IS value that does not parse as a
// C-locale number. The element aborts the conversion; numeric garbage must
// not be persisted as text.
type NumberStringParseError struct {
	Tag   dicom.Tag
	VR    dicom.VR
	Value string
	Err   error
}

func (e *NumberStringParseError) Error() string {
	return fmt.Sprintf("codec: %s value %q of element %s is not a number: %v",
		e.VR, e.Value, e.Tag, e.Err)
}

func (e *NumberStringParseError) Unwrap() error { return e.Err }

// personName is the document form of one PN value.
const (
	pnAlphabetic  = "Alphabetic"
	pnIdeographic = "Ideographic"
	pnPhonetic    = "Phonetic"
)

// splitPersonName splits a wire PN value into its up-to-three component
// groups (alphabetic, ideographic, phonetic).
func splitPersonName(value string) []string {
	components := strings.SplitN(value, "=", 3)
	return components
}

// joinPersonName joins component groups with "=", trimming a fully empty
// trailing run so "Doe^Jane", "Doe^Jane=" and "Doe^Jane==" all store the
// same wire value.
func joinPersonName(components []string) string {
	end := len(components)
	for end > 0 && components[end-1] == "" {
		end--
	}
	return strings.Join(components[:end], "=")
}

// decodeBase64 reads an InlineBinary payload that arrived as text, the
// form the JSON transports use for binary fields.
func decodeBase64(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("bad base64 InlineBinary: %w", err)
	}
	return data, nil
}
