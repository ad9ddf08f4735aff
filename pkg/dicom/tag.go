// Package dicom implements the DICOM data model used by the PACS node:
// tags, value representations, elements, datasets, specific-character-set
// handling and the wire codec for DIMSE identifiers and part-10 files.
package dicom

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag identifies a DICOM data element as a (group, element) pair.
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag in the conventional (gggg,eeee) form.
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Key returns the 8-hex-digit lowercase document key for the tag.
func (t Tag) Key() string {
	return fmt.Sprintf("%04x%04x", t.Group, t.Element)
}

// IsPrivate reports whether the tag belongs to a private group (odd group number).
func (t Tag) IsPrivate() bool {
	return t.Group%2 == 1
}

// IsGroupLength reports whether the tag is a group-length tag (element 0).
// Group-length elements are always skipped by the codec.
func (t Tag) IsGroupLength() bool {
	return t.Element == 0
}

// Compare orders tags by group, then element.
func (t Tag) Compare(other Tag) int {
	if t.Group != other.Group {
		if t.Group < other.Group {
			return -1
		}
		return 1
	}
	switch {
	case t.Element < other.Element:
		return -1
	case t.Element > other.Element:
		return 1
	default:
		return 0
	}
}

// ParseKey parses an 8-hex-digit document key back into a Tag. The second
// return value is false when the key is not exactly 8 hex characters, which
// lets callers skip non-DICOM fields (e.g. a stored "_id") in a document.
func ParseKey(key string) (Tag, bool) {
	if len(key) != 8 {
		return Tag{}, false
	}
	group, err := strconv.ParseUint(key[:4], 16, 16)
	if err != nil {
		return Tag{}, false
	}
	element, err := strconv.ParseUint(key[4:], 16, 16)
	if err != nil {
		return Tag{}, false
	}
	// Reject mixed-case and non-canonical forms produced by ParseUint's
	// tolerance of "+" and whitespace-free oddities.
	if strings.ToLower(key) != key {
		return Tag{}, false
	}
	for _, c := range key {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return Tag{}, false
		}
	}
	return Tag{Group: uint16(group), Element: uint16(element)}, true
}

// Well-known tags used across the query/retrieve services.
var (
	TagSpecificCharacterSet            = Tag{0x0008, 0x0005}
	TagSOPClassUID                     = Tag{0x0008, 0x0016}
	TagSOPInstanceUID                  = Tag{0x0008, 0x0018}
	TagStudyDate                       = Tag{0x0008, 0x0020}
	TagStudyTime                       = Tag{0x0008, 0x0030}
	TagAccessionNumber                 = Tag{0x0008, 0x0050}
	TagQueryRetrieveLevel              = Tag{0x0008, 0x0052}
	TagRetrieveAETitle                 = Tag{0x0008, 0x0054}
	TagFailedSOPInstanceUIDList        = Tag{0x0008, 0x0058}
	TagModality                        = Tag{0x0008, 0x0060}
	TagModalitiesInStudy               = Tag{0x0008, 0x0061}
	TagStudyDescription                = Tag{0x0008, 0x1030}
	TagSeriesDescription               = Tag{0x0008, 0x103E}
	TagPatientName                     = Tag{0x0010, 0x0010}
	TagPatientID                       = Tag{0x0010, 0x0020}
	TagStudyInstanceUID                = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID               = Tag{0x0020, 0x000E}
	TagSeriesNumber                    = Tag{0x0020, 0x0011}
	TagInstanceNumber                  = Tag{0x0020, 0x0013}
	TagNumberOfPatientRelatedStudies   = Tag{0x0020, 0x1200}
	TagNumberOfPatientRelatedSeries    = Tag{0x0020, 0x1202}
	TagNumberOfPatientRelatedInstances = Tag{0x0020, 0x1204}
	TagNumberOfStudyRelatedSeries      = Tag{0x0020, 0x1206}
	TagNumberOfStudyRelatedInstances   = Tag{0x0020, 0x1208}
	TagNumberOfSeriesRelatedInstances  = Tag{0x0020, 0x1209}
	TagPixelData                       = Tag{0x7FE0, 0x0010}
	TagTransferSyntaxUID               = Tag{0x0002, 0x0010}
	TagMediaStorageSOPClassUID         = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID      = Tag{0x0002, 0x0003}
)
