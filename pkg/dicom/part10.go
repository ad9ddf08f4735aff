package dicom

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Part-10 file layout: 128-byte preamble, "DICM", file meta group 0002 in
// explicit VR little endian, then the dataset in the transfer syntax the
// meta group declares.

const part10HeaderLen = 132

// implementationClassUID identifies this node in file meta information and
// association negotiation.
const implementationClassUID = "1.2.826.0.1.3680043.9.7433.2.1"

// implementationVersionName accompanies the implementation class UID.
const implementationVersionName = "DOPAMINE_GO_1"

// HasPart10Header reports whether data carries the preamble and DICM magic.
func HasPart10Header(data []byte) bool {
	return len(data) >= part10HeaderLen && string(data[128:part10HeaderLen]) == "DICM"
}

// ReadPart10 splits a part-10 file into its dataset bytes and the transfer
// syntax declared by the file meta group.
func ReadPart10(data []byte) (dataset []byte, transferSyntaxUID string, err error) {
	if !HasPart10Header(data) {
		return nil, "", fmt.Errorf("dicom: missing part-10 preamble")
	}
	offset := part10HeaderLen
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		if group != 0x0002 {
			break
		}
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		vr := VR(data[offset+4 : offset+6])
		info, infoErr := vr.Info()
		if infoErr != nil {
			return nil, "", fmt.Errorf("dicom: file meta element (0002,%04x): %w", element, infoErr)
		}
		var length int
		var valueOffset int
		if info.LongHeader {
			if offset+12 > len(data) {
				return nil, "", fmt.Errorf("dicom: truncated file meta group")
			}
			length = int(binary.LittleEndian.Uint32(data[offset+8 : offset+12]))
			valueOffset = offset + 12
		} else {
			length = int(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}
		if valueOffset+length > len(data) {
			return nil, "", fmt.Errorf("dicom: truncated file meta group")
		}
		if element == 0x0010 {
			transferSyntaxUID = strings.TrimRight(string(data[valueOffset:valueOffset+length]), "\x00 ")
		}
		offset = valueOffset + length
	}
	if offset >= len(data) {
		return nil, "", fmt.Errorf("dicom: no dataset after file meta group")
	}
	if transferSyntaxUID == "" {
		transferSyntaxUID = ExplicitVRLittleEndian
	}
	return data[offset:], transferSyntaxUID, nil
}

// WritePart10 wraps dataset bytes in a part-10 envelope for the given SOP
// identifiers and transfer syntax.
func WritePart10(dataset []byte, sopClassUID, sopInstanceUID, transferSyntaxUID string) ([]byte, error) {
	if sopClassUID == "" || sopInstanceUID == "" {
		return nil, fmt.Errorf("dicom: part-10 file requires SOP class and instance UIDs")
	}
	if transferSyntaxUID == "" {
		transferSyntaxUID = ExplicitVRLittleEndian
	}

	meta := NewDataSet()
	meta.Put(Tag{0x0002, 0x0001}, VROB, Bytes{0x00, 0x01})
	meta.Put(TagMediaStorageSOPClassUID, VRUI, Strings{sopClassUID})
	meta.Put(TagMediaStorageSOPInstanceUID, VRUI, Strings{sopInstanceUID})
	meta.Put(TagTransferSyntaxUID, VRUI, Strings{transferSyntaxUID})
	meta.Put(Tag{0x0002, 0x0012}, VRUI, Strings{implementationClassUID})
	meta.Put(Tag{0x0002, 0x0013}, VRSH, Strings{implementationVersionName})
	metaBytes, err := EncodeDataSet(meta, ExplicitVRLittleEndian)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, part10HeaderLen+12+len(metaBytes)+len(dataset))
	out = append(out, make([]byte, 128)...)
	out = append(out, 'D', 'I', 'C', 'M')
	// File Meta Information Group Length (0002,0000).
	out = append(out, 0x02, 0x00, 0x00, 0x00, 'U', 'L')
	out = binary.LittleEndian.AppendUint16(out, 4)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(metaBytes)))
	out = append(out, metaBytes...)
	return append(out, dataset...), nil
}
