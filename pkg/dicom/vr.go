package dicom

import "fmt"

// VR is a DICOM value representation (PS 3.5 §6.2).
type VR string

// Supported value representations.
const (
	VRAE VR = "AE"
	VRAS VR = "AS"
	VRAT VR = "AT"
	VRCS VR = "CS"
	VRDA VR = "DA"
	VRDS VR = "DS"
	VRDT VR = "DT"
	VRFD VR = "FD"
	VRFL VR = "FL"
	VRIS VR = "IS"
	VRLO VR = "LO"
	VRLT VR = "LT"
	VROB VR = "OB"
	VROF VR = "OF"
	VROW VR = "OW"
	VRPN VR = "PN"
	VRSH VR = "SH"
	VRSL VR = "SL"
	VRSQ VR = "SQ"
	VRSS VR = "SS"
	VRST VR = "ST"
	VRTM VR = "TM"
	VRUI VR = "UI"
	VRUL VR = "UL"
	VRUN VR = "UN"
	VRUS VR = "US"
	VRUT VR = "UT"
)

// VRClass groups VRs by codec behavior.
type VRClass int

const (
	// ClassText covers VRs whose bytes are decoded through the specific
	// character set (LO, LT, PN, SH, ST, UT).
	ClassText VRClass = iota
	// ClassASCII covers text VRs restricted to the default repertoire
	// (AE, AS, CS, DA, DT, TM, UI); no charset conversion applies.
	ClassASCII
	// ClassDecimalString is DS: backslash-separated C-locale reals.
	ClassDecimalString
	// ClassIntegerString is IS: backslash-separated C-locale integers.
	ClassIntegerString
	// ClassBinaryInt covers fixed-width little-endian integer VRs
	// (SL, SS, UL, US, AT).
	ClassBinaryInt
	// ClassBinaryFloat covers FD and FL.
	ClassBinaryFloat
	// ClassBulk covers opaque byte blobs (OB, OF, OW, UN).
	ClassBulk
	// ClassSequence is SQ.
	ClassSequence
)

// VRInfo describes how the codec treats one VR. Width is the fixed byte
// width of one value for binary VRs, zero otherwise. Padding is the byte
// used to even-pad wire values.
type VRInfo struct {
	Class   VRClass
	Width   int
	Padding byte
	// Signed applies to ClassBinaryInt.
	Signed bool
	// LongHeader marks VRs encoded with the 12-byte explicit-VR header.
	LongHeader bool
	// CollapsesMultiValue marks text VRs (LT, ST, UT) for which backslash
	// is ordinary data, so VM>1 is not representable on the wire.
	CollapsesMultiValue bool
}

// vrTable is the single dispatch point for every VR-specific decision in
// the codec. An unknown VR is exactly a miss in this table.
var vrTable = map[VR]VRInfo{
	VRAE: {Class: ClassASCII, Padding: ' '},
	VRAS: {Class: ClassASCII, Padding: ' '},
	VRAT: {Class: ClassBinaryInt, Width: 4, Padding: 0},
	VRCS: {Class: ClassASCII, Padding: ' '},
	VRDA: {Class: ClassASCII, Padding: ' '},
	VRDS: {Class: ClassDecimalString, Padding: ' '},
	VRDT: {Class: ClassASCII, Padding: ' '},
	VRFD: {Class: ClassBinaryFloat, Width: 8, Padding: 0},
	VRFL: {Class: ClassBinaryFloat, Width: 4, Padding: 0},
	VRIS: {Class: ClassIntegerString, Padding: ' '},
	VRLO: {Class: ClassText, Padding: ' '},
	VRLT: {Class: ClassText, Padding: ' ', CollapsesMultiValue: true},
	VROB: {Class: ClassBulk, Padding: 0, LongHeader: true},
	VROF: {Class: ClassBulk, Width: 4, Padding: 0, LongHeader: true},
	VROW: {Class: ClassBulk, Width: 2, Padding: 0, LongHeader: true},
	VRPN: {Class: ClassText, Padding: ' '},
	VRSH: {Class: ClassText, Padding: ' '},
	VRSL: {Class: ClassBinaryInt, Width: 4, Signed: true},
	VRSQ: {Class: ClassSequence, LongHeader: true},
	VRSS: {Class: ClassBinaryInt, Width: 2, Signed: true},
	VRST: {Class: ClassText, Padding: ' ', CollapsesMultiValue: true},
	VRTM: {Class: ClassASCII, Padding: ' '},
	VRUI: {Class: ClassASCII, Padding: 0},
	VRUL: {Class: ClassBinaryInt, Width: 4},
	VRUN: {Class: ClassBulk, Padding: 0, LongHeader: true},
	VRUS: {Class: ClassBinaryInt, Width: 2},
	VRUT: {Class: ClassText, Padding: ' ', LongHeader: true, CollapsesMultiValue: true},
}

// UnhandledVRError reports a VR the codec does not know. Unknown VRs abort
// a conversion; silently dropping elements would lose data.
type UnhandledVRError struct {
	VR  VR
	Tag Tag
}

func (e *UnhandledVRError) Error() string {
	return fmt.Sprintf("dicom: unhandled VR %q for tag %s", string(e.VR), e.Tag)
}

// Info returns the codec table entry for vr, or an UnhandledVRError.
func (v VR) Info() (VRInfo, error) {
	info, ok := vrTable[v]
	if !ok {
		return VRInfo{}, &UnhandledVRError{VR: v}
	}
	return info, nil
}

// InfoForTag is Info with the tag attached to the error.
func (v VR) InfoForTag(tag Tag) (VRInfo, error) {
	info, ok := vrTable[v]
	if !ok {
		return VRInfo{}, &UnhandledVRError{VR: v, Tag: tag}
	}
	return info, nil
}

// Known reports whether the VR is in the codec table.
func (v VR) Known() bool {
	_, ok := vrTable[v]
	return ok
}

// IsWildcardEligible reports whether C-FIND wildcard matching applies to
// this VR (PS 3.4 C.2.2.2.4 excludes binary, DS, US and UI).
func (v VR) IsWildcardEligible() bool {
	switch v {
	case VRSL, VRSS, VRUL, VRFD, VRFL, VROB, VROF, VROW, VRUN, VRDS, VRUS, VRUI:
		return false
	}
	return true
}

// IsDateTime reports whether the VR belongs to the date/time family that
// supports range matching.
func (v VR) IsDateTime() bool {
	return v == VRDA || v == VRDT || v == VRTM
}
