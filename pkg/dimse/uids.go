package dimse

import "strings"

// Well-known UIDs used during association negotiation and DIMSE dispatch.
const (
	ApplicationContextUID = "1.2.840.10008.3.1.1.1"

	VerificationSOPClass = "1.2.840.10008.1.1"

	PatientRootFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootGet  = "1.2.840.10008.5.1.4.1.2.1.3"
	StudyRootFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMove   = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootGet    = "1.2.840.10008.5.1.4.1.2.2.3"
)

// IsStorageSOPClass reports whether uid is a storage SOP class. Every
// storage class lives under the 1.2.840.10008.5.1.4.1.1 arc; matching by
// prefix accepts them all without a per-class table.
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, "1.2.840.10008.5.1.4.1.1.")
}

// IsQueryRetrieveSOPClass reports whether uid is one of the Q/R
// information models served by this node.
func IsQueryRetrieveSOPClass(uid string) bool {
	switch uid {
	case PatientRootFind, PatientRootMove, PatientRootGet,
		StudyRootFind, StudyRootMove, StudyRootGet:
		return true
	}
	return false
}
