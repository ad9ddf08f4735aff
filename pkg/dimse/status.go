package dimse

// DIMSE status codes (PS 3.7 Annex C).
const (
	StatusSuccess uint16 = 0x0000
	StatusCancel  uint16 = 0xFE00
	StatusPending uint16 = 0xFF00

	// Refused: out of resources. Also used for authorization refusals,
	// matching long-standing behavior of deployed peers.
	StatusRefusedOutOfResources uint16 = 0xA700
	// C-MOVE/C-GET refusals split the A7xx range.
	StatusRefusedUnableToCalculateMatches uint16 = 0xA701
	StatusRefusedUnableToPerformSubOps    uint16 = 0xA702
	StatusMoveDestinationUnknown          uint16 = 0xA801

	StatusIdentifierDoesNotMatchSOPClass uint16 = 0xA900
	StatusUnableToProcess                uint16 = 0xC000

	// Warning for C-GET/C-MOVE completion with failed sub-operations.
	StatusSubOpsCompleteWithFailures uint16 = 0xB000
)

// IsPending reports whether a status is one of the pending codes.
func IsPending(status uint16) bool {
	return status == 0xFF00 || status == 0xFF01
}
