package dimse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	request := &Message{
		CommandField:        CommandCFindRQ,
		MessageID:           7,
		AffectedSOPClassUID: StudyRootFind,
		Priority:            priorityMedium,
		CommandDataSetType:  HasDataSet,
	}

	parsed, err := ParseCommand(EncodeCommand(request))
	require.NoError(t, err)
	assert.Equal(t, CommandCFindRQ, parsed.CommandField)
	assert.Equal(t, uint16(7), parsed.MessageID)
	assert.Equal(t, StudyRootFind, parsed.AffectedSOPClassUID)
	assert.True(t, parsed.HasDataset())
	assert.False(t, parsed.IsResponse())
}

func TestResponseCarriesStatusAndSubOperations(t *testing.T) {
	request := &Message{
		CommandField:        CommandCMoveRQ,
		MessageID:           3,
		AffectedSOPClassUID: StudyRootMove,
		MoveDestination:     "REMOTE",
		CommandDataSetType:  HasDataSet,
	}
	response := request.ResponseTo(StatusPending)
	response.SubOps = &SubOperations{Remaining: 4, Completed: 2, Failed: 1}

	parsed, err := ParseCommand(EncodeCommand(response))
	require.NoError(t, err)
	assert.True(t, parsed.IsResponse())
	assert.Equal(t, CommandCMoveRSP, parsed.CommandField)
	assert.Equal(t, uint16(3), parsed.MessageIDBeingRespondedTo)
	assert.Equal(t, StatusPending, parsed.Status)
	require.NotNil(t, parsed.SubOps)
	assert.Equal(t, uint16(4), parsed.SubOps.Remaining)
	assert.Equal(t, uint16(2), parsed.SubOps.Completed)
	assert.Equal(t, uint16(1), parsed.SubOps.Failed)
	assert.False(t, parsed.HasDataset())
}

func TestParseCommandRejectsGarbage(t *testing.T) {
	_, err := ParseCommand([]byte{0x01, 0x02, 0x03})
	assert.Error(t, err)

	// A valid group element walk with no command field is still invalid.
	noCommand := appendUSElement(nil, 0x0800, NoDataSet)
	_, err = ParseCommand(noCommand)
	assert.Error(t, err)
}

func TestAssociateRequestRoundTrip(t *testing.T) {
	rq := &AssociateRQ{
		CalledAETitle:  "DOPAMINE",
		CallingAETitle: "MODALITY",
		MaxPDULength:   32768,
		Contexts: []ProposedContext{
			{
				ID:               1,
				AbstractSyntax:   VerificationSOPClass,
				TransferSyntaxes: []string{"1.2.840.10008.1.2.1", "1.2.840.10008.1.2"},
			},
			{
				ID:               3,
				AbstractSyntax:   PatientRootFind,
				TransferSyntaxes: []string{"1.2.840.10008.1.2"},
			},
		},
	}

	parsed, err := ParseAssociateRQ(rq.Encode())
	require.NoError(t, err)
	assert.Equal(t, "DOPAMINE", parsed.CalledAETitle)
	assert.Equal(t, "MODALITY", parsed.CallingAETitle)
	assert.Equal(t, uint32(32768), parsed.MaxPDULength)
	require.Len(t, parsed.Contexts, 2)
	assert.Equal(t, byte(1), parsed.Contexts[0].ID)
	assert.Equal(t, VerificationSOPClass, parsed.Contexts[0].AbstractSyntax)
	assert.Equal(t, []string{"1.2.840.10008.1.2.1", "1.2.840.10008.1.2"}, parsed.Contexts[0].TransferSyntaxes)
	assert.Equal(t, PatientRootFind, parsed.Contexts[1].AbstractSyntax)
}

func TestAssociateAcceptOmitsRejectedContexts(t *testing.T) {
	ac := &AssociateAC{
		CalledAETitle:  "DOPAMINE",
		CallingAETitle: "MODALITY",
		MaxPDULength:   16384,
		Contexts: []AcceptedContext{
			{ID: 1, Result: ContextAccepted, TransferSyntax: "1.2.840.10008.1.2"},
			{ID: 3, Result: ContextRejectAbstractSyntax},
		},
	}

	parsed, err := ParseAssociateAC(ac.Encode())
	require.NoError(t, err)
	require.Len(t, parsed.Contexts, 1)
	assert.Equal(t, byte(1), parsed.Contexts[0].ID)
	assert.Equal(t, ContextAccepted, parsed.Contexts[0].Result)
	assert.Equal(t, "1.2.840.10008.1.2", parsed.Contexts[0].TransferSyntax)
}

func TestPDURoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePDU(&buf, PDUAssociateRQ, []byte{0xAA, 0xBB}))

	pdu, err := ReadPDU(&buf)
	require.NoError(t, err)
	assert.Equal(t, PDUAssociateRQ, pdu.Type)
	assert.Equal(t, []byte{0xAA, 0xBB}, pdu.Data)
}

func TestMessageFragmentation(t *testing.T) {
	command := bytes.Repeat([]byte{0xC0}, 10)
	dataset := bytes.Repeat([]byte{0xD0}, 50)

	var buf bytes.Buffer
	// 20-byte PDUs leave 14 bytes of payload per fragment, so the
	// dataset must split.
	require.NoError(t, WriteMessage(&buf, 1, 20, command, dataset))

	var pdvs []PDV
	for buf.Len() > 0 {
		pdu, err := ReadPDU(&buf)
		require.NoError(t, err)
		require.Equal(t, PDUPDataTF, pdu.Type)
		parsed, err := ParsePData(pdu.Data)
		require.NoError(t, err)
		pdvs = append(pdvs, parsed...)
	}

	var gotCommand, gotDataset []byte
	for _, pdv := range pdvs {
		assert.Equal(t, byte(1), pdv.ContextID)
		if pdv.IsCommand {
			gotCommand = append(gotCommand, pdv.Data...)
		} else {
			gotDataset = append(gotDataset, pdv.Data...)
		}
	}
	assert.Equal(t, command, gotCommand)
	assert.Equal(t, dataset, gotDataset)
	assert.True(t, len(pdvs) > 2, "dataset should have been fragmented")
	assert.True(t, pdvs[len(pdvs)-1].IsLast)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, IsPending(StatusPending))
	assert.True(t, IsPending(0xFF01))
	assert.False(t, IsPending(StatusSuccess))
	assert.False(t, IsPending(StatusCancel))
}

func TestSOPClassPredicates(t *testing.T) {
	assert.True(t, IsStorageSOPClass("1.2.840.10008.5.1.4.1.1.4"))
	assert.False(t, IsStorageSOPClass(VerificationSOPClass))
	assert.True(t, IsQueryRetrieveSOPClass(PatientRootFind))
	assert.True(t, IsQueryRetrieveSOPClass(StudyRootGet))
	assert.False(t, IsQueryRetrieveSOPClass("1.2.840.10008.5.1.4.1.1.4"))
}
