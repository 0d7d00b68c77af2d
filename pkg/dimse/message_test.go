package dimse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	msg := &Message{
		CommandField:        CommandCFindRQ,
		MessageID:           7,
		AffectedSOPClassUID: StudyRootQueryRetrieveFind,
		CommandDataSetType:  DataSetPresent,
	}

	decoded, err := DecodeCommand(EncodeCommand(msg))
	require.NoError(t, err)
	assert.Equal(t, CommandCFindRQ, decoded.CommandField)
	assert.Equal(t, uint16(7), decoded.MessageID)
	assert.Equal(t, StudyRootQueryRetrieveFind, decoded.AffectedSOPClassUID)
	assert.True(t, decoded.HasDataSet())
	assert.Nil(t, decoded.NumberOfCompletedSuboperations)
}

func TestCommandRoundTripMoveResponse(t *testing.T) {
	remaining := uint16(2)
	completed := uint16(5)
	failed := uint16(0)
	msg := &Message{
		CommandField:                   CommandCMoveRSP,
		MessageIDBeingRespondedTo:      3,
		AffectedSOPClassUID:            StudyRootQueryRetrieveMove,
		CommandDataSetType:             DataSetAbsent,
		Status:                         StatusPending,
		NumberOfRemainingSuboperations: &remaining,
		NumberOfCompletedSuboperations: &completed,
		NumberOfFailedSuboperations:    &failed,
	}

	decoded, err := DecodeCommand(EncodeCommand(msg))
	require.NoError(t, err)
	assert.Equal(t, uint16(3), decoded.MessageIDBeingRespondedTo)
	assert.Equal(t, StatusPending, decoded.Status)
	assert.False(t, decoded.HasDataSet())
	require.NotNil(t, decoded.NumberOfRemainingSuboperations)
	assert.Equal(t, uint16(2), *decoded.NumberOfRemainingSuboperations)
	require.NotNil(t, decoded.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(5), *decoded.NumberOfCompletedSuboperations)
	// A zero counter is still distinct from an absent one.
	require.NotNil(t, decoded.NumberOfFailedSuboperations)
	assert.Equal(t, uint16(0), *decoded.NumberOfFailedSuboperations)
	assert.Nil(t, decoded.NumberOfWarningSuboperations)
}

func TestCommandRoundTripMoveRequest(t *testing.T) {
	msg := &Message{
		CommandField:        CommandCMoveRQ,
		MessageID:           1,
		AffectedSOPClassUID: StudyRootQueryRetrieveMove,
		CommandDataSetType:  DataSetPresent,
		MoveDestination:     "PROXY",
	}

	decoded, err := DecodeCommand(EncodeCommand(msg))
	require.NoError(t, err)
	assert.Equal(t, "PROXY", decoded.MoveDestination)
	assert.Equal(t, uint16(0), decoded.Priority)
}

// Requests always carry the Priority element, even at Medium (0).
func TestEncodeAlwaysWritesPriorityOnRequests(t *testing.T) {
	for _, field := range []uint16{CommandCStoreRQ, CommandCFindRQ, CommandCGetRQ, CommandCMoveRQ} {
		t.Run(CommandName(field), func(t *testing.T) {
			encoded := EncodeCommand(&Message{
				CommandField:       field,
				MessageID:          1,
				CommandDataSetType: DataSetPresent,
			})
			assert.True(t, containsCommandElement(encoded, 0x0700))
		})
	}

	// Responses omit a zero Priority.
	encoded := EncodeCommand(&Message{
		CommandField:              CommandCEchoRSP,
		MessageIDBeingRespondedTo: 1,
		CommandDataSetType:        DataSetAbsent,
	})
	assert.False(t, containsCommandElement(encoded, 0x0700))
}

// containsCommandElement scans an implicit-VR command set for a group 0x0000
// element.
func containsCommandElement(data []byte, element uint16) bool {
	offset := 0
	for offset+8 <= len(data) {
		group := uint16(data[offset]) | uint16(data[offset+1])<<8
		elem := uint16(data[offset+2]) | uint16(data[offset+3])<<8
		length := int(uint32(data[offset+4]) | uint32(data[offset+5])<<8 |
			uint32(data[offset+6])<<16 | uint32(data[offset+7])<<24)
		if group == 0x0000 && elem == element {
			return true
		}
		offset += 8 + length
	}
	return false
}

func TestDecodeCommandMissingCommandField(t *testing.T) {
	// Only a group length element, no (0000,0100).
	data := appendImplicitElement(nil, 0x0000, 0x0000, []byte{0x00, 0x00, 0x00, 0x00})
	_, err := DecodeCommand(data)
	assert.Error(t, err)
}

func TestDecodeCommandOverlongElement(t *testing.T) {
	data := appendImplicitElement(nil, 0x0000, 0x0100, uint16le(CommandCEchoRQ))
	// Claims 32 value bytes, provides none.
	data = append(data, 0x00, 0x00, 0x02, 0x00, 0x20, 0x00, 0x00, 0x00)
	_, err := DecodeCommand(data)
	assert.Error(t, err)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, IsPendingStatus(StatusPending))
	assert.True(t, IsPendingStatus(StatusPendingWarning))
	assert.False(t, IsPendingStatus(StatusSuccess))

	assert.True(t, IsFailureStatus(StatusNotAuthorized))
	assert.True(t, IsFailureStatus(StatusSOPClassNotSupported))
	assert.True(t, IsFailureStatus(0xA801))
	assert.True(t, IsFailureStatus(0xC123))
	assert.False(t, IsFailureStatus(StatusSuccess))
	assert.False(t, IsFailureStatus(StatusPending))
	assert.False(t, IsFailureStatus(StatusCancel))
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "C-MOVE-RSP", CommandName(CommandCMoveRSP))
	assert.Equal(t, "0x1234", CommandName(0x1234))
}
