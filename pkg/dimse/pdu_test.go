package dimse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssociateRQRoundTrip(t *testing.T) {
	rq := &AssociateRQ{
		CalledAET:    "PACS",
		CallingAET:   "PROXY",
		MaxPDULength: 32768,
		ProposedContexts: []ProposedContext{
			{ID: 1, AbstractSyntax: VerificationSOPClass, TransferSyntaxes: []string{ImplicitVRLittleEndian}},
			{ID: 3, AbstractSyntax: StudyRootQueryRetrieveFind, TransferSyntaxes: []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}},
		},
	}

	parsed, err := ParseAssociateRQ(BuildAssociateRQ(rq))
	require.NoError(t, err)
	assert.Equal(t, "PACS", parsed.CalledAET)
	assert.Equal(t, "PROXY", parsed.CallingAET)
	assert.Equal(t, uint32(32768), parsed.MaxPDULength)
	require.Len(t, parsed.ProposedContexts, 2)
	assert.Equal(t, byte(1), parsed.ProposedContexts[0].ID)
	assert.Equal(t, VerificationSOPClass, parsed.ProposedContexts[0].AbstractSyntax)
	assert.Equal(t, byte(3), parsed.ProposedContexts[1].ID)
	assert.Equal(t, []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}, parsed.ProposedContexts[1].TransferSyntaxes)
}

func TestParseAssociateRQTooShort(t *testing.T) {
	_, err := ParseAssociateRQ(make([]byte, 10))
	assert.Error(t, err)
}

func TestAssociateACRoundTrip(t *testing.T) {
	results := []ContextResult{
		{ID: 1, Result: ContextAccept, TransferSyntax: ExplicitVRLittleEndian},
		{ID: 3, Result: ContextRejectAbstract},
	}

	maxPDU, parsed, err := ParseAssociateAC(BuildAssociateAC("PACS", "PROXY", 16384, results))
	require.NoError(t, err)
	assert.Equal(t, uint32(16384), maxPDU)
	require.Len(t, parsed, 2)

	accepted := parsed[1]
	assert.True(t, accepted.Accepted())
	assert.Equal(t, ExplicitVRLittleEndian, accepted.TransferSyntax)

	rejected := parsed[3]
	assert.False(t, rejected.Accepted())
	assert.Empty(t, rejected.TransferSyntax)
}

func TestAssociateRJRoundTrip(t *testing.T) {
	body := BuildAssociateRJ(RejectResultPermanent, RejectSourceServiceUser, RejectReasonCallingAENotRecognized)
	e := ParseAssociateRJ(body)
	assert.Equal(t, RejectResultPermanent, e.Result)
	assert.Equal(t, RejectSourceServiceUser, e.Source)
	assert.Equal(t, RejectReasonCallingAENotRecognized, e.Reason)
	assert.Contains(t, e.Error(), "rejected")
}

func TestAbortRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAbort(&buf, AbortSourceServiceProvider, AbortReasonUnexpectedPDU))

	pdu, err := ReadPDU(&buf)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeAbort, pdu.Type)

	e := ParseAbort(pdu.Data)
	assert.Equal(t, AbortSourceServiceProvider, e.Source)
	assert.Equal(t, AbortReasonUnexpectedPDU, e.Reason)
}

func TestReadPDURejectsHugeLength(t *testing.T) {
	header := []byte{PDUTypePDataTF, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}
	_, err := ReadPDU(bytes.NewReader(header))
	assert.Error(t, err)
}

// A message larger than the max PDU length must arrive fragmented and
// reassemble to the original bytes.
func TestWriteMessagePDUsFragmentsAndReassembles(t *testing.T) {
	command := EncodeCommand(&Message{
		CommandField:        CommandCStoreRQ,
		MessageID:           1,
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.1.2",
		CommandDataSetType:  DataSetPresent,
	})
	dataset := bytes.Repeat([]byte{0xAB}, 1000)

	var buf bytes.Buffer
	require.NoError(t, WriteMessagePDUs(&buf, 5, 128, command, dataset))

	var asm Assembler
	var done *Assembled
	pduCount := 0
	for buf.Len() > 0 {
		pdu, err := ReadPDU(&buf)
		require.NoError(t, err)
		require.Equal(t, PDUTypePDataTF, pdu.Type)
		assert.LessOrEqual(t, len(pdu.Data), 128)
		pduCount++

		pdvs, err := ParsePDataTF(pdu.Data)
		require.NoError(t, err)
		for _, pdv := range pdvs {
			assert.Equal(t, byte(5), pdv.ContextID)
			out, err := asm.Add(pdv)
			require.NoError(t, err)
			if out != nil {
				require.Nil(t, done, "only one message expected")
				done = out
			}
		}
	}

	assert.Greater(t, pduCount, 2)
	require.NotNil(t, done)
	assert.Equal(t, byte(5), done.ContextID)
	assert.Equal(t, CommandCStoreRQ, done.Command.CommandField)
	assert.Equal(t, dataset, done.Dataset)
}

func TestWriteMessagePDUsNoDataset(t *testing.T) {
	command := EncodeCommand(&Message{
		CommandField:       CommandCEchoRQ,
		MessageID:          2,
		CommandDataSetType: DataSetAbsent,
	})

	var buf bytes.Buffer
	require.NoError(t, WriteMessagePDUs(&buf, 1, 0, command, nil))

	pdu, err := ReadPDU(&buf)
	require.NoError(t, err)
	pdvs, err := ParsePDataTF(pdu.Data)
	require.NoError(t, err)
	require.Len(t, pdvs, 1)
	assert.True(t, pdvs[0].Command)
	assert.True(t, pdvs[0].Last)

	var asm Assembler
	out, err := asm.Add(pdvs[0])
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, CommandCEchoRQ, out.Command.CommandField)
	assert.Nil(t, out.Dataset)
	assert.Zero(t, buf.Len())
}

func TestParsePDataTFErrors(t *testing.T) {
	// Truncated PDV header.
	_, err := ParsePDataTF([]byte{0x00, 0x00})
	assert.Error(t, err)

	// PDV length exceeding the body.
	_, err = ParsePDataTF([]byte{0x00, 0x00, 0x00, 0x10, 0x01, 0x03})
	assert.Error(t, err)
}

func TestAssemblerRejectsInterleavedContext(t *testing.T) {
	command := EncodeCommand(&Message{
		CommandField:       CommandCStoreRQ,
		MessageID:          1,
		CommandDataSetType: DataSetPresent,
	})

	var asm Assembler
	out, err := asm.Add(PDV{ContextID: 1, Command: true, Last: true, Data: command})
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = asm.Add(PDV{ContextID: 3, Last: true, Data: []byte{0x00, 0x00}})
	assert.Error(t, err)
}

func TestAssemblerRejectsDatasetWithoutCommand(t *testing.T) {
	var asm Assembler
	_, err := asm.Add(PDV{ContextID: 1, Last: true, Data: []byte{0x00}})
	assert.Error(t, err)
}

func TestSelectTransferSyntax(t *testing.T) {
	ts, ok := SelectTransferSyntax([]string{JPEGBaseline, ImplicitVRLittleEndian, ExplicitVRLittleEndian})
	assert.True(t, ok)
	assert.Equal(t, ExplicitVRLittleEndian, ts)

	ts, ok = SelectTransferSyntax([]string{"1.2.3.4.5"})
	assert.True(t, ok)
	assert.Equal(t, "1.2.3.4.5", ts)

	_, ok = SelectTransferSyntax(nil)
	assert.False(t, ok)
}
