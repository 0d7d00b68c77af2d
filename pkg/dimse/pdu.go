package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PDU types per DICOM PS3.8.
const (
	PDUTypeAssociateRQ byte = 0x01
	PDUTypeAssociateAC byte = 0x02
	PDUTypeAssociateRJ byte = 0x03
	PDUTypePDataTF     byte = 0x04
	PDUTypeReleaseRQ   byte = 0x05
	PDUTypeReleaseRSP  byte = 0x06
	PDUTypeAbort       byte = 0x07
)

// DefaultMaxPDULength is proposed when the configuration does not override it.
const DefaultMaxPDULength uint32 = 16384

// maxReasonablePDU bounds inbound PDU sizes so a corrupt length field cannot
// trigger a huge allocation.
const maxReasonablePDU = 64 * 1024 * 1024

// A-ASSOCIATE-RJ fields.
const (
	RejectResultPermanent byte = 1
	RejectResultTransient byte = 2

	RejectSourceServiceUser         byte = 1
	RejectSourceServiceProviderACSE byte = 2
	RejectSourceServiceProviderPres byte = 3

	RejectReasonNoReasonGiven          byte = 1
	RejectReasonAppContextNotSupported byte = 2
	RejectReasonCallingAENotRecognized byte = 3
	RejectReasonCalledAENotRecognized  byte = 7
)

// A-ABORT fields.
const (
	AbortSourceServiceUser     byte = 0
	AbortSourceServiceProvider byte = 2

	AbortReasonNotSpecified  byte = 0
	AbortReasonUnexpectedPDU byte = 2
)

// Presentation context results in an A-ASSOCIATE-AC.
const (
	ContextAccept              byte = 0
	ContextRejectUser          byte = 1
	ContextRejectNoReason      byte = 2
	ContextRejectAbstract      byte = 3
	ContextRejectTransferStack byte = 4
)

// AssociateRejectedError reports an A-ASSOCIATE-RJ from the peer.
type AssociateRejectedError struct {
	Result byte
	Source byte
	Reason byte
}

func (e *AssociateRejectedError) Error() string {
	return fmt.Sprintf("association rejected (result=%d source=%d reason=%d)", e.Result, e.Source, e.Reason)
}

// AbortError reports an A-ABORT from the peer.
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("association aborted (source=%d reason=%d)", e.Source, e.Reason)
}

// PDU is a raw protocol data unit.
type PDU struct {
	Type byte
	Data []byte
}

// ReadPDU reads a single PDU from r.
func ReadPDU(r io.Reader) (*PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxReasonablePDU {
		return nil, fmt.Errorf("pdu length %d exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read pdu body: %w", err)
	}
	return &PDU{Type: header[0], Data: body}, nil
}

// WritePDU frames body as a PDU of the given type and writes it in one call.
func WritePDU(w io.Writer, pduType byte, body []byte) error {
	out := make([]byte, 6+len(body))
	out[0] = pduType
	binary.BigEndian.PutUint32(out[2:6], uint32(len(body)))
	copy(out[6:], body)
	_, err := w.Write(out)
	return err
}

// ProposedContext is one presentation context in an A-ASSOCIATE-RQ.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// ContextResult is the outcome of negotiation for one presentation context.
type ContextResult struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// Accepted reports whether the context was accepted.
func (c ContextResult) Accepted() bool {
	return c.Result == ContextAccept
}

// AssociateRQ holds the parsed or to-be-built fields of an A-ASSOCIATE-RQ.
type AssociateRQ struct {
	CalledAET        string
	CallingAET       string
	MaxPDULength     uint32
	ProposedContexts []ProposedContext
}

// BuildAssociateRQ serializes an A-ASSOCIATE-RQ body.
func BuildAssociateRQ(rq *AssociateRQ) []byte {
	buf := make([]byte, 0, 1024)
	buf = append(buf, 0x00, 0x01) // protocol version
	buf = append(buf, 0x00, 0x00)
	buf = append(buf, PadAET(rq.CalledAET)...)
	buf = append(buf, PadAET(rq.CallingAET)...)
	buf = append(buf, make([]byte, 32)...)

	buf = appendItem(buf, 0x10, []byte(ApplicationContextUID))
	for _, pc := range rq.ProposedContexts {
		buf = appendProposedContext(buf, pc)
	}
	buf = appendUserInformation(buf, rq.MaxPDULength)
	return buf
}

// ParseAssociateRQ parses an A-ASSOCIATE-RQ body.
func ParseAssociateRQ(data []byte) (*AssociateRQ, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("associate request too short: %d bytes", len(data))
	}
	rq := &AssociateRQ{
		CalledAET:    TrimAET(data[4:20]),
		CallingAET:   TrimAET(data[20:36]),
		MaxPDULength: DefaultMaxPDULength,
	}

	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueEnd := offset + 4 + int(itemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("associate item 0x%02x exceeds pdu length", itemType)
		}
		item := data[offset+4 : valueEnd]

		switch itemType {
		case 0x20:
			pc, err := parseProposedContext(item)
			if err != nil {
				return nil, err
			}
			rq.ProposedContexts = append(rq.ProposedContexts, pc)
		case 0x50:
			if maxPDU := parseUserInformation(item); maxPDU > 0 {
				rq.MaxPDULength = maxPDU
			}
		}
		offset = valueEnd
	}
	return rq, nil
}

// BuildAssociateAC serializes an A-ASSOCIATE-AC body. Per PS3.8 the AC echoes
// every proposed context with its result.
func BuildAssociateAC(calledAET, callingAET string, maxPDULength uint32, results []ContextResult) []byte {
	buf := make([]byte, 0, 1024)
	buf = append(buf, 0x00, 0x01)
	buf = append(buf, 0x00, 0x00)
	buf = append(buf, PadAET(calledAET)...)
	buf = append(buf, PadAET(callingAET)...)
	buf = append(buf, make([]byte, 32)...)

	buf = appendItem(buf, 0x10, []byte(ApplicationContextUID))

	for _, res := range results {
		var body []byte
		body = append(body, res.ID, res.Result, 0x00, 0x00)
		if res.Accepted() {
			var ts []byte
			ts = appendItem(ts, 0x40, []byte(res.TransferSyntax))
			body = append(body, ts...)
		}
		buf = appendItem(buf, 0x21, body)
	}

	buf = appendUserInformation(buf, maxPDULength)
	return buf
}

// ParseAssociateAC extracts the negotiated max PDU length and per-context
// results from an A-ASSOCIATE-AC body.
func ParseAssociateAC(data []byte) (uint32, map[byte]ContextResult, error) {
	if len(data) < 68 {
		return 0, nil, fmt.Errorf("associate accept too short: %d bytes", len(data))
	}

	maxPDU := DefaultMaxPDULength
	results := make(map[byte]ContextResult)

	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueEnd := offset + 4 + int(itemLength)
		if valueEnd > len(data) {
			return 0, nil, fmt.Errorf("associate item 0x%02x exceeds pdu length", itemType)
		}
		item := data[offset+4 : valueEnd]

		switch itemType {
		case 0x21:
			if len(item) < 4 {
				return 0, nil, fmt.Errorf("presentation context reply too short")
			}
			res := ContextResult{ID: item[0], Result: item[1]}
			sub := 4
			for sub+4 <= len(item) {
				subType := item[sub]
				subLength := binary.BigEndian.Uint16(item[sub+2 : sub+4])
				subEnd := sub + 4 + int(subLength)
				if subEnd > len(item) {
					break
				}
				if subType == 0x40 {
					res.TransferSyntax = TrimUID(string(item[sub+4 : subEnd]))
				}
				sub = subEnd
			}
			results[res.ID] = res
		case 0x50:
			if v := parseUserInformation(item); v > 0 {
				maxPDU = v
			}
		}
		offset = valueEnd
	}
	return maxPDU, results, nil
}

// BuildAssociateRJ serializes an A-ASSOCIATE-RJ body.
func BuildAssociateRJ(result, source, reason byte) []byte {
	return []byte{0x00, result, source, reason}
}

// ParseAssociateRJ decodes an A-ASSOCIATE-RJ body into an error.
func ParseAssociateRJ(data []byte) *AssociateRejectedError {
	e := &AssociateRejectedError{
		Result: RejectResultPermanent,
		Source: RejectSourceServiceProviderACSE,
		Reason: RejectReasonNoReasonGiven,
	}
	if len(data) >= 4 {
		e.Result, e.Source, e.Reason = data[1], data[2], data[3]
	}
	return e
}

// releaseBody is shared by A-RELEASE-RQ and A-RELEASE-RSP.
var releaseBody = []byte{0x00, 0x00, 0x00, 0x00}

// WriteReleaseRQ sends an A-RELEASE-RQ.
func WriteReleaseRQ(w io.Writer) error {
	return WritePDU(w, PDUTypeReleaseRQ, releaseBody)
}

// WriteReleaseRSP sends an A-RELEASE-RSP.
func WriteReleaseRSP(w io.Writer) error {
	return WritePDU(w, PDUTypeReleaseRSP, releaseBody)
}

// WriteAbort sends an A-ABORT with the given source and reason.
func WriteAbort(w io.Writer, source, reason byte) error {
	return WritePDU(w, PDUTypeAbort, []byte{0x00, 0x00, source, reason})
}

// ParseAbort decodes an A-ABORT body.
func ParseAbort(data []byte) *AbortError {
	e := &AbortError{Source: AbortSourceServiceProvider, Reason: AbortReasonNotSpecified}
	if len(data) >= 4 {
		e.Source, e.Reason = data[2], data[3]
	}
	return e
}

// PDV is one presentation data value from a P-DATA-TF PDU.
type PDV struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// ParsePDataTF splits a P-DATA-TF body into its PDVs.
func ParsePDataTF(body []byte) ([]PDV, error) {
	var pdvs []PDV
	offset := 0
	for offset < len(body) {
		if offset+6 > len(body) {
			return nil, fmt.Errorf("truncated pdv header at offset %d", offset)
		}
		pdvLength := binary.BigEndian.Uint32(body[offset : offset+4])
		if pdvLength < 2 {
			return nil, fmt.Errorf("pdv length %d too small", pdvLength)
		}
		end := offset + 4 + int(pdvLength)
		if end > len(body) {
			return nil, fmt.Errorf("pdv exceeds pdu body")
		}
		control := body[offset+5]
		pdvs = append(pdvs, PDV{
			ContextID: body[offset+4],
			Command:   control&0x01 != 0,
			Last:      control&0x02 != 0,
			Data:      body[offset+6 : end],
		})
		offset = end
	}
	return pdvs, nil
}

// WriteMessagePDUs sends a DIMSE message as P-DATA-TF PDUs: the command set
// first, then the dataset, both fragmented to the negotiated max PDU length.
func WriteMessagePDUs(w io.Writer, contextID byte, maxPDULength uint32, command, dataset []byte) error {
	if err := writePDataFragments(w, contextID, maxPDULength, command, true); err != nil {
		return err
	}
	if len(dataset) > 0 {
		return writePDataFragments(w, contextID, maxPDULength, dataset, false)
	}
	return nil
}

func writePDataFragments(w io.Writer, contextID byte, maxPDULength uint32, data []byte, isCommand bool) error {
	if maxPDULength == 0 {
		maxPDULength = DefaultMaxPDULength
	}
	// PDU header (6) + PDV length (4) + PDV header (2).
	maxChunk := int(maxPDULength) - 6

	offset := 0
	for {
		chunk := len(data) - offset
		last := true
		if chunk > maxChunk {
			chunk = maxChunk
			last = false
		}

		body := make([]byte, 0, 6+chunk)
		lengthField := make([]byte, 4)
		binary.BigEndian.PutUint32(lengthField, uint32(chunk+2))
		body = append(body, lengthField...)
		body = append(body, contextID)

		var control byte
		if isCommand {
			control |= 0x01
		}
		if last {
			control |= 0x02
		}
		body = append(body, control)
		body = append(body, data[offset:offset+chunk]...)

		if err := WritePDU(w, PDUTypePDataTF, body); err != nil {
			return err
		}

		offset += chunk
		if last {
			return nil
		}
	}
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(value)))
	buf = append(buf, length...)
	return append(buf, value...)
}

func appendProposedContext(buf []byte, pc ProposedContext) []byte {
	var body []byte
	body = append(body, pc.ID, 0x00, 0x00, 0x00)
	body = appendItem(body, 0x30, []byte(pc.AbstractSyntax))
	for _, ts := range pc.TransferSyntaxes {
		body = appendItem(body, 0x40, []byte(ts))
	}
	return appendItem(buf, 0x20, body)
}

func parseProposedContext(item []byte) (ProposedContext, error) {
	if len(item) < 4 {
		return ProposedContext{}, fmt.Errorf("presentation context item too short")
	}
	pc := ProposedContext{ID: item[0]}

	offset := 4
	for offset+4 <= len(item) {
		subType := item[offset]
		subLength := binary.BigEndian.Uint16(item[offset+2 : offset+4])
		subEnd := offset + 4 + int(subLength)
		if subEnd > len(item) {
			return ProposedContext{}, fmt.Errorf("presentation context %d sub-item exceeds length", pc.ID)
		}
		value := TrimUID(string(item[offset+4 : subEnd]))
		switch subType {
		case 0x30:
			pc.AbstractSyntax = value
		case 0x40:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, value)
		}
		offset = subEnd
	}

	if pc.AbstractSyntax == "" {
		return ProposedContext{}, fmt.Errorf("presentation context %d missing abstract syntax", pc.ID)
	}
	return pc, nil
}

func appendUserInformation(buf []byte, maxPDULength uint32) []byte {
	if maxPDULength == 0 {
		maxPDULength = DefaultMaxPDULength
	}
	var body []byte

	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, maxPDULength)
	body = appendItem(body, 0x51, maxLen)
	body = appendItem(body, 0x52, []byte(ImplementationClassUID))
	body = appendItem(body, 0x55, []byte(ImplementationVersionName))

	return appendItem(buf, 0x50, body)
}

func parseUserInformation(item []byte) uint32 {
	offset := 0
	for offset+4 <= len(item) {
		subType := item[offset]
		subLength := binary.BigEndian.Uint16(item[offset+2 : offset+4])
		subEnd := offset + 4 + int(subLength)
		if subEnd > len(item) {
			return 0
		}
		if subType == 0x51 && subLength == 4 {
			return binary.BigEndian.Uint32(item[offset+4 : subEnd])
		}
		offset = subEnd
	}
	return 0
}
