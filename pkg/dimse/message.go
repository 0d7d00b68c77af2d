package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DIMSE command field values.
const (
	CommandCStoreRQ  uint16 = 0x0001
	CommandCStoreRSP uint16 = 0x8001
	CommandCGetRQ    uint16 = 0x0010
	CommandCGetRSP   uint16 = 0x8010
	CommandCFindRQ   uint16 = 0x0020
	CommandCFindRSP  uint16 = 0x8020
	CommandCMoveRQ   uint16 = 0x0021
	CommandCMoveRSP  uint16 = 0x8021
	CommandCEchoRQ   uint16 = 0x0030
	CommandCEchoRSP  uint16 = 0x8030
	CommandCCancelRQ uint16 = 0x0FFF
)

// DIMSE status values.
const (
	StatusSuccess                 uint16 = 0x0000
	StatusPending                 uint16 = 0xFF00
	StatusPendingWarning          uint16 = 0xFF01
	StatusCancel                  uint16 = 0xFE00
	StatusNotAuthorized           uint16 = 0x0124
	StatusProcessingFailure       uint16 = 0x0110
	StatusSOPClassNotSupported    uint16 = 0x0122
	StatusMoveDestinationUnknown  uint16 = 0xA801
	StatusOutOfResources          uint16 = 0xA700
	StatusUnableToProcess         uint16 = 0xC000
)

// Command Data Set Type values.
const (
	DataSetPresent uint16 = 0x0000
	DataSetAbsent  uint16 = 0x0101
)

// IsPendingStatus reports whether status indicates more responses follow.
func IsPendingStatus(status uint16) bool {
	return status == StatusPending || status == StatusPendingWarning
}

// IsFailureStatus reports whether status is in the failure ranges
// (0xAxxx-0xCxxx) or is one of the specific failure codes.
func IsFailureStatus(status uint16) bool {
	if status >= 0xA000 && status <= 0xCFFF {
		return true
	}
	switch status {
	case StatusProcessingFailure, StatusNotAuthorized, StatusSOPClassNotSupported:
		return true
	}
	return false
}

// CommandName returns a readable name for a command field value.
func CommandName(field uint16) string {
	switch field {
	case CommandCStoreRQ:
		return "C-STORE-RQ"
	case CommandCStoreRSP:
		return "C-STORE-RSP"
	case CommandCGetRQ:
		return "C-GET-RQ"
	case CommandCGetRSP:
		return "C-GET-RSP"
	case CommandCFindRQ:
		return "C-FIND-RQ"
	case CommandCFindRSP:
		return "C-FIND-RSP"
	case CommandCMoveRQ:
		return "C-MOVE-RQ"
	case CommandCMoveRSP:
		return "C-MOVE-RSP"
	case CommandCEchoRQ:
		return "C-ECHO-RQ"
	case CommandCEchoRSP:
		return "C-ECHO-RSP"
	case CommandCCancelRQ:
		return "C-CANCEL-RQ"
	}
	return fmt.Sprintf("0x%04x", field)
}

// Message is a parsed DIMSE command set plus the fields relevant to the verbs
// this gateway speaks. Sub-operation counters are pointers so absence can be
// distinguished from zero.
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	MoveDestination           string

	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// HasDataSet reports whether the message announces an accompanying dataset.
func (m *Message) HasDataSet() bool {
	return m.CommandDataSetType != DataSetAbsent
}

// EncodeCommand serializes the command set in Implicit VR Little Endian, the
// mandatory encoding for command sets.
func EncodeCommand(msg *Message) []byte {
	buf := make([]byte, 0, 256)

	// Group length placeholder, patched below.
	buf = appendImplicitElement(buf, 0x0000, 0x0000, make([]byte, 4))
	lengthPos := len(buf) - 4

	if msg.AffectedSOPClassUID != "" {
		buf = appendImplicitElement(buf, 0x0000, 0x0002, padEvenUID(msg.AffectedSOPClassUID))
	}
	buf = appendImplicitElement(buf, 0x0000, 0x0100, uint16le(msg.CommandField))
	if msg.MessageID != 0 {
		buf = appendImplicitElement(buf, 0x0000, 0x0110, uint16le(msg.MessageID))
	}
	if msg.MessageIDBeingRespondedTo != 0 {
		buf = appendImplicitElement(buf, 0x0000, 0x0120, uint16le(msg.MessageIDBeingRespondedTo))
	}
	if msg.MoveDestination != "" {
		dest := []byte(msg.MoveDestination)
		if len(dest)%2 == 1 {
			dest = append(dest, ' ')
		}
		buf = appendImplicitElement(buf, 0x0000, 0x0600, dest)
	}
	// Priority is mandatory on operation requests even at Medium (0).
	switch msg.CommandField {
	case CommandCStoreRQ, CommandCFindRQ, CommandCGetRQ, CommandCMoveRQ:
		buf = appendImplicitElement(buf, 0x0000, 0x0700, uint16le(msg.Priority))
	default:
		if msg.Priority != 0 {
			buf = appendImplicitElement(buf, 0x0000, 0x0700, uint16le(msg.Priority))
		}
	}
	buf = appendImplicitElement(buf, 0x0000, 0x0800, uint16le(msg.CommandDataSetType))
	if msg.Status != 0 || msg.CommandField&0x8000 != 0 {
		buf = appendImplicitElement(buf, 0x0000, 0x0900, uint16le(msg.Status))
	}
	if msg.AffectedSOPInstanceUID != "" {
		buf = appendImplicitElement(buf, 0x0000, 0x1000, padEvenUID(msg.AffectedSOPInstanceUID))
	}
	if msg.NumberOfRemainingSuboperations != nil {
		buf = appendImplicitElement(buf, 0x0000, 0x1020, uint16le(*msg.NumberOfRemainingSuboperations))
	}
	if msg.NumberOfCompletedSuboperations != nil {
		buf = appendImplicitElement(buf, 0x0000, 0x1021, uint16le(*msg.NumberOfCompletedSuboperations))
	}
	if msg.NumberOfFailedSuboperations != nil {
		buf = appendImplicitElement(buf, 0x0000, 0x1022, uint16le(*msg.NumberOfFailedSuboperations))
	}
	if msg.NumberOfWarningSuboperations != nil {
		buf = appendImplicitElement(buf, 0x0000, 0x1023, uint16le(*msg.NumberOfWarningSuboperations))
	}

	groupLength := uint32(len(buf) - lengthPos - 4)
	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], groupLength)
	return buf
}

// DecodeCommand parses an Implicit VR Little Endian command set.
func DecodeCommand(data []byte) (*Message, error) {
	msg := &Message{CommandDataSetType: DataSetAbsent}
	sawCommandField := false

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		if offset+8+int(length) > len(data) {
			return nil, fmt.Errorf("command element (%04x,%04x) length %d exceeds buffer", group, element, length)
		}
		value := data[offset+8 : offset+8+int(length)]

		if group == 0x0000 {
			switch element {
			case 0x0002:
				msg.AffectedSOPClassUID = TrimUID(string(value))
			case 0x0100:
				if len(value) >= 2 {
					msg.CommandField = binary.LittleEndian.Uint16(value)
					sawCommandField = true
				}
			case 0x0110:
				if len(value) >= 2 {
					msg.MessageID = binary.LittleEndian.Uint16(value)
				}
			case 0x0120:
				if len(value) >= 2 {
					msg.MessageIDBeingRespondedTo = binary.LittleEndian.Uint16(value)
				}
			case 0x0600:
				msg.MoveDestination = strings.TrimRight(string(value), "\x00 ")
			case 0x0700:
				if len(value) >= 2 {
					msg.Priority = binary.LittleEndian.Uint16(value)
				}
			case 0x0800:
				if len(value) >= 2 {
					msg.CommandDataSetType = binary.LittleEndian.Uint16(value)
				}
			case 0x0900:
				if len(value) >= 2 {
					msg.Status = binary.LittleEndian.Uint16(value)
				}
			case 0x1000:
				msg.AffectedSOPInstanceUID = TrimUID(string(value))
			case 0x1020:
				msg.NumberOfRemainingSuboperations = uint16ptr(value)
			case 0x1021:
				msg.NumberOfCompletedSuboperations = uint16ptr(value)
			case 0x1022:
				msg.NumberOfFailedSuboperations = uint16ptr(value)
			case 0x1023:
				msg.NumberOfWarningSuboperations = uint16ptr(value)
			}
		}

		offset += 8 + int(length)
	}

	if !sawCommandField {
		return nil, fmt.Errorf("command set missing command field (0000,0100)")
	}
	return msg, nil
}

func appendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = append(buf, byte(group), byte(group>>8))
	buf = append(buf, byte(element), byte(element>>8))
	length := uint32(len(value))
	buf = append(buf, byte(length), byte(length>>8), byte(length>>16), byte(length>>24))
	return append(buf, value...)
}

func padEvenUID(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}

func uint16le(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func uint16ptr(value []byte) *uint16 {
	if len(value) < 2 {
		return nil
	}
	v := binary.LittleEndian.Uint16(value)
	return &v
}
