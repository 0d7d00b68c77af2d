package dicomweb

import (
	"encoding/binary"
	"fmt"

	"github.com/pacsbin/dicomweb-proxy/pkg/dimse"
)

// WritePart10 wraps raw dataset bytes in a DICOM Part-10 file: 128-byte
// preamble, "DICM" magic, and a group 0002 file meta header in Explicit VR
// Little Endian. The dataset bytes are written untouched in the transfer
// syntax they arrived in; the gateway never transcodes.
func WritePart10(datasetBytes []byte, sopClassUID, sopInstanceUID, transferSyntax string) ([]byte, error) {
	if sopClassUID == "" || sopInstanceUID == "" {
		return nil, fmt.Errorf("part-10 header requires SOP class and instance UIDs")
	}
	if transferSyntax == "" {
		transferSyntax = dimse.ImplicitVRLittleEndian
	}

	meta := make([]byte, 0, 256)
	meta = appendMetaOB(meta, 0x0001, []byte{0x00, 0x01})
	meta = appendMetaUI(meta, 0x0002, sopClassUID)
	meta = appendMetaUI(meta, 0x0003, sopInstanceUID)
	meta = appendMetaUI(meta, 0x0010, transferSyntax)
	meta = appendMetaUI(meta, 0x0012, dimse.ImplementationClassUID)
	meta = appendMetaSH(meta, 0x0013, dimse.ImplementationVersionName)

	out := make([]byte, 0, 132+12+len(meta)+len(datasetBytes))
	out = append(out, make([]byte, 128)...)
	out = append(out, 'D', 'I', 'C', 'M')

	// (0002,0000) FileMetaInformationGroupLength UL
	out = append(out, 0x02, 0x00, 0x00, 0x00, 'U', 'L', 0x04, 0x00)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(meta)))

	out = append(out, meta...)
	out = append(out, datasetBytes...)
	return out, nil
}

// Part10TransferSyntax extracts the transfer syntax UID from a Part-10
// header, returning the dataset offset as well.
func Part10TransferSyntax(file []byte) (ts string, datasetOffset int, err error) {
	if len(file) < 144 || string(file[128:132]) != "DICM" {
		return "", 0, fmt.Errorf("not a part-10 file")
	}
	// (0002,0000) UL group length
	if binary.LittleEndian.Uint16(file[132:134]) != 0x0002 {
		return "", 0, fmt.Errorf("missing file meta group length")
	}
	groupLen := int(binary.LittleEndian.Uint32(file[140:144]))
	metaEnd := 144 + groupLen
	if metaEnd > len(file) {
		return "", 0, fmt.Errorf("file meta header truncated")
	}

	offset := 144
	for offset+8 <= metaEnd {
		group := binary.LittleEndian.Uint16(file[offset : offset+2])
		element := binary.LittleEndian.Uint16(file[offset+2 : offset+4])
		vr := string(file[offset+4 : offset+6])
		var length, header int
		if vr == "OB" || vr == "OW" || vr == "UN" {
			if offset+12 > metaEnd {
				break
			}
			length = int(binary.LittleEndian.Uint32(file[offset+8 : offset+12]))
			header = 12
		} else {
			length = int(binary.LittleEndian.Uint16(file[offset+6 : offset+8]))
			header = 8
		}
		if offset+header+length > metaEnd {
			break
		}
		if group == 0x0002 && element == 0x0010 {
			return dimse.TrimUID(string(file[offset+header : offset+header+length])), metaEnd, nil
		}
		offset += header + length
	}
	return "", 0, fmt.Errorf("transfer syntax not present in file meta header")
}

func appendMetaUI(buf []byte, element uint16, uid string) []byte {
	value := []byte(uid)
	if len(value)%2 == 1 {
		value = append(value, 0x00)
	}
	return appendMetaShort(buf, element, "UI", value)
}

func appendMetaSH(buf []byte, element uint16, s string) []byte {
	value := []byte(s)
	if len(value)%2 == 1 {
		value = append(value, ' ')
	}
	return appendMetaShort(buf, element, "SH", value)
}

func appendMetaOB(buf []byte, element uint16, value []byte) []byte {
	buf = append(buf, 0x02, 0x00, byte(element), byte(element>>8))
	buf = append(buf, 'O', 'B', 0x00, 0x00)
	return append(binary.LittleEndian.AppendUint32(buf, uint32(len(value))), value...)
}

func appendMetaShort(buf []byte, element uint16, vr string, value []byte) []byte {
	buf = append(buf, 0x02, 0x00, byte(element), byte(element>>8))
	buf = append(buf, vr[0], vr[1])
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}
