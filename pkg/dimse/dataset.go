package dimse

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Element is a single DICOM data element. Value holds the raw wire bytes for
// the element; sequences keep their full item span so unparsed content is
// never lost.
type Element struct {
	Tag   Tag
	VR    string
	Value []byte
}

// String returns the element value as a trimmed string.
func (e *Element) String() string {
	return strings.TrimRight(string(e.Value), "\x00 ")
}

// Strings splits a multi-valued string element on the DICOM backslash.
func (e *Element) Strings() []string {
	s := e.String()
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "\\")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Dataset is an ordered collection of DICOM elements.
type Dataset struct {
	elements map[Tag]*Element
}

// NewDataset creates an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{elements: make(map[Tag]*Element)}
}

// SetString adds a string-valued element.
func (d *Dataset) SetString(tag Tag, vr, value string) {
	d.elements[tag] = &Element{Tag: tag, VR: vr, Value: []byte(value)}
}

// Set adds a raw element.
func (d *Dataset) Set(e *Element) {
	d.elements[e.Tag] = e
}

// Get returns the element for tag, if present.
func (d *Dataset) Get(tag Tag) (*Element, bool) {
	e, ok := d.elements[tag]
	return e, ok
}

// GetString returns the trimmed string value for tag, or "".
func (d *Dataset) GetString(tag Tag) string {
	if e, ok := d.elements[tag]; ok {
		return e.String()
	}
	return ""
}

// Has reports whether the dataset contains tag.
func (d *Dataset) Has(tag Tag) bool {
	_, ok := d.elements[tag]
	return ok
}

// Len returns the number of elements.
func (d *Dataset) Len() int {
	return len(d.elements)
}

// Elements returns the elements in tag order.
func (d *Dataset) Elements() []*Element {
	out := make([]*Element, 0, len(d.elements))
	for _, e := range d.elements {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag.Compare(out[j].Tag) < 0 })
	return out
}

// Encode serializes the dataset in the given transfer syntax. Only the
// uncompressed syntaxes are supported; query datasets the gateway builds are
// flat string elements, so no sequence encoding is required.
func (d *Dataset) Encode(ts string) ([]byte, error) {
	explicit := IsExplicitVR(ts)
	var bo binary.ByteOrder = binary.LittleEndian
	if IsBigEndian(ts) {
		bo = binary.BigEndian
	}

	buf := make([]byte, 0, 256)
	for _, e := range d.Elements() {
		value := e.Value
		if len(value)%2 == 1 {
			pad := byte(' ')
			if e.VR == "UI" || e.VR == "OB" {
				pad = 0x00
			}
			value = append(append([]byte{}, value...), pad)
		}

		tag := make([]byte, 4)
		bo.PutUint16(tag[0:2], e.Tag.Group)
		bo.PutUint16(tag[2:4], e.Tag.Element)
		buf = append(buf, tag...)

		if explicit {
			vr := e.VR
			if vr == "" {
				vr = vrFor(e.Tag)
			}
			buf = append(buf, vr[0], vr[1])
			if isLongVR(vr) {
				buf = append(buf, 0x00, 0x00)
				l := make([]byte, 4)
				bo.PutUint32(l, uint32(len(value)))
				buf = append(buf, l...)
			} else {
				if len(value) > 0xFFFF {
					return nil, fmt.Errorf("element %s too long for short VR %s", e.Tag, vr)
				}
				l := make([]byte, 2)
				bo.PutUint16(l, uint16(len(value)))
				buf = append(buf, l...)
			}
		} else {
			l := make([]byte, 4)
			bo.PutUint32(l, uint32(len(value)))
			buf = append(buf, l...)
		}

		buf = append(buf, value...)
	}
	return buf, nil
}

// ParseDataset decodes a dataset encoded in the given transfer syntax.
// Sequences and encapsulated pixel data are kept as raw byte spans; parsing
// is best-effort in that a truncated trailing element ends the walk rather
// than failing the whole dataset.
func ParseDataset(data []byte, ts string) (*Dataset, error) {
	explicit := IsExplicitVR(ts)
	var bo binary.ByteOrder = binary.LittleEndian
	if IsBigEndian(ts) {
		bo = binary.BigEndian
	}

	ds := NewDataset()
	offset := 0
	for offset+8 <= len(data) {
		elem, next, err := parseElement(data, offset, explicit, bo)
		if err != nil {
			return ds, err
		}
		if elem == nil {
			break
		}
		ds.Set(elem)
		offset = next
	}
	return ds, nil
}

func isLongVR(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "UC", "UN", "UR", "UT", "SV", "UV":
		return true
	}
	return false
}

// parseElement decodes one element starting at offset. Returns (nil, offset,
// nil) when the remaining bytes cannot hold a further element header.
func parseElement(data []byte, offset int, explicit bool, bo binary.ByteOrder) (*Element, int, error) {
	if offset+8 > len(data) {
		return nil, offset, nil
	}

	tag := Tag{bo.Uint16(data[offset : offset+2]), bo.Uint16(data[offset+2 : offset+4])}

	var vr string
	var length uint32
	var valueStart int

	switch {
	case tag.Group == 0xFFFE:
		// Item and delimiter pseudo-elements never carry a VR.
		length = bo.Uint32(data[offset+4 : offset+8])
		valueStart = offset + 8
	case explicit:
		vr = string(data[offset+4 : offset+6])
		if isLongVR(vr) {
			if offset+12 > len(data) {
				return nil, offset, nil
			}
			length = bo.Uint32(data[offset+8 : offset+12])
			valueStart = offset + 12
		} else {
			length = uint32(bo.Uint16(data[offset+6 : offset+8]))
			valueStart = offset + 8
		}
	default:
		vr = vrFor(tag)
		length = bo.Uint32(data[offset+4 : offset+8])
		valueStart = offset + 8
	}

	if length == undefinedLength {
		// Undefined length means either a sequence or encapsulated pixel data.
		end, err := skipUndefinedValue(data, valueStart, explicit, bo, tag != TagPixelData)
		if err != nil {
			return nil, offset, err
		}
		return &Element{Tag: tag, VR: vr, Value: data[valueStart:end]}, end, nil
	}

	valueEnd := valueStart + int(length)
	if valueEnd > len(data) || valueEnd < valueStart {
		return nil, offset, nil
	}
	return &Element{Tag: tag, VR: vr, Value: data[valueStart:valueEnd]}, valueEnd, nil
}

// skipUndefinedValue advances past an undefined-length value. Sequence items
// with undefined length contain full elements in the enclosing encoding;
// encapsulated pixel fragments always have defined lengths. Both forms end
// with a sequence delimitation item.
func skipUndefinedValue(data []byte, offset int, explicit bool, bo binary.ByteOrder, isSequence bool) (int, error) {
	for offset+8 <= len(data) {
		tag := Tag{bo.Uint16(data[offset : offset+2]), bo.Uint16(data[offset+2 : offset+4])}
		length := bo.Uint32(data[offset+4 : offset+8])
		offset += 8

		switch tag {
		case tagSequenceDelimiter:
			return offset, nil
		case tagItem:
			if length == undefinedLength {
				if !isSequence {
					return 0, fmt.Errorf("undefined-length fragment item at offset %d", offset)
				}
				end, err := skipUndefinedItem(data, offset, explicit, bo)
				if err != nil {
					return 0, err
				}
				offset = end
			} else {
				offset += int(length)
			}
		default:
			return 0, fmt.Errorf("unexpected tag %s inside undefined-length value", tag)
		}
	}
	return 0, fmt.Errorf("unterminated undefined-length value")
}

// skipUndefinedItem walks the elements of an undefined-length sequence item
// until the item delimitation tag.
func skipUndefinedItem(data []byte, offset int, explicit bool, bo binary.ByteOrder) (int, error) {
	for offset+8 <= len(data) {
		tag := Tag{bo.Uint16(data[offset : offset+2]), bo.Uint16(data[offset+2 : offset+4])}
		if tag == tagItemDelimiter {
			return offset + 8, nil
		}
		elem, next, err := parseElement(data, offset, explicit, bo)
		if err != nil {
			return 0, err
		}
		if elem == nil {
			break
		}
		offset = next
	}
	return 0, fmt.Errorf("unterminated sequence item")
}

// vrFor returns the VR for the tags the gateway works with; unknown tags
// decode as UN.
func vrFor(tag Tag) string {
	switch tag {
	case TagSpecificCharacterSet, TagQueryRetrieveLevel, TagModality, TagModalitiesInStudy, TagPatientSex:
		return "CS"
	case TagSOPClassUID, TagSOPInstanceUID, TagStudyInstanceUID, TagSeriesInstanceUID:
		return "UI"
	case TagStudyDate, TagSeriesDate, TagPatientBirthDate:
		return "DA"
	case TagStudyTime, TagSeriesTime:
		return "TM"
	case TagAccessionNumber:
		return "SH"
	case TagReferringPhysicianName, TagPatientName:
		return "PN"
	case TagStudyDescription, TagSeriesDescription:
		return "LO"
	case TagPatientID:
		return "LO"
	case TagSeriesNumber, TagInstanceNumber, TagNumberOfStudyRelatedSeries,
		TagNumberOfStudyRelatedInstances, TagNumberOfSeriesRelatedInstances:
		return "IS"
	case TagPixelData:
		return "OW"
	}
	return "UN"
}
