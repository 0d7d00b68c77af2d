package dimse

import "fmt"

// Tag identifies a DICOM data element (group, element).
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag in (GGGG,EEEE) format.
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Hex returns the tag as the 8-hex-digit key used by DICOMweb JSON.
func (t Tag) Hex() string {
	return fmt.Sprintf("%04X%04X", t.Group, t.Element)
}

// Compare orders tags by group then element.
func (t Tag) Compare(o Tag) int {
	switch {
	case t.Group != o.Group:
		if t.Group < o.Group {
			return -1
		}
		return 1
	case t.Element != o.Element:
		if t.Element < o.Element {
			return -1
		}
		return 1
	}
	return 0
}

// IsPrivate reports whether the tag belongs to a private (odd) group.
func (t Tag) IsPrivate() bool {
	return t.Group%2 == 1
}

// Data element tags used by the gateway.
var (
	TagSpecificCharacterSet           = Tag{0x0008, 0x0005}
	TagSOPClassUID                    = Tag{0x0008, 0x0016}
	TagSOPInstanceUID                 = Tag{0x0008, 0x0018}
	TagStudyDate                      = Tag{0x0008, 0x0020}
	TagSeriesDate                     = Tag{0x0008, 0x0021}
	TagStudyTime                      = Tag{0x0008, 0x0030}
	TagSeriesTime                     = Tag{0x0008, 0x0031}
	TagAccessionNumber                = Tag{0x0008, 0x0050}
	TagQueryRetrieveLevel             = Tag{0x0008, 0x0052}
	TagModality                       = Tag{0x0008, 0x0060}
	TagModalitiesInStudy              = Tag{0x0008, 0x0061}
	TagReferringPhysicianName         = Tag{0x0008, 0x0090}
	TagStudyDescription               = Tag{0x0008, 0x1030}
	TagSeriesDescription              = Tag{0x0008, 0x103E}
	TagPatientName                    = Tag{0x0010, 0x0010}
	TagPatientID                      = Tag{0x0010, 0x0020}
	TagPatientBirthDate               = Tag{0x0010, 0x0030}
	TagPatientSex                     = Tag{0x0010, 0x0040}
	TagStudyInstanceUID               = Tag{0x0020, 0x000D}
	TagStudyID                        = Tag{0x0020, 0x0010}
	TagSeriesInstanceUID              = Tag{0x0020, 0x000E}
	TagSeriesNumber                   = Tag{0x0020, 0x0011}
	TagInstanceNumber                 = Tag{0x0020, 0x0013}
	TagNumberOfStudyRelatedSeries     = Tag{0x0020, 0x1206}
	TagNumberOfStudyRelatedInstances  = Tag{0x0020, 0x1208}
	TagNumberOfSeriesRelatedInstances = Tag{0x0020, 0x1209}
	TagPixelData                      = Tag{0x7FE0, 0x0010}

	tagItem                = Tag{0xFFFE, 0xE000}
	tagItemDelimiter       = Tag{0xFFFE, 0xE00D}
	tagSequenceDelimiter   = Tag{0xFFFE, 0xE0DD}
	undefinedLength uint32 = 0xFFFFFFFF
)
