package dimse

import (
	"regexp"
	"strings"
)

// MaxUIDLength is the maximum length of a DICOM UID per PS3.5.
const MaxUIDLength = 64

var uidPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// IsValidUID reports whether s is a syntactically valid DICOM UID.
func IsValidUID(s string) bool {
	if s == "" || len(s) > MaxUIDLength {
		return false
	}
	return uidPattern.MatchString(s)
}

// TrimUID removes the null/space padding DICOM puts on wire-encoded UIDs.
func TrimUID(s string) string {
	return strings.TrimRight(s, "\x00 ")
}

// PadAET pads an Application Entity Title to 16 bytes with spaces.
func PadAET(aet string) []byte {
	out := make([]byte, 16)
	copy(out, aet)
	for i := len(aet); i < 16; i++ {
		out[i] = ' '
	}
	return out
}

// TrimAET strips the wire padding from an AE title field.
func TrimAET(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
