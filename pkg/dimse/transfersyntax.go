package dimse

// Transfer syntax UIDs.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"

	JPEGBaseline         = "1.2.840.10008.1.2.4.50"
	JPEGExtended         = "1.2.840.10008.1.2.4.51"
	JPEGLosslessSV1      = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless       = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless   = "1.2.840.10008.1.2.4.81"
	JPEG2000Lossless     = "1.2.840.10008.1.2.4.90"
	JPEG2000             = "1.2.840.10008.1.2.4.91"
	RLELossless          = "1.2.840.10008.1.2.5"
)

// transferSyntaxPreference orders syntaxes for SCP-side negotiation:
// uncompressed little endian first, big endian next, then the common
// compressed encodings. Anything else falls back to the first offered.
var transferSyntaxPreference = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
	ExplicitVRBigEndian,
	JPEGBaseline,
	JPEGExtended,
	JPEGLosslessSV1,
	JPEG2000Lossless,
	JPEG2000,
	JPEGLSLossless,
	JPEGLSNearLossless,
	RLELossless,
}

// SelectTransferSyntax picks the accepted transfer syntax for a proposed list,
// or returns the first offered syntax when none of the preferred ones appear.
// The second return is false for an empty proposal.
func SelectTransferSyntax(offered []string) (string, bool) {
	if len(offered) == 0 {
		return "", false
	}
	for _, pref := range transferSyntaxPreference {
		for _, ts := range offered {
			if ts == pref {
				return ts, true
			}
		}
	}
	return offered[0], true
}

// IsExplicitVR reports whether the transfer syntax encodes VR on the wire.
// Every standard syntax except Implicit VR Little Endian is explicit.
func IsExplicitVR(ts string) bool {
	return ts != ImplicitVRLittleEndian
}

// IsBigEndian reports whether the transfer syntax is big endian.
func IsBigEndian(ts string) bool {
	return ts == ExplicitVRBigEndian
}
