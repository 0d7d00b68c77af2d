package dimse

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleQuery() *Dataset {
	ds := NewDataset()
	ds.SetString(TagQueryRetrieveLevel, "CS", "STUDY")
	ds.SetString(TagPatientName, "PN", "DOE^JOHN")
	ds.SetString(TagStudyInstanceUID, "UI", "1.2.840.99.1")
	ds.SetString(TagStudyDate, "DA", "20240315")
	return ds
}

func TestEncodeParseRoundTrip(t *testing.T) {
	for _, ts := range []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian, ExplicitVRBigEndian} {
		t.Run(ts, func(t *testing.T) {
			encoded, err := sampleQuery().Encode(ts)
			require.NoError(t, err)
			// DICOM values are always even length.
			assert.Zero(t, len(encoded)%2)

			parsed, err := ParseDataset(encoded, ts)
			require.NoError(t, err)
			assert.Equal(t, "STUDY", parsed.GetString(TagQueryRetrieveLevel))
			assert.Equal(t, "DOE^JOHN", parsed.GetString(TagPatientName))
			assert.Equal(t, "1.2.840.99.1", parsed.GetString(TagStudyInstanceUID))
			assert.Equal(t, "20240315", parsed.GetString(TagStudyDate))
		})
	}
}

func TestElementsSortedByTag(t *testing.T) {
	ds := sampleQuery()
	elems := ds.Elements()
	for i := 1; i < len(elems); i++ {
		assert.Negative(t, elems[i-1].Tag.Compare(elems[i].Tag))
	}
}

func TestParseSkipsUndefinedLengthSequence(t *testing.T) {
	// Explicit VR LE: an SQ of undefined length holding one empty item,
	// followed by an ordinary element.
	buf := []byte{
		0x08, 0x00, 0x10, 0x11, // (0008,1110)
		'S', 'Q', 0x00, 0x00,
		0xFF, 0xFF, 0xFF, 0xFF, // undefined length
		0xFE, 0xFF, 0x00, 0xE0, // item
		0x00, 0x00, 0x00, 0x00, // empty
		0xFE, 0xFF, 0xDD, 0xE0, // sequence delimiter
		0x00, 0x00, 0x00, 0x00,
	}
	// (0010,0020) PatientID "P1"
	buf = append(buf, 0x10, 0x00, 0x20, 0x00, 'L', 'O', 0x02, 0x00, 'P', '1')

	ds, err := ParseDataset(buf, ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, "P1", ds.GetString(TagPatientID))
	seq, ok := ds.Get(Tag{0x0008, 0x1110})
	require.True(t, ok)
	assert.Equal(t, "SQ", seq.VR)
}

func TestParseStopsAtTruncatedElement(t *testing.T) {
	buf := []byte{
		0x08, 0x00, 0x52, 0x00, 'C', 'S', 0x06, 0x00, 'S', 'T', 'U', 'D', 'Y', ' ',
		0x10, 0x00, 0x20, 0x00, 'L', 'O', 0x10, 0x00, 'P', '1', // claims 16 bytes, has 2
	}
	ds, err := ParseDataset(buf, ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, "STUDY", ds.GetString(TagQueryRetrieveLevel))
	_, ok := ds.Get(TagPatientID)
	assert.False(t, ok)
}

func TestEncodePadsOddValues(t *testing.T) {
	ds := NewDataset()
	ds.SetString(TagStudyInstanceUID, "UI", "1.2.3")

	encoded, err := ds.Encode(ExplicitVRLittleEndian)
	require.NoError(t, err)

	length := binary.LittleEndian.Uint16(encoded[6:8])
	assert.Equal(t, uint16(6), length)
	assert.Equal(t, byte(0x00), encoded[8+5])
}
