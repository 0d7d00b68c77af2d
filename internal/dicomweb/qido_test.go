package dicomweb

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacsbin/dicomweb-proxy/pkg/dimse"
)

func TestBuildQueryStudyLevel(t *testing.T) {
	params := url.Values{
		"PatientName": {"DOE^JOHN"},
		"StudyDate":   {"2024-03-15"},
		"limit":       {"10"},
	}
	ds, err := BuildQuery(LevelStudy, "", "", params, WildcardPolicy{AppendWildcard: true, MinChars: 2})
	require.NoError(t, err)

	assert.Equal(t, "STUDY", ds.GetString(dimse.TagQueryRetrieveLevel))
	assert.Equal(t, "DOE^JOHN*", ds.GetString(dimse.TagPatientName))
	assert.Equal(t, "20240315", ds.GetString(dimse.TagStudyDate))

	// limit is a control parameter, never forwarded.
	assert.False(t, ds.Has(dimse.Tag{Group: 0x0008, Element: 0x0000}))

	// Universal match keys are present and empty.
	assert.True(t, ds.Has(dimse.TagStudyInstanceUID))
	assert.Equal(t, "", ds.GetString(dimse.TagStudyInstanceUID))
	assert.True(t, ds.Has(dimse.TagNumberOfStudyRelatedInstances))
}

func TestBuildQueryPathUIDsOverrideParams(t *testing.T) {
	params := url.Values{"StudyInstanceUID": {"9.9.9"}}
	ds, err := BuildQuery(LevelSeries, "1.2.3", "", params, WildcardPolicy{})
	require.NoError(t, err)

	assert.Equal(t, "SERIES", ds.GetString(dimse.TagQueryRetrieveLevel))
	assert.Equal(t, "1.2.3", ds.GetString(dimse.TagStudyInstanceUID))
	assert.True(t, ds.Has(dimse.TagSeriesInstanceUID))
}

func TestBuildQueryRejectsBadUID(t *testing.T) {
	params := url.Values{"StudyInstanceUID": {"not-a-uid"}}
	_, err := BuildQuery(LevelStudy, "", "", params, WildcardPolicy{})
	assert.Error(t, err)
}

func TestBuildQueryTagFormParameter(t *testing.T) {
	// 00100010 is PatientName.
	params := url.Values{"00100010": {"SMITH"}}
	ds, err := BuildQuery(LevelStudy, "", "", params, WildcardPolicy{})
	require.NoError(t, err)
	assert.Equal(t, "SMITH", ds.GetString(dimse.TagPatientName))
}

func TestWildcardPolicy(t *testing.T) {
	assert.Equal(t, "AB*", applyWildcard("AB", WildcardPolicy{AppendWildcard: true, MinChars: 2}))
	assert.Equal(t, "A", applyWildcard("A", WildcardPolicy{AppendWildcard: true, MinChars: 2}))
	assert.Equal(t, "AB?", applyWildcard("AB?", WildcardPolicy{AppendWildcard: true, MinChars: 2}))
	assert.Equal(t, "AB", applyWildcard("AB", WildcardPolicy{}))
}

func TestNormalizeDate(t *testing.T) {
	cases := map[string]string{
		"20240315":              "20240315",
		"2024-03-15":            "20240315",
		"20240101-20241231":     "20240101-20241231",
		"2024-01-01-2024-12-31": "20240101-20241231",
		"20240101-":             "20240101-",
		"-20241231":             "-20241231",
	}
	for in, want := range cases {
		got, err := normalizeDate(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := normalizeDate("March 15")
	assert.Error(t, err)
}

func TestNormalizeTime(t *testing.T) {
	for in, want := range map[string]string{
		"101530":     "101530",
		"10:15:30":   "101530",
		"1015":       "1015",
		"101530.123": "101530",
	} {
		got, err := normalizeTime(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := normalizeTime("noonish")
	assert.Error(t, err)
}
