package dicomweb

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pacsbin/dicomweb-proxy/pkg/dimse"
)

// QueryLevel names a QIDO resource level.
type QueryLevel string

const (
	LevelStudy    QueryLevel = "STUDY"
	LevelSeries   QueryLevel = "SERIES"
	LevelInstance QueryLevel = "IMAGE"
)

// WildcardPolicy controls how bare string match keys are widened before the
// C-FIND. When AppendWildcard is set, keys of length >= MinChars that carry
// no wildcard already get a trailing `*`.
type WildcardPolicy struct {
	AppendWildcard bool
	MinChars       int
}

// queryAttribute maps a QIDO parameter to its element.
type queryAttribute struct {
	tag  dimse.Tag
	vr   string
	kind string // "string", "uid", "date", "time"
}

// qidoAttributes maps both the DICOM keyword and the 8-hex-digit tag form of
// the parameters the gateway understands.
var qidoAttributes = map[string]queryAttribute{
	"PatientName":             {dimse.TagPatientName, "PN", "string"},
	"PatientID":               {dimse.TagPatientID, "LO", "string"},
	"PatientBirthDate":        {dimse.TagPatientBirthDate, "DA", "date"},
	"PatientSex":              {dimse.TagPatientSex, "CS", "string"},
	"StudyDate":               {dimse.TagStudyDate, "DA", "date"},
	"StudyTime":               {dimse.TagStudyTime, "TM", "time"},
	"AccessionNumber":         {dimse.TagAccessionNumber, "SH", "string"},
	"ModalitiesInStudy":       {dimse.TagModalitiesInStudy, "CS", "string"},
	"Modality":                {dimse.TagModality, "CS", "string"},
	"ReferringPhysicianName":  {dimse.TagReferringPhysicianName, "PN", "string"},
	"StudyDescription":        {dimse.TagStudyDescription, "LO", "string"},
	"SeriesDescription":       {dimse.TagSeriesDescription, "LO", "string"},
	"StudyInstanceUID":        {dimse.TagStudyInstanceUID, "UI", "uid"},
	"SeriesInstanceUID":       {dimse.TagSeriesInstanceUID, "UI", "uid"},
	"SOPInstanceUID":          {dimse.TagSOPInstanceUID, "UI", "uid"},
	"SOPClassUID":             {dimse.TagSOPClassUID, "UI", "uid"},
	"SeriesNumber":            {dimse.TagSeriesNumber, "IS", "string"},
	"InstanceNumber":          {dimse.TagInstanceNumber, "IS", "string"},
	"StudyID":                 {dimse.TagStudyID, "SH", "string"},
}

// universal match keys returned to the client even when not queried on.
var studyReturnKeys = []dimse.Tag{
	dimse.TagStudyDate, dimse.TagStudyTime, dimse.TagAccessionNumber,
	dimse.TagModalitiesInStudy, dimse.TagReferringPhysicianName,
	dimse.TagPatientName, dimse.TagPatientID, dimse.TagPatientBirthDate,
	dimse.TagStudyInstanceUID, dimse.TagStudyID, dimse.TagStudyDescription,
	dimse.TagNumberOfStudyRelatedSeries, dimse.TagNumberOfStudyRelatedInstances,
}

var seriesReturnKeys = []dimse.Tag{
	dimse.TagModality, dimse.TagSeriesInstanceUID, dimse.TagSeriesNumber,
	dimse.TagSeriesDescription, dimse.TagSeriesDate, dimse.TagSeriesTime,
	dimse.TagNumberOfSeriesRelatedInstances,
}

var instanceReturnKeys = []dimse.Tag{
	dimse.TagSOPClassUID, dimse.TagSOPInstanceUID, dimse.TagInstanceNumber,
}

// control parameters that are handled by the HTTP layer, not forwarded to
// the PACS.
var controlParams = map[string]bool{
	"limit": true, "offset": true, "fuzzymatching": true, "includefield": true,
}

// BuildQuery translates QIDO query parameters into a C-FIND query dataset
// for the given level. Path UIDs (study for a series query, study+series for
// an instance query) are passed separately and always override any query
// parameter of the same name.
func BuildQuery(level QueryLevel, studyUID, seriesUID string, params url.Values, policy WildcardPolicy) (*dimse.Dataset, error) {
	ds := dimse.NewDataset()
	ds.SetString(dimse.TagQueryRetrieveLevel, "CS", string(level))

	for name, values := range params {
		if controlParams[strings.ToLower(name)] || len(values) == 0 || values[0] == "" {
			continue
		}
		attr, ok := lookupAttribute(name)
		if !ok {
			// Unknown attributes are ignored rather than failing the query.
			continue
		}
		value, err := normalizeValue(attr, values[0], policy)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		ds.SetString(attr.tag, attr.vr, value)
	}

	if studyUID != "" {
		ds.SetString(dimse.TagStudyInstanceUID, "UI", studyUID)
	}
	if seriesUID != "" {
		ds.SetString(dimse.TagSeriesInstanceUID, "UI", seriesUID)
	}

	for _, tag := range returnKeys(level) {
		if !ds.Has(tag) {
			ds.SetString(tag, vrForReturnKey(tag), "")
		}
	}
	return ds, nil
}

func returnKeys(level QueryLevel) []dimse.Tag {
	switch level {
	case LevelSeries:
		return seriesReturnKeys
	case LevelInstance:
		return instanceReturnKeys
	}
	return studyReturnKeys
}

func vrForReturnKey(tag dimse.Tag) string {
	for _, attr := range qidoAttributes {
		if attr.tag == tag {
			return attr.vr
		}
	}
	switch tag {
	case dimse.TagNumberOfStudyRelatedSeries,
		dimse.TagNumberOfStudyRelatedInstances,
		dimse.TagNumberOfSeriesRelatedInstances:
		return "IS"
	case dimse.TagSeriesDate:
		return "DA"
	case dimse.TagSeriesTime:
		return "TM"
	}
	return "LO"
}

// lookupAttribute resolves a parameter by keyword or by 8-hex-digit tag.
func lookupAttribute(name string) (queryAttribute, bool) {
	if attr, ok := qidoAttributes[name]; ok {
		return attr, true
	}
	if len(name) == 8 {
		if v, err := strconv.ParseUint(name, 16, 32); err == nil {
			tag := dimse.Tag{Group: uint16(v >> 16), Element: uint16(v)}
			for _, attr := range qidoAttributes {
				if attr.tag == tag {
					return attr, true
				}
			}
		}
	}
	return queryAttribute{}, false
}

func normalizeValue(attr queryAttribute, value string, policy WildcardPolicy) (string, error) {
	switch attr.kind {
	case "uid":
		if !strings.ContainsAny(value, "*?") && !dimse.IsValidUID(value) {
			return "", fmt.Errorf("invalid UID %q", value)
		}
		return value, nil
	case "date":
		return normalizeDate(value)
	case "time":
		return normalizeTime(value)
	}
	return applyWildcard(value, policy), nil
}

// applyWildcard appends `*` to bare match keys per the configured policy.
func applyWildcard(value string, policy WildcardPolicy) string {
	if !policy.AppendWildcard {
		return value
	}
	if strings.ContainsAny(value, "*?") {
		return value
	}
	if len(value) < policy.MinChars {
		return value
	}
	return value + "*"
}

// normalizeDate accepts YYYYMMDD, YYYY-MM-DD, and range forms of either,
// returning the DICOM DA encoding.
func normalizeDate(value string) (string, error) {
	if strings.Contains(value, "-") && !strings.HasPrefix(value, "-") && !strings.HasSuffix(value, "-") {
		// Could be an ISO date or an ISO range; DICOM ranges also use `-`.
		parts := strings.Split(value, "-")
		if len(parts) == 3 && len(parts[0]) == 4 {
			return normalizeDatePart(value)
		}
	}
	if i := rangeSeparator(value); i >= 0 {
		lo, err := normalizeDatePart(value[:i])
		if err != nil {
			return "", err
		}
		hi, err := normalizeDatePart(value[i+1:])
		if err != nil {
			return "", err
		}
		return lo + "-" + hi, nil
	}
	return normalizeDatePart(value)
}

// rangeSeparator finds the `-` that splits a DICOM range, skipping the case
// where the whole value is an ISO date and handling ISO-ISO ranges.
func rangeSeparator(value string) int {
	if len(value) == 10 && strings.Count(value, "-") == 2 {
		return -1
	}
	// "2024-01-01-2024-12-31"
	if len(value) == 21 && value[10] == '-' {
		return 10
	}
	return strings.IndexByte(value, '-')
}

func normalizeDatePart(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	v := strings.ReplaceAll(value, "-", "")
	if len(v) != 8 {
		return "", fmt.Errorf("invalid date %q", value)
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("invalid date %q", value)
		}
	}
	return v, nil
}

// normalizeTime accepts HHMMSS, HH:MM:SS, and truncated forms, returning the
// DICOM TM encoding.
func normalizeTime(value string) (string, error) {
	v := strings.ReplaceAll(value, ":", "")
	if dot := strings.IndexByte(v, '.'); dot >= 0 {
		v = v[:dot]
	}
	if len(v) != 2 && len(v) != 4 && len(v) != 6 {
		return "", fmt.Errorf("invalid time %q", value)
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("invalid time %q", value)
		}
	}
	return v, nil
}
