package dicomweb

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pacsbin/dicomweb-proxy/pkg/dimse"
)

// JSONElement is the DICOMweb JSON form of one data element.
type JSONElement struct {
	VR    string        `json:"vr"`
	Value []interface{} `json:"Value,omitempty"`
}

// JSONDataset maps 8-hex-digit tags to elements.
type JSONDataset map[string]JSONElement

// DatasetToJSON renders a query result dataset in the DICOMweb JSON model.
// Sequences and elements that fail to render are stripped with a log line;
// metadata responses are best-effort. Private (odd-group) elements pass
// through untouched.
func DatasetToJSON(ds *dimse.Dataset) JSONDataset {
	out := make(JSONDataset, ds.Len())
	for _, e := range ds.Elements() {
		if e.VR == "SQ" {
			log.Debug().Str("tag", e.Tag.String()).Msg("Stripping sequence element from JSON response")
			continue
		}
		je, ok := renderElement(e)
		if !ok {
			log.Debug().Str("tag", e.Tag.String()).Str("vr", e.VR).Msg("Stripping unrenderable element from JSON response")
			continue
		}
		out[e.Tag.Hex()] = je
	}
	return out
}

func renderElement(e *dimse.Element) (JSONElement, bool) {
	je := JSONElement{VR: e.VR}
	if len(e.Value) == 0 {
		return je, true
	}

	switch e.VR {
	case "PN":
		for _, s := range e.Strings() {
			je.Value = append(je.Value, map[string]string{"Alphabetic": s})
		}
	case "IS":
		for _, s := range e.Strings() {
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return je, false
			}
			je.Value = append(je.Value, n)
		}
	case "DS":
		for _, s := range e.Strings() {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return je, false
			}
			je.Value = append(je.Value, f)
		}
	case "OB", "OW", "UN":
		// Bulk binary has no place in a QIDO response.
		return je, false
	default:
		for _, s := range e.Strings() {
			je.Value = append(je.Value, s)
		}
	}
	return je, true
}
