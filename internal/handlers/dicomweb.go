package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pacsbin/dicomweb-proxy/internal/dicomweb"
	"github.com/pacsbin/dicomweb-proxy/internal/gateway"
	"github.com/pacsbin/dicomweb-proxy/internal/metrics"
	"github.com/pacsbin/dicomweb-proxy/internal/scu"
	"github.com/pacsbin/dicomweb-proxy/pkg/dimse"
)

// DICOMWebHandler serves the QIDO-RS and WADO-RS routes.
type DICOMWebHandler struct {
	svc *gateway.Service
}

func NewDICOMWebHandler(svc *gateway.Service) *DICOMWebHandler {
	return &DICOMWebHandler{svc: svc}
}

// errorBody is the JSON error envelope for every non-2xx response.
type errorBody struct {
	Error      string    `json:"error"`
	StatusCode int       `json:"statusCode"`
	Timestamp  time.Time `json:"timestamp"`
}

func writeError(w http.ResponseWriter, route string, code int, msg string) {
	metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorBody{Error: msg, StatusCode: code, Timestamp: time.Now().UTC()})
}

// httpStatusFor maps service errors to HTTP status codes.
func httpStatusFor(err error) int {
	var (
		dimseErr *scu.DimseStatusError
		rejErr   *dimse.AssociateRejectedError
	)
	switch {
	case errors.Is(err, gateway.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNoInstances):
		return http.StatusNotFound
	case errors.Is(err, scu.ErrRetrieveTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &rejErr):
		// The PACS refused the association outright.
		return http.StatusBadGateway
	case errors.As(err, &dimseErr):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// invalidPathUID names the first malformed path UID, or returns "" when all
// are valid. Empty narrower UIDs are allowed.
func invalidPathUID(studyUID, seriesUID, instanceUID string) string {
	switch {
	case studyUID != "" && !dimse.IsValidUID(studyUID):
		return "Invalid StudyInstanceUID"
	case seriesUID != "" && !dimse.IsValidUID(seriesUID):
		return "Invalid SeriesInstanceUID"
	case instanceUID != "" && !dimse.IsValidUID(instanceUID):
		return "Invalid SOPInstanceUID"
	}
	return ""
}

// paginate applies QIDO limit/offset client-side; the PACS has already
// returned the full match list.
func paginate(results []dicomweb.JSONDataset, r *http.Request) []dicomweb.JSONDataset {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset > 0 {
		if offset >= len(results) {
			return results[:0]
		}
		results = results[offset:]
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit >= 0 && limit < len(results) {
			results = results[:limit]
		}
	}
	return results
}

func (h *DICOMWebHandler) writeQIDO(w http.ResponseWriter, r *http.Request, route string, results []dicomweb.JSONDataset, err error) {
	if err != nil {
		code := httpStatusFor(err)
		log.Error().Err(err).Str("route", route).Msg("QIDO query failed")
		writeError(w, route, code, err.Error())
		return
	}
	results = paginate(results, r)
	if results == nil {
		results = []dicomweb.JSONDataset{}
	}

	metrics.HTTPRequests.WithLabelValues(route, "200").Inc()
	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(results)
}

// SearchStudies handles GET /studies.
func (h *DICOMWebHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	results, err := h.svc.SearchStudies(r.Context(), r.URL.Query())
	h.writeQIDO(w, r, "qido_studies", results, err)
}

// SearchSeries handles GET /studies/{studyUID}/series.
func (h *DICOMWebHandler) SearchSeries(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	if msg := invalidPathUID(studyUID, "", ""); msg != "" {
		writeError(w, "qido_series", http.StatusBadRequest, msg)
		return
	}
	results, err := h.svc.SearchSeries(r.Context(), studyUID, r.URL.Query())
	h.writeQIDO(w, r, "qido_series", results, err)
}

// SearchInstances handles GET /studies/{studyUID}/series/{seriesUID}/instances.
func (h *DICOMWebHandler) SearchInstances(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")
	if msg := invalidPathUID(studyUID, seriesUID, ""); msg != "" {
		writeError(w, "qido_instances", http.StatusBadRequest, msg)
		return
	}
	results, err := h.svc.SearchInstances(r.Context(), studyUID, seriesUID, r.URL.Query())
	h.writeQIDO(w, r, "qido_instances", results, err)
}

// RetrieveStudy handles GET /studies/{studyUID}.
func (h *DICOMWebHandler) RetrieveStudy(w http.ResponseWriter, r *http.Request) {
	h.retrieve(w, r, "wado_study", chi.URLParam(r, "studyUID"), "", "")
}

// RetrieveSeries handles GET /studies/{studyUID}/series/{seriesUID}.
func (h *DICOMWebHandler) RetrieveSeries(w http.ResponseWriter, r *http.Request) {
	h.retrieve(w, r, "wado_series", chi.URLParam(r, "studyUID"), chi.URLParam(r, "seriesUID"), "")
}

// RetrieveInstance handles GET /studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}.
func (h *DICOMWebHandler) RetrieveInstance(w http.ResponseWriter, r *http.Request) {
	h.retrieve(w, r, "wado_instance",
		chi.URLParam(r, "studyUID"), chi.URLParam(r, "seriesUID"), chi.URLParam(r, "instanceUID"))
}

func (h *DICOMWebHandler) retrieve(w http.ResponseWriter, r *http.Request, route, studyUID, seriesUID, instanceUID string) {
	if studyUID == "" {
		writeError(w, route, http.StatusBadRequest, "Invalid StudyInstanceUID")
		return
	}
	if msg := invalidPathUID(studyUID, seriesUID, instanceUID); msg != "" {
		writeError(w, route, http.StatusBadRequest, msg)
		return
	}

	files, cacheHit, err := h.svc.Retrieve(r.Context(), studyUID, seriesUID, instanceUID)
	if err != nil {
		code := httpStatusFor(err)
		if code == http.StatusNotFound {
			writeError(w, route, code, "no matching instances")
			return
		}
		log.Error().Err(err).
			Str("study_uid", studyUID).
			Str("series_uid", seriesUID).
			Str("instance_uid", instanceUID).
			Msg("WADO retrieve failed")
		writeError(w, route, code, err.Error())
		return
	}

	xcache := "MISS"
	if cacheHit {
		xcache = "HIT"
	}
	w.Header().Set("X-Cache", xcache)
	metrics.HTTPRequests.WithLabelValues(route, "200").Inc()

	// A single instance goes out bare; studies and series as multipart.
	if instanceUID != "" && len(files) == 1 {
		w.Header().Set("Content-Type", "application/dicom")
		w.Header().Set("Content-Length", strconv.Itoa(len(files[0].Data)))
		w.Write(files[0].Data)
		return
	}

	boundary := dicomweb.NewBoundary()
	w.Header().Set("Content-Type", dicomweb.MultipartContentType(boundary))
	parts := make([][]byte, 0, len(files))
	for _, f := range files {
		parts = append(parts, f.Data)
	}
	if err := dicomweb.WriteMultipart(w, boundary, parts); err != nil {
		log.Debug().Err(err).Msg("Client went away during multipart response")
	}
}
