package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts handled DICOMweb requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomweb_proxy_http_requests_total",
		Help: "DICOMweb requests by route and status code.",
	}, []string{"route", "status"})

	// CacheHits and CacheMisses count WADO file cache lookups.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomweb_proxy_cache_hits_total",
		Help: "WADO requests served from the file cache.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomweb_proxy_cache_misses_total",
		Help: "WADO requests that required a PACS retrieve.",
	})

	// DimseOperations counts SCU operations by verb and outcome.
	DimseOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomweb_proxy_dimse_operations_total",
		Help: "Outbound DIMSE operations by verb and outcome.",
	}, []string{"verb", "outcome"})

	// StoresReceived counts inbound C-STORE sub-operations by response status.
	StoresReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomweb_proxy_stores_received_total",
		Help: "Inbound C-STORE sub-operations by response status.",
	}, []string{"status"})

	// PendingMoves tracks in-flight C-MOVE retrieves.
	PendingMoves = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dicomweb_proxy_pending_moves",
		Help: "C-MOVE retrieves awaiting their C-STORE stream.",
	})
)
