package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/pacsbin/dicomweb-proxy/internal/cache"
	"github.com/pacsbin/dicomweb-proxy/internal/config"
	"github.com/pacsbin/dicomweb-proxy/internal/dicomweb"
	"github.com/pacsbin/dicomweb-proxy/internal/metrics"
	"github.com/pacsbin/dicomweb-proxy/internal/qidocache"
	"github.com/pacsbin/dicomweb-proxy/internal/scu"
	"github.com/pacsbin/dicomweb-proxy/internal/tracker"
	"github.com/pacsbin/dicomweb-proxy/pkg/dimse"
)

// ErrInvalidQuery marks client-side query errors (bad parameters, bad UIDs).
var ErrInvalidQuery = errors.New("invalid query")

// ErrNoInstances is returned when a retrieve completes with zero instances.
var ErrNoInstances = errors.New("no instances returned")

// Service orchestrates the DIMSE clients, the correlation tracker, and both
// caches behind the HTTP handlers.
type Service struct {
	cfg     *config.Config
	clients []*scu.Client
	tracker *tracker.Tracker
	files   *cache.FileCache
	qido    qidocache.Cache
	sem     *semaphore.Weighted
}

// New wires the service. files and qido may be nil when the respective cache
// is disabled.
func New(cfg *config.Config, tr *tracker.Tracker, files *cache.FileCache, qido qidocache.Cache) *Service {
	clients := make([]*scu.Client, 0, len(cfg.DimseProxySettings.Peers))
	for _, peer := range cfg.DimseProxySettings.Peers {
		clients = append(clients, scu.New(peer, cfg.DimseProxySettings.ProxyServer.AET, cfg.UseCget))
	}
	return &Service{
		cfg:     cfg,
		clients: clients,
		tracker: tr,
		files:   files,
		qido:    qido,
		sem:     semaphore.NewWeighted(int64(cfg.MaxAssociations)),
	}
}

// primary returns the default SCU target.
func (s *Service) primary() *scu.Client {
	return s.clients[0]
}

// Echo verifies connectivity to the peer at index.
func (s *Service) Echo(ctx context.Context, peerIndex int) (time.Duration, config.Peer, error) {
	if peerIndex < 0 || peerIndex >= len(s.clients) {
		return 0, config.Peer{}, fmt.Errorf("%w: peer index %d out of range", ErrInvalidQuery, peerIndex)
	}
	client := s.clients[peerIndex]

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return 0, client.Peer(), err
	}
	defer s.sem.Release(1)

	rtt, err := client.Echo(ctx)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.DimseOperations.WithLabelValues("c-echo", outcome).Inc()
	return rtt, client.Peer(), err
}

// SearchParams carries a QIDO query through the service.
type SearchParams = map[string][]string

func (s *Service) wildcardPolicy() dicomweb.WildcardPolicy {
	return dicomweb.WildcardPolicy{
		AppendWildcard: s.cfg.QidoAppendWildcard,
		MinChars:       s.cfg.QidoMinChars,
	}
}

// SearchStudies runs a study-level QIDO query.
func (s *Service) SearchStudies(ctx context.Context, params SearchParams) ([]dicomweb.JSONDataset, error) {
	return s.search(ctx, dicomweb.LevelStudy, "", "", params)
}

// SearchSeries runs a series-level QIDO query scoped to a study.
func (s *Service) SearchSeries(ctx context.Context, studyUID string, params SearchParams) ([]dicomweb.JSONDataset, error) {
	return s.search(ctx, dicomweb.LevelSeries, studyUID, "", params)
}

// SearchInstances runs an instance-level QIDO query scoped to a series.
func (s *Service) SearchInstances(ctx context.Context, studyUID, seriesUID string, params SearchParams) ([]dicomweb.JSONDataset, error) {
	return s.search(ctx, dicomweb.LevelInstance, studyUID, seriesUID, params)
}

func (s *Service) search(ctx context.Context, level dicomweb.QueryLevel, studyUID, seriesUID string, params SearchParams) ([]dicomweb.JSONDataset, error) {
	key := qidocache.Key(string(level), []string{studyUID, seriesUID}, params)
	if s.qido != nil {
		if raw, err := s.qido.Get(ctx, key); err == nil {
			var cached []dicomweb.JSONDataset
			if json.Unmarshal(raw, &cached) == nil {
				return cached, nil
			}
		}
	}

	query, err := dicomweb.BuildQuery(level, studyUID, seriesUID, params, s.wildcardPolicy())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	matches, err := s.primary().Find(ctx, query)
	s.sem.Release(1)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.DimseOperations.WithLabelValues("c-find", outcome).Inc()
	if err != nil {
		return nil, err
	}

	out := make([]dicomweb.JSONDataset, 0, len(matches))
	for _, m := range matches {
		out = append(out, dicomweb.DatasetToJSON(m))
	}

	if s.qido != nil {
		if raw, err := json.Marshal(out); err == nil {
			if err := s.qido.Set(ctx, key, raw, s.cfg.QidoCache.TTL()); err != nil {
				log.Warn().Err(err).Msg("Failed to populate QIDO cache")
			}
		}
	}
	return out, nil
}

// Retrieve fetches the instances of the requested scope as Part-10 files,
// serving from the cache when the scope is completely cached. cacheHit
// reports where the bytes came from.
func (s *Service) Retrieve(ctx context.Context, studyUID, seriesUID, instanceUID string) (files []cache.File, cacheHit bool, err error) {
	scope := mostSpecific(studyUID, seriesUID, instanceUID)

	if s.files != nil {
		if cached, err := s.files.Retrieve(scope); err == nil {
			metrics.CacheHits.Inc()
			return cached, true, nil
		}
		metrics.CacheMisses.Inc()
	}

	fetchStudy, fetchSeries, fetchInstance := s.widen(studyUID, seriesUID, instanceUID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, false, err
	}
	res, err := s.primary().Retrieve(ctx, s.tracker, fetchStudy, fetchSeries, fetchInstance)
	s.sem.Release(1)

	verb := "c-move"
	if s.cfg.UseCget {
		verb = "c-get"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.DimseOperations.WithLabelValues(verb, outcome).Inc()
	if err != nil {
		return nil, false, err
	}
	if len(res.Instances) == 0 {
		return nil, false, ErrNoInstances
	}
	if res.Failed > 0 {
		log.Warn().
			Int("failed", res.Failed).
			Int("completed", res.Completed).
			Str("study_uid", fetchStudy).
			Msg("Retrieve completed with failed sub-operations")
	}

	files, err = s.packageAndCache(res.Instances, fetchStudy, fetchSeries, fetchInstance, seriesUID, instanceUID)
	if err != nil {
		return nil, false, err
	}
	if len(files) == 0 {
		return nil, false, ErrNoInstances
	}
	return files, false, nil
}

// widen raises the fetch scope to the configured level so one retrieve warms
// the cache for subsequent narrower requests. The fetch level only ever
// widens; a study request is never narrowed.
func (s *Service) widen(studyUID, seriesUID, instanceUID string) (string, string, string) {
	switch s.cfg.UseFetchLevel {
	case "STUDY":
		return studyUID, "", ""
	case "SERIES":
		return studyUID, seriesUID, ""
	}
	return studyUID, seriesUID, instanceUID
}

// packageAndCache serializes each instance to Part-10, stores everything
// fetched, registers the fetched scope, and returns only the files the
// caller asked for.
func (s *Service) packageAndCache(instances []tracker.Instance, fetchStudy, fetchSeries, fetchInstance, wantSeries, wantInstance string) ([]cache.File, error) {
	fetchScope := mostSpecific(fetchStudy, fetchSeries, fetchInstance)
	var (
		out      []cache.File
		allUIDs  []string
		wantUIDs []string
	)

	for _, inst := range instances {
		seriesUID := fetchSeries
		sopUID := inst.SOPInstanceUID
		if parsed, err := dimse.ParseDataset(inst.Data, inst.TransferSyntax); err == nil {
			if v := parsed.GetString(dimse.TagSeriesInstanceUID); v != "" {
				seriesUID = v
			}
			if sopUID == "" {
				sopUID = parsed.GetString(dimse.TagSOPInstanceUID)
			}
		}
		if sopUID == "" {
			log.Warn().Msg("Dropping stored instance without a SOP instance UID")
			continue
		}

		part10, err := dicomweb.WritePart10(inst.Data, inst.SOPClassUID, sopUID, inst.TransferSyntax)
		if err != nil {
			log.Warn().Err(err).Str("sop_uid", sopUID).Msg("Failed to serialize instance")
			continue
		}

		if s.files != nil {
			if err := s.files.Store(fetchStudy, seriesUID, sopUID, part10, inst.TransferSyntax); err != nil {
				log.Warn().Err(err).Str("sop_uid", sopUID).Msg("Failed to cache instance")
			}
		}
		allUIDs = append(allUIDs, sopUID)

		if wantInstance != "" && sopUID != wantInstance {
			continue
		}
		if wantSeries != "" && seriesUID != wantSeries && wantInstance == "" {
			continue
		}
		wantUIDs = append(wantUIDs, sopUID)
		out = append(out, cache.File{InstanceUID: sopUID, TransferSyntax: inst.TransferSyntax, Data: part10})
	}

	if s.files != nil && len(allUIDs) > 0 {
		s.files.RegisterScope(fetchScope, allUIDs)
		// The requested scope may be narrower than what was fetched.
		if wantScope := mostSpecific(fetchStudy, wantSeries, wantInstance); wantScope != fetchScope && len(wantUIDs) > 0 {
			s.files.RegisterScope(wantScope, wantUIDs)
		}
	}
	return out, nil
}

func mostSpecific(studyUID, seriesUID, instanceUID string) string {
	if instanceUID != "" {
		return instanceUID
	}
	if seriesUID != "" {
		return seriesUID
	}
	return studyUID
}

// CacheStats exposes file cache totals for the status endpoints.
func (s *Service) CacheStats() cache.Stats {
	if s.files == nil {
		return cache.Stats{}
	}
	return s.files.Stats()
}

// ValidateCache reconciles the file cache index with the filesystem.
func (s *Service) ValidateCache() int {
	if s.files == nil {
		return 0
	}
	return s.files.Validate()
}

// ClearCache drops every cached instance and the QIDO cache.
func (s *Service) ClearCache(ctx context.Context) int {
	n := 0
	if s.files != nil {
		n = s.files.Clear()
	}
	if s.qido != nil {
		if err := s.qido.Clear(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to clear QIDO cache")
		}
	}
	return n
}

// PendingMoves reports the number of in-flight C-MOVE retrieves.
func (s *Service) PendingMoves() int {
	return s.tracker.Pending()
}

// Peers lists the configured PACS peers.
func (s *Service) Peers() []config.Peer {
	return s.cfg.DimseProxySettings.Peers
}

// CacheEnabled reports whether the file cache is active.
func (s *Service) CacheEnabled() bool {
	return s.files != nil
}
