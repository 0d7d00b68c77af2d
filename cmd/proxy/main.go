package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/pacsbin/dicomweb-proxy/internal/cache"
	"github.com/pacsbin/dicomweb-proxy/internal/config"
	"github.com/pacsbin/dicomweb-proxy/internal/gateway"
	"github.com/pacsbin/dicomweb-proxy/internal/handlers"
	"github.com/pacsbin/dicomweb-proxy/internal/metrics"
	"github.com/pacsbin/dicomweb-proxy/internal/middleware"
	"github.com/pacsbin/dicomweb-proxy/internal/qidocache"
	"github.com/pacsbin/dicomweb-proxy/internal/scp"
	"github.com/pacsbin/dicomweb-proxy/internal/tracker"
	"github.com/pacsbin/dicomweb-proxy/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().
		Str("proxy_mode", cfg.ProxyMode).
		Str("aet", cfg.DimseProxySettings.ProxyServer.AET).
		Msg("Starting DICOMweb proxy")

	// C-MOVE correlation tracker.
	tr := tracker.New()
	tr.PendingGauge = func(n int) { metrics.PendingMoves.Set(float64(n)) }
	defer tr.Close()

	// WADO file cache.
	var files *cache.FileCache
	if cfg.EnableCache {
		files, err = cache.New(cache.Options{
			Root:     cfg.StoragePath,
			TTL:      cfg.Retention(),
			MaxBytes: cfg.MaxCacheSizeBytes(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open file cache")
		}
		defer files.Close()
		log.Info().Str("root", cfg.StoragePath).Msg("File cache initialized")
	} else {
		log.Info().Msg("File cache disabled")
	}

	// QIDO metadata cache.
	qido, err := qidocache.New(cfg.QidoCache)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize QIDO cache")
	}
	if qido != nil {
		defer qido.Close()
		log.Info().Str("type", cfg.QidoCache.Type).Msg("QIDO cache initialized")
	}

	svc := gateway.New(cfg, tr, files, qido)

	// Inbound DIMSE endpoint for C-MOVE sub-operations.
	scpServer := scp.New(cfg.DimseProxySettings.ProxyServer.AET, cfg.PeerAETs(), tr)
	scpServer.OnStore = func(status uint16) {
		metrics.StoresReceived.WithLabelValues(fmt.Sprintf("0x%04x", status)).Inc()
	}
	scpAddr := fmt.Sprintf(":%d", cfg.DimseProxySettings.ProxyServer.Port)
	if err := scpServer.Listen(scpAddr); err != nil {
		log.Fatal().Err(err).Msg("Failed to bind DIMSE port")
	}
	go func() {
		if err := scpServer.Serve(); err != nil {
			log.Error().Err(err).Msg("DIMSE SCP stopped")
		}
	}()

	healthHandler := handlers.NewHealthHandler(svc, cfg)
	dicomwebHandler := handlers.NewDICOMWebHandler(svc)
	managementHandler := handlers.NewManagementHandler(svc)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.Origins(),
		AllowedMethods:   cfg.CORS.MethodList(),
		AllowedHeaders:   cfg.CORS.HeaderList(),
		ExposedHeaders:   []string{"Content-Length", "Content-Type", "X-Cache"},
		AllowCredentials: cfg.CORS.Credentials,
		MaxAge:           300,
	}))

	r.Get("/ping", healthHandler.Ping)
	r.Get("/status", healthHandler.Status)
	r.Handle("/metrics", promhttp.Handler())

	// QIDO-RS
	r.Get("/studies", dicomwebHandler.SearchStudies)
	r.Get("/studies/{studyUID}/series", dicomwebHandler.SearchSeries)
	r.Get("/studies/{studyUID}/series/{seriesUID}/instances", dicomwebHandler.SearchInstances)

	// WADO-RS
	r.Get("/studies/{studyUID}", dicomwebHandler.RetrieveStudy)
	r.Get("/studies/{studyUID}/series/{seriesUID}", dicomwebHandler.RetrieveSeries)
	r.Get("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}", dicomwebHandler.RetrieveInstance)

	// Management
	r.Post("/dimse/echo", managementHandler.Echo)
	r.Get("/cache/status", managementHandler.CacheStatus)
	r.Post("/cache/validate", managementHandler.CacheValidate)
	r.Post("/cache/clear", managementHandler.CacheClear)

	addr := fmt.Sprintf(":%d", cfg.WebserverPort)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// WADO responses for large studies stream for a while.
		WriteTimeout: 10 * time.Minute,
	}

	go func() {
		var err error
		if cfg.SSL.Enabled && cfg.SSL.CertPath != "" && cfg.SSL.KeyPath != "" {
			srv.Addr = fmt.Sprintf(":%d", cfg.SSL.Port)
			log.Info().Str("addr", srv.Addr).Msg("HTTPS server starting")
			err = srv.ListenAndServeTLS(cfg.SSL.CertPath, cfg.SSL.KeyPath)
		} else {
			log.Info().Str("addr", addr).Msg("HTTP server starting")
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	if err := scpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("DIMSE SCP forced to shutdown")
	}
	log.Info().Msg("Stopped")
}
