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
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lamyj/dopamine/internal/authz"
	"github.com/lamyj/dopamine/internal/cache"
	"github.com/lamyj/dopamine/internal/config"
	"github.com/lamyj/dopamine/internal/database"
	"github.com/lamyj/dopamine/internal/handlers"
	"github.com/lamyj/dopamine/internal/middleware"
	"github.com/lamyj/dopamine/internal/repository"
	"github.com/lamyj/dopamine/internal/server"
	"github.com/lamyj/dopamine/internal/services"
	"github.com/lamyj/dopamine/internal/store"
	"github.com/lamyj/dopamine/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the DIMSE and HTTP servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format, logger.FileOutput{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	log.Info().Str("version", version).Msg("Starting dopamine")

	if err := database.Connect(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
	}); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to MongoDB: %w", err)
	}
	defer mongoClient.Disconnect(context.Background())

	collection := mongoClient.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
	documents := store.NewMongoStore(collection)
	if err := documents.EnsureIndexes(context.Background()); err != nil {
		return fmt.Errorf("ensuring indexes: %w", err)
	}

	if cfg.Cache.Enabled {
		var cacheImpl cache.Cache
		if cfg.Cache.Type == "redis" {
			addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			cacheImpl, err = cache.NewRedisCache(addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return fmt.Errorf("connecting to Redis: %w", err)
			}
			log.Info().Str("addr", addr).Msg("Redis cache initialized")
		} else {
			cacheImpl = cache.NewMemoryCache()
			log.Info().Msg("Memory cache initialized")
		}
		defer cacheImpl.Close()
		documents = store.NewCachedStore(documents, cacheImpl, cfg.Cache.TTL)
	}

	files := &store.FileStore{Root: cfg.Storage.Root}
	auth := buildAuthorizer(cfg.DICOM.AllowedAETs)

	destinationRepo := repository.NewDestinationRepository()
	auditRepo := repository.NewAuditRepository()

	dicomServer := &server.Server{
		AETitle:      cfg.DICOM.AETitle,
		MaxPDULength: uint32(cfg.DICOM.MaxPDULength),
		IdleTimeout:  cfg.DICOM.IdleTimeout,
		Authorizer:   auth,
		Echo:         &services.EchoService{Authorizer: auth, Audit: auditRepo},
		Store:        &services.StoreService{Store: documents, Files: files, Authorizer: auth, Audit: auditRepo},
		Find:         &services.FindService{Store: documents, Authorizer: auth, Audit: auditRepo},
		Move: &services.MoveService{
			Store: documents, Files: files, Authorizer: auth, Audit: auditRepo,
			Resolver: destinationRepo, LocalAET: cfg.DICOM.AETitle,
		},
		Get: &services.GetService{Store: documents, Files: files, Authorizer: auth, Audit: auditRepo},
	}

	dicomAddr := fmt.Sprintf("%s:%d", cfg.DICOM.Host, cfg.DICOM.Port)
	go func() {
		if err := dicomServer.ListenAndServe(dicomAddr); err != nil {
			log.Fatal().Err(err).Msg("DICOM server failed")
		}
	}()

	healthHandler := handlers.NewHealthHandler(mongoClient)
	dicomwebHandler := handlers.NewDICOMWebHandler(documents, files, auth)
	managementHandler := handlers.NewManagementHandler(destinationRepo, cfg.DICOM.AETitle)
	defer managementHandler.Close()

	router := buildRouter(cfg, healthHandler, dicomwebHandler, managementHandler)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Info().Str("addr", httpAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shut down")
	}
	if err := dicomServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("DICOM server forced to shut down")
	}

	log.Info().Msg("Stopped")
	return nil
}

func buildAuthorizer(allowed map[string][]string) authz.Authorizer {
	if len(allowed) == 0 {
		return authz.AllowAll{}
	}
	rules := make(map[string]authz.Rule, len(allowed))
	for aeTitle, names := range allowed {
		rule := authz.Rule{}
		for _, name := range names {
			rule.Services = append(rule.Services, authz.Service(name))
		}
		rules[aeTitle] = rule
	}
	return authz.NewAETitleList(rules)
}

func buildRouter(cfg *config.Config, health *handlers.HealthHandler, web *handlers.DICOMWebHandler, management *handlers.ManagementHandler) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/dicom-web", func(r chi.Router) {
		r.Use(middleware.CallerIdentity)

		r.Get("/studies", web.SearchStudies)
		r.Get("/studies/{studyUID}/series", web.SearchSeries)
		r.Get("/studies/{studyUID}/series/{seriesUID}/instances", web.SearchInstances)

		r.Get("/studies/{studyUID}/metadata", web.GetStudyMetadata)
		r.Get("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}", web.RetrieveInstance)
	})

	r.Route("/api/v1/destinations", func(r chi.Router) {
		r.Post("/", management.CreateDestination)
		r.Get("/", management.ListDestinations)
		r.Get("/{id}", management.GetDestination)
		r.Put("/{id}", management.UpdateDestination)
		r.Delete("/{id}", management.DeleteDestination)
		r.Post("/{id}/echo", management.ProbeDestination)
		r.Post("/test", management.TestDestination)
	})

	return r
}
