package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/auth"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/config"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/geofence"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/ids"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/jobs"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/retention"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/server"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/supervisor"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/tracking"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/users"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const httpShutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion API and periodic batch jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	bindLocalFlag(cmd, "http.address", "http-address")
	cmd.Flags().StringSlice("allowed-origins", nil, "Browser origins allowed to send credentialed requests")
	bindLocalFlag(cmd, "http.allowed_origins", "allowed-origins")
	return cmd
}

type serverServices struct {
	tracking  *tracking.Service
	geofences *geofence.Service
	pruner    *retention.Pruner
	members   *users.Service
}

func buildServerServices(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger, notifier geofence.Notifier) (serverServices, error) {
	trackingService, err := tracking.NewService(tracking.ServiceConfig{
		Database:                     db,
		Clock:                        time.Now,
		Logger:                       logger,
		DefaultUpdateIntervalSeconds: appConfig.DefaultInterval,
		MaxBatchSize:                 appConfig.MaxBatchSize,
	})
	if err != nil {
		return serverServices{}, err
	}
	geofenceService, err := geofence.NewService(geofence.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids.NewUUIDProvider(),
		Logger:     logger,
		Notifier:   notifier,
	})
	if err != nil {
		return serverServices{}, err
	}
	pruner, err := retention.NewPruner(retention.Config{
		Database:           db,
		Clock:              time.Now,
		Logger:             logger,
		DefaultHistoryDays: appConfig.HistoryRetentionDays,
		DefaultEventsDays:  appConfig.EventsRetentionDays,
	})
	if err != nil {
		return serverServices{}, err
	}
	memberService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return serverServices{}, err
	}
	return serverServices{
		tracking:  trackingService,
		geofences: geofenceService,
		pruner:    pruner,
		members:   memberService,
	}, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, db, closer, err := openServer()
	if err != nil {
		return err
	}
	defer closer()

	realtime := server.NewRealtimeDispatcher()
	services, err := buildServerServices(appConfig, db, logger, server.NewGeofenceNotifier(realtime))
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator:        sessionValidator,
		Members:                 services.members,
		TrackingService:         services.tracking,
		GeofenceService:         services.geofences,
		RetentionPruner:         services.pruner,
		Realtime:                realtime,
		IngestRequestsPerMinute: appConfig.IngestRequestsPerMin,
		AllowedOrigins:          appConfig.AllowedOrigins,
		Logger:                  logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.New("relatives-tracking", logger)
	tree.Add(supervisor.NewHTTPService("http-api", httpServer, httpShutdownTimeout))

	group := &singleflight.Group{}
	periodic := []jobs.Config{
		{
			Name:     "geofence-evaluation",
			Interval: appConfig.GeofenceInterval,
			Run:      geofenceRun(services.geofences, logger),
		},
		{
			Name:     "retention-prune",
			Interval: appConfig.RetentionInterval,
			Run:      pruneRun(services.pruner, logger),
		},
		{
			Name:     "session-cleanup",
			Interval: appConfig.SessionCleanupEvery,
			Run:      sessionCleanupRun(services.members, logger),
		},
	}
	for _, jobConfig := range periodic {
		jobConfig.Group = group
		jobConfig.Logger = logger
		job, err := jobs.NewPeriodicJob(jobConfig)
		if err != nil {
			return err
		}
		tree.Add(job)
	}

	signalCtx, stop := signalContext(ctx)
	defer stop()

	logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
	err = <-tree.ServeBackground(signalCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func geofenceRun(service *geofence.Service, logger *zap.Logger) jobs.RunFunc {
	return func(ctx context.Context) jobs.Result {
		summary, err := service.EvaluateAll(ctx)
		logger.Info("geofence evaluation finished",
			zap.Int("families", summary.Families),
			zap.Int("pairs", summary.Pairs),
			zap.Int("entered", summary.Entered),
			zap.Int("exited", summary.Exited))
		if err != nil {
			return jobs.Failed(err)
		}
		return jobs.Succeeded()
	}
}

func pruneRun(pruner *retention.Pruner, logger *zap.Logger) jobs.RunFunc {
	return func(ctx context.Context) jobs.Result {
		report, err := pruner.Run(ctx)
		if err != nil {
			return jobs.Failed(err)
		}
		logger.Info("retention prune finished",
			zap.Int("families", report.Families),
			zap.Int64("history_deleted", report.HistoryDeleted),
			zap.Int64("events_deleted", report.EventsDeleted))
		return jobs.Succeeded()
	}
}

func sessionCleanupRun(members *users.Service, logger *zap.Logger) jobs.RunFunc {
	return func(ctx context.Context) jobs.Result {
		removed, err := members.PurgeExpiredSessions(ctx)
		if err != nil {
			return jobs.Failed(err)
		}
		logger.Info("expired sessions purged", zap.Int64("removed", removed))
		return jobs.Succeeded()
	}
}
