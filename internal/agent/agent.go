// Package agent wires the device-side tracking pipeline: fix source, sampler,
// sample queue, upload worker and resilience supervisor, under one suture tree.
package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/fixes"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/prefs"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/queue"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/resilience"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/sampler"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/uploader"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/config"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/ids"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/jobs"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/supervisor"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	uploadJobName   = "upload-samples"
	livenessJobName = "liveness-check"
	resumeTimeout   = 30 * time.Second
)

var (
	errMissingDatabase = errors.New("agent: database handle is required")
	errMissingFixInput = errors.New("agent: fix input is required")
)

// Config describes the dependencies of the agent.
type Config struct {
	Settings   config.AgentConfig
	Database   *gorm.DB
	FixInput   io.Reader
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Agent owns the supervised pipeline. Upload and liveness jobs run only while
// tracking is started; the sampler, fix source and control API always run.
type Agent struct {
	settings   config.AgentConfig
	logger     *zap.Logger
	tree       *suture.Supervisor
	prefs      *prefs.GormStore
	queue      *queue.Store
	source     *fixes.StreamSource
	sampler    *sampler.Sampler
	worker     *uploader.Worker
	client     *uploader.Client
	resilience *resilience.Supervisor
	uploadJob  *jobs.PeriodicJob
	liveness   *jobs.PeriodicJob

	mu             sync.Mutex
	uploadToken    *suture.ServiceToken
	livenessToken  *suture.ServiceToken
	controlHandler http.Handler
}

// New assembles the agent without starting it.
func New(cfg Config) (*Agent, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.FixInput == nil {
		return nil, errMissingFixInput
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := cfg.Settings

	agent := &Agent{
		settings: settings,
		logger:   logger,
		tree:     supervisor.New("tracking-agent", logger),
	}

	var err error
	defaults := prefs.Defaults()
	if settings.DefaultInterval > 0 {
		defaults.UpdateIntervalSeconds = settings.DefaultInterval
	}
	defaults.AuthCredentialsPresent = settings.AuthToken != ""
	if agent.prefs, err = prefs.NewGormStore(cfg.Database, defaults, clock); err != nil {
		return nil, err
	}
	if agent.queue, err = queue.NewStore(queue.StoreConfig{Database: cfg.Database, Clock: clock}); err != nil {
		return nil, err
	}

	agent.source = fixes.NewStreamSource(cfg.FixInput, clock, logger.Named("fixes"))
	if agent.sampler, err = sampler.New(sampler.Config{
		Queue:                 agent.queue,
		Preferences:           agent.prefs,
		Source:                agent.source,
		IDProvider:            ids.NewUUIDProvider(),
		Listener:              agent,
		ViewerIntervalSeconds: settings.ViewerInterval,
		Logger:                logger.Named("sampler"),
	}); err != nil {
		return nil, err
	}

	token := settings.AuthToken
	if agent.client, err = uploader.NewClient(uploader.ClientConfig{
		BaseURL:    settings.ServerURL,
		Token:      func() string { return token },
		HTTPClient: cfg.HTTPClient,
		Timeout:    settings.HTTPTimeout,
		Logger:     logger.Named("upload-client"),
	}); err != nil {
		return nil, err
	}

	if agent.resilience, err = resilience.New(resilience.Config{
		Preferences: agent.prefs,
		Pipeline:    agent,
		Credentials: agent.client,
		StaleAfter:  settings.StaleAfter,
		Clock:       clock,
		Logger:      logger.Named("resilience"),
	}); err != nil {
		return nil, err
	}

	if agent.worker, err = uploader.NewWorker(uploader.WorkerConfig{
		Queue:         agent.queue,
		Preferences:   agent.prefs,
		Client:        agent.client,
		BatchSize:     settings.BatchSize,
		Refresh:       agent.sampler.Refresh,
		OnAuthFailure: agent.resilience.HandleAuthFailure,
		OnBacklog:     agent.TriggerUpload,
		Clock:         clock,
		Logger:        logger.Named("uploader"),
	}); err != nil {
		return nil, err
	}

	group := &singleflight.Group{}
	if agent.uploadJob, err = jobs.NewPeriodicJob(jobs.Config{
		Name:       uploadJobName,
		Interval:   settings.UploadInterval,
		RunOnStart: true,
		Run:        agent.worker.Run,
		Group:      group,
		Logger:     logger,
	}); err != nil {
		return nil, err
	}
	if agent.liveness, err = jobs.NewPeriodicJob(jobs.Config{
		Name:     livenessJobName,
		Interval: settings.LivenessInterval,
		Flex:     settings.LivenessFlex,
		Run:      agent.resilience.CheckLiveness,
		Group:    group,
		Logger:   logger,
	}); err != nil {
		return nil, err
	}

	agent.controlHandler = newControlHandler(agent)
	agent.tree.Add(agent.source)
	agent.tree.Add(agent.sampler)
	return agent, nil
}

// ControlHandler exposes the local command, signal and status API.
func (a *Agent) ControlHandler() http.Handler {
	return a.controlHandler
}

// Serve runs the agent until ctx ends. The control API listens on the
// configured address when it is not empty.
func (a *Agent) Serve(ctx context.Context) error {
	if a.settings.ControlAddress != "" {
		a.tree.Add(supervisor.NewHTTPService("control-api", &http.Server{
			Addr:              a.settings.ControlAddress,
			Handler:           a.controlHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}, 0))
	}

	errCh := a.tree.ServeBackground(ctx)
	if _, err := a.resilience.ResumeIfEligible(ctx, resilience.TriggerProcessRestart); err != nil {
		a.logger.Warn("startup resume failed", zap.Error(err))
	}
	err := <-errCh
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Sampler exposes the sampler for callers driving it directly.
func (a *Agent) Sampler() *sampler.Sampler {
	return a.sampler
}

// Resilience exposes the resilience supervisor.
func (a *Agent) Resilience() *resilience.Supervisor {
	return a.resilience
}

// Resume starts sampling and, through TrackingStarted, the upload and liveness
// jobs, unless the preferences forbid a restart by the time the sampler applies
// it. Resuming a running pipeline changes nothing.
func (a *Agent) Resume(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, resumeTimeout)
	defer cancel()
	return a.sampler.ResumeIfPermitted(ctx)
}

// HaltUploads removes the upload job. Liveness keeps running so credentials
// can be revalidated.
func (a *Agent) HaltUploads() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeLocked(&a.uploadToken, uploadJobName)
}

// TriggerUpload asks the upload job for an immediate run when it is active.
func (a *Agent) TriggerUpload() {
	a.mu.Lock()
	active := a.uploadToken != nil
	a.mu.Unlock()
	if active {
		a.uploadJob.Trigger()
	}
}

// TrackingStarted activates the upload and liveness jobs.
func (a *Agent) TrackingStarted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.uploadToken == nil {
		token := a.tree.Add(a.uploadJob)
		a.uploadToken = &token
		a.logger.Info("upload job activated")
	}
	if a.livenessToken == nil {
		token := a.tree.Add(a.liveness)
		a.livenessToken = &token
		a.logger.Info("liveness check activated")
	}
}

// TrackingStopped deactivates the upload and liveness jobs. An upload in
// flight is allowed to finish.
func (a *Agent) TrackingStopped() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeLocked(&a.uploadToken, uploadJobName)
	a.removeLocked(&a.livenessToken, livenessJobName)
}

func (a *Agent) removeLocked(token **suture.ServiceToken, name string) {
	if *token == nil {
		return
	}
	if err := a.tree.Remove(**token); err != nil {
		a.logger.Warn("job removal failed", zap.String("job", name), zap.Error(err))
	}
	*token = nil
	a.logger.Info("job deactivated", zap.String("job", name))
}

// Snapshot is the agent status served by the control API.
type Snapshot struct {
	Sampler         sampler.Status    `json:"sampler"`
	Preferences     prefs.Preferences `json:"preferences"`
	PendingSamples  int64             `json:"pending_samples"`
	UploadsActive   bool              `json:"uploads_active"`
	LivenessActive  bool              `json:"liveness_active"`
	RestartEligible bool              `json:"restart_eligible"`
}

// Snapshot gathers the current status.
func (a *Agent) Snapshot(ctx context.Context) (Snapshot, error) {
	stored, err := a.prefs.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	pending, err := a.queue.Pending(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	a.mu.Lock()
	uploadsActive := a.uploadToken != nil
	livenessActive := a.livenessToken != nil
	a.mu.Unlock()
	return Snapshot{
		Sampler:         a.sampler.Status(),
		Preferences:     stored,
		PendingSamples:  pending,
		UploadsActive:   uploadsActive,
		LivenessActive:  livenessActive,
		RestartEligible: stored.RestartPermitted(),
	}, nil
}
