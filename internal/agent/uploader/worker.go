package uploader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/prefs"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/queue"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/jobs"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/metrics"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/tracking"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	// DefaultBatchSize is the maximum number of samples sent per run.
	DefaultBatchSize   = 100
	retryInitialDelay  = 30 * time.Second
	retryMaximumDelay  = 30 * time.Minute
	retryMultiplier    = 2
	minIntervalSeconds = 30
)

var (
	errMissingQueue       = errors.New("uploader: queue is required")
	errMissingPreferences = errors.New("uploader: preferences store is required")
	errMissingUploader    = errors.New("uploader: client is required")
)

// Queue is the part of the sample queue the worker drives.
type Queue interface {
	Unsent(ctx context.Context, limit int) ([]queue.Sample, error)
	MarkSent(ctx context.Context, clientEventIDs ...string) error
	IncrementRetry(ctx context.Context, clientEventIDs ...string) error
	DeleteSent(ctx context.Context) (int64, error)
	Pending(ctx context.Context) (int64, error)
}

// BatchUploader sends one batch to the server.
type BatchUploader interface {
	Upload(ctx context.Context, batch tracking.Batch) (*UploadResponse, error)
}

// WorkerConfig describes the dependencies of the upload worker.
type WorkerConfig struct {
	Queue       Queue
	Preferences prefs.Store
	Client      BatchUploader
	BatchSize   int
	// Refresh is called after server settings were stored.
	Refresh func()
	// OnAuthFailure is called when the server rejects the credentials.
	OnAuthFailure func(ctx context.Context)
	// OnBacklog is called when a full batch was uploaded and more may remain.
	OnBacklog func()
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Worker performs one upload pass per Run.
type Worker struct {
	queue         Queue
	prefs         prefs.Store
	client        BatchUploader
	batchSize     int
	refresh       func()
	onAuthFailure func(ctx context.Context)
	onBacklog     func()
	clock         func() time.Time
	logger        *zap.Logger

	backoffMu sync.Mutex
	backoff   *backoff.ExponentialBackOff
}

// NewWorker constructs a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Preferences == nil {
		return nil, errMissingPreferences
	}
	if cfg.Client == nil {
		return nil, errMissingUploader
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:         cfg.Queue,
		prefs:         cfg.Preferences,
		client:        cfg.Client,
		batchSize:     batchSize,
		refresh:       cfg.Refresh,
		onAuthFailure: cfg.OnAuthFailure,
		onBacklog:     cfg.OnBacklog,
		clock:         clock,
		logger:        logger,
		backoff:       newRetryBackoff(),
	}, nil
}

func newRetryBackoff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialDelay
	policy.Multiplier = retryMultiplier
	policy.RandomizationFactor = 0
	policy.MaxInterval = retryMaximumDelay
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

func (w *Worker) nextRetryDelay() time.Duration {
	w.backoffMu.Lock()
	defer w.backoffMu.Unlock()
	return w.backoff.NextBackOff()
}

func (w *Worker) resetRetryDelay() {
	w.backoffMu.Lock()
	defer w.backoffMu.Unlock()
	w.backoff.Reset()
}

func (w *Worker) retry(err error) jobs.Result {
	return jobs.Result{Outcome: jobs.Retry, RetryAfter: w.nextRetryDelay(), Err: err}
}

// Run uploads at most one batch of unsent samples.
func (w *Worker) Run(ctx context.Context) jobs.Result {
	defer w.reportDepth(ctx)

	batch, err := w.queue.Unsent(ctx, w.batchSize)
	if err != nil {
		w.logError("read_queue", err)
		return jobs.Failed(err)
	}

	viable, exhausted := partition(batch)
	if len(exhausted) > 0 {
		w.drop(ctx, exhausted)
	}
	w.sweep(ctx)

	if len(viable) == 0 {
		w.resetRetryDelay()
		return jobs.Succeeded()
	}

	ids := clientEventIDs(viable)
	response, err := w.client.Upload(ctx, toBatch(viable))
	switch {
	case err == nil:
		return w.acknowledge(ctx, ids, response, len(batch) >= w.batchSize)
	case errors.Is(err, ErrUnauthorized):
		metrics.RecordUpload("unauthorized")
		w.logger.Warn("upload rejected credentials", zap.Int("batch_size", len(ids)), zap.Error(err))
		if w.onAuthFailure != nil {
			w.onAuthFailure(ctx)
		}
		return jobs.Failed(err)
	case errors.Is(err, ErrCircuitOpen):
		metrics.RecordUpload("circuit_open")
		return w.retry(err)
	default:
		metrics.RecordUpload("retry")
		if incErr := w.queue.IncrementRetry(ctx, ids...); incErr != nil {
			w.logError("increment_retry", incErr)
		}
		return w.retry(err)
	}
}

func (w *Worker) acknowledge(ctx context.Context, ids []string, response *UploadResponse, full bool) jobs.Result {
	if err := w.queue.MarkSent(ctx, ids...); err != nil {
		w.logError("mark_sent", err)
		return jobs.Failed(err)
	}
	metrics.RecordUpload("success")
	w.resetRetryDelay()

	var settings *ServerSettings
	if response != nil {
		settings = response.Settings
	}
	now := w.clock().UTC().UnixMilli()
	if _, err := w.prefs.Update(ctx, func(p *prefs.Preferences) {
		p.LastUploadAtMs = now
		applyServerSettings(p, settings)
	}); err != nil {
		w.logError("store_preferences", err)
	}
	w.sweep(ctx)
	if w.refresh != nil && settings != nil {
		w.refresh()
	}

	fields := []zap.Field{zap.Int("uploaded", len(ids))}
	if response != nil {
		fields = append(fields, zap.Int("accepted", response.Accepted), zap.Int("duplicates", response.Duplicates))
	}
	w.logger.Info("upload batch acknowledged", fields...)

	if full && w.onBacklog != nil {
		w.onBacklog()
	}
	return jobs.Succeeded()
}

// applyServerSettings stores pushed settings. A pushed interval replaces the
// local baseline only when it differs from the previous push.
func applyServerSettings(p *prefs.Preferences, settings *ServerSettings) {
	if settings == nil {
		return
	}
	if settings.UpdateInterval != nil && *settings.UpdateInterval > 0 {
		pushed := max(*settings.UpdateInterval, minIntervalSeconds)
		if p.ServerUpdateInterval == nil || *p.ServerUpdateInterval != pushed {
			p.UpdateIntervalSeconds = pushed
		}
		p.ServerUpdateInterval = &pushed
	}
	if settings.TrackingEnabled != nil {
		enabled := *settings.TrackingEnabled
		p.ServerTrackingEnabled = &enabled
	}
}

func (w *Worker) drop(ctx context.Context, exhausted []queue.Sample) {
	ids := clientEventIDs(exhausted)
	if err := w.queue.MarkSent(ctx, ids...); err != nil {
		w.logError("drop_exhausted", err)
		return
	}
	metrics.RecordDropped(len(ids))
	for _, sample := range exhausted {
		w.logger.Warn("sample dropped",
			zap.String("client_event_id", sample.ClientEventID),
			zap.String("reason", "retry_exhausted"),
			zap.Int("retry_count", sample.RetryCount),
			zap.Time("captured_at", sample.CapturedAt()),
		)
	}
}

func (w *Worker) sweep(ctx context.Context) {
	if _, err := w.queue.DeleteSent(ctx); err != nil {
		w.logError("delete_sent", err)
	}
}

func (w *Worker) reportDepth(ctx context.Context) {
	pending, err := w.queue.Pending(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(pending)
}

func (w *Worker) logError(reason string, err error) {
	w.logger.Error("upload worker failure",
		zap.String("operation", "uploader.run"),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func partition(batch []queue.Sample) (viable, exhausted []queue.Sample) {
	for _, sample := range batch {
		if sample.Exhausted() {
			exhausted = append(exhausted, sample)
			continue
		}
		viable = append(viable, sample)
	}
	return viable, exhausted
}

func clientEventIDs(samples []queue.Sample) []string {
	ids := make([]string, 0, len(samples))
	for _, sample := range samples {
		ids = append(ids, sample.ClientEventID)
	}
	return ids
}

func toBatch(samples []queue.Sample) tracking.Batch {
	locations := make([]tracking.Sample, 0, len(samples))
	for _, sample := range samples {
		locations = append(locations, tracking.Sample{
			ClientEventID: sample.ClientEventID,
			Lat:           sample.Lat,
			Lng:           sample.Lng,
			Accuracy:      sample.Accuracy,
			Altitude:      sample.Altitude,
			Bearing:       sample.Bearing,
			Speed:         sample.Speed,
			SpeedKmh:      sample.SpeedKmh,
			IsMoving:      sample.IsMoving,
			BatteryLevel:  sample.BatteryLevel,
			Timestamp:     sample.CapturedAt(),
		})
	}
	return tracking.Batch{Locations: locations}
}
