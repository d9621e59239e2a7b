package sampler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/fixes"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/prefs"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/queue"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/ids"
	"go.uber.org/zap"
)

const (
	commandBufferSize = 64
	// movingSpeedMps is the ground speed above which a fix counts as moving.
	movingSpeedMps = 0.5
	mpsToKmh       = 3.6
)

var (
	errMissingQueue       = errors.New("sampler: queue is required")
	errMissingPreferences = errors.New("sampler: preferences store is required")
	errMissingSource      = errors.New("sampler: fix source is required")
	errMissingIDProvider  = errors.New("sampler: id provider is required")
)

// Enqueuer durably queues samples for upload.
type Enqueuer interface {
	Enqueue(ctx context.Context, sample queue.Sample) error
}

// Listener is told when the user starts or stops tracking so the upload
// pipeline can follow.
type Listener interface {
	TrackingStarted()
	TrackingStopped()
}

// Config describes the dependencies of the sampler.
type Config struct {
	Queue                 Enqueuer
	Preferences           prefs.Store
	Source                fixes.Source
	IDProvider            ids.Provider
	Listener              Listener
	ViewerIntervalSeconds int
	Logger                *zap.Logger
}

// Status is a point-in-time view of the sampler.
type Status struct {
	Mode                 Mode          `json:"mode"`
	Request              fixes.Request `json:"request"`
	BaseIntervalSeconds  int           `json:"base_interval_seconds"`
	ServerSuspended      bool          `json:"server_suspended"`
	SamplesQueued        int64         `json:"samples_queued"`
	SamplesDropped       int64         `json:"samples_dropped"`
	LastFixCapturedAtUTC *time.Time    `json:"last_fix_captured_at,omitempty"`
}

type commandKind int

const (
	commandStart commandKind = iota
	commandStop
	commandPause
	commandResume
	commandViewerVisible
	commandViewerHidden
	commandUpdateSettings
	commandRefresh
	commandSync
	commandSupervisedResume
)

var commandNames = map[commandKind]string{
	commandStart:            "start",
	commandStop:             "stop",
	commandPause:            "pause",
	commandResume:           "resume",
	commandViewerVisible:    "viewer_visible",
	commandViewerHidden:     "viewer_hidden",
	commandUpdateSettings:   "update_settings",
	commandRefresh:          "refresh",
	commandSync:             "sync",
	commandSupervisedResume: "supervised_resume",
}

func (k commandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return "unknown"
}

type command struct {
	kind            commandKind
	intervalSeconds int
	highAccuracy    bool
	done            chan struct{}
	resumed         chan bool
}

// Sampler owns the state machine and turns fixes into queued samples. Commands
// are fire-and-forget and are applied in order by a single goroutine. A command
// submitted while the buffer is full is dropped and reported as not accepted.
type Sampler struct {
	queue      Enqueuer
	prefs      prefs.Store
	source     fixes.Source
	ids        ids.Provider
	listener   Listener
	logger     *zap.Logger
	viewerSecs int
	commands   chan command

	machine     Machine
	initialized bool

	statusMu sync.RWMutex
	status   Status
}

// New constructs a Sampler.
func New(cfg Config) (*Sampler, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Preferences == nil {
		return nil, errMissingPreferences
	}
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		queue:      cfg.Queue,
		prefs:      cfg.Preferences,
		source:     cfg.Source,
		ids:        cfg.IDProvider,
		listener:   cfg.Listener,
		logger:     logger,
		viewerSecs: cfg.ViewerIntervalSeconds,
		commands:   make(chan command, commandBufferSize),
		status:     Status{Mode: ModeIdle},
	}, nil
}

// String names the sampler for supervisor events.
func (s *Sampler) String() string {
	return "sampler"
}

func (s *Sampler) submit(cmd command) bool {
	select {
	case s.commands <- cmd:
		return true
	default:
		s.logger.Warn("sampler command dropped",
			zap.String("operation", "sampler.submit"),
			zap.String("reason", "command_buffer_full"),
			zap.Stringer("command", cmd.kind),
		)
		return false
	}
}

// Start begins sampling at MOVING and clears a previous user stop.
func (s *Sampler) Start() bool { return s.submit(command{kind: commandStart}) }

// Stop ends sampling and records that the user asked for it.
func (s *Sampler) Stop() bool { return s.submit(command{kind: commandStop}) }

// Pause suspends sampling without forgetting the active mode.
func (s *Sampler) Pause() bool { return s.submit(command{kind: commandPause}) }

// Resume restores the mode active before Pause.
func (s *Sampler) Resume() bool { return s.submit(command{kind: commandResume}) }

// ViewerVisible boosts sampling while the live map is open.
func (s *Sampler) ViewerVisible() bool { return s.submit(command{kind: commandViewerVisible}) }

// ViewerHidden ends a viewer boost.
func (s *Sampler) ViewerHidden() bool { return s.submit(command{kind: commandViewerHidden}) }

// UpdateSettings stores a user interval and accuracy choice.
func (s *Sampler) UpdateSettings(intervalSeconds int, highAccuracy bool) bool {
	return s.submit(command{kind: commandUpdateSettings, intervalSeconds: intervalSeconds, highAccuracy: highAccuracy})
}

// Refresh re-reads preferences after they were changed elsewhere.
func (s *Sampler) Refresh() { s.submit(command{kind: commandRefresh}) }

// ResumeIfPermitted starts sampling on behalf of the resilience supervisor.
// Preferences are re-read when the command is applied, so a stop submitted
// earlier always wins. It never clears a user stop and reports whether
// sampling is running afterwards.
func (s *Sampler) ResumeIfPermitted(ctx context.Context) (bool, error) {
	resumed := make(chan bool, 1)
	select {
	case s.commands <- command{kind: commandSupervisedResume, resumed: resumed}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case result := <-resumed:
		return result, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Sync waits until every command submitted before it has been applied.
func (s *Sampler) Sync(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.commands <- command{kind: commandSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the latest published status.
func (s *Sampler) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Serve implements suture.Service.
func (s *Sampler) Serve(ctx context.Context) error {
	if !s.initialized {
		stored, err := s.prefs.Load(ctx)
		if err != nil {
			return err
		}
		s.machine = NewMachine(stored, s.viewerSecs)
		s.initialized = true
		s.publish()
	}

	fixStream := s.source.Fixes()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.commands:
			s.handle(ctx, cmd)
		case fix, ok := <-fixStream:
			if !ok {
				fixStream = nil
				continue
			}
			s.record(ctx, fix)
		}
	}
}

func (s *Sampler) handle(ctx context.Context, cmd command) {
	if cmd.kind == commandSync {
		close(cmd.done)
		return
	}
	previous := s.machine.Mode()

	switch cmd.kind {
	case commandStart:
		stored := s.updatePreferences(ctx, "start", func(p *prefs.Preferences) {
			p.TrackingEnabled = true
			p.UserRequestedStop = false
		})
		s.machine.Start(stored)
		if s.listener != nil {
			s.listener.TrackingStarted()
		}
	case commandStop:
		s.updatePreferences(ctx, "stop", func(p *prefs.Preferences) {
			p.TrackingEnabled = false
			p.UserRequestedStop = true
		})
		s.machine.Stop()
		if s.listener != nil {
			s.listener.TrackingStopped()
		}
	case commandPause:
		s.machine.Pause()
	case commandResume:
		s.machine.Resume()
	case commandViewerVisible:
		s.machine.ViewerVisible()
	case commandViewerHidden:
		s.machine.ViewerHidden()
	case commandUpdateSettings:
		interval := clampInterval(cmd.intervalSeconds)
		s.updatePreferences(ctx, "update_settings", func(p *prefs.Preferences) {
			p.UpdateIntervalSeconds = interval
			p.HighAccuracy = cmd.highAccuracy
		})
		if !s.machine.UpdateSettings(interval, cmd.highAccuracy) {
			s.logger.Info("settings stored until the viewer boost ends", zap.Int("interval_seconds", interval))
		}
	case commandSupervisedResume:
		cmd.resumed <- s.supervisedResume(ctx)
	case commandRefresh:
		stored, err := s.prefs.Load(ctx)
		if err != nil {
			s.logger.Error("sampler preferences load failed", zap.String("operation", "sampler.refresh"), zap.Error(err))
			return
		}
		s.machine.Refresh(stored)
	}

	if current := s.machine.Mode(); current != previous {
		s.logger.Info("sampling mode changed", zap.Stringer("from", previous), zap.Stringer("to", current))
	}
	s.publish()
}

func (s *Sampler) supervisedResume(ctx context.Context) bool {
	stored, err := s.prefs.Load(ctx)
	if err != nil {
		s.logger.Error("sampler preferences load failed", zap.String("operation", "sampler.supervised_resume"), zap.Error(err))
		return false
	}
	if !stored.RestartPermitted() {
		s.logger.Info("supervised resume declined",
			zap.Bool("tracking_enabled", stored.TrackingEnabled),
			zap.Bool("user_requested_stop", stored.UserRequestedStop),
		)
		return false
	}
	s.machine.Start(stored)
	if s.listener != nil {
		s.listener.TrackingStarted()
	}
	return true
}

func (s *Sampler) updatePreferences(ctx context.Context, operation string, mutate func(*prefs.Preferences)) prefs.Preferences {
	stored, err := s.prefs.Update(ctx, mutate)
	if err == nil {
		return stored
	}
	s.logger.Error("sampler preferences update failed",
		zap.String("operation", "sampler."+operation),
		zap.String("reason", "preferences_write"),
		zap.Error(err),
	)
	fallback, loadErr := s.prefs.Load(ctx)
	if loadErr != nil {
		fallback = prefs.Defaults()
	}
	mutate(&fallback)
	return fallback
}

func (s *Sampler) publish() {
	request := s.machine.Request()
	s.source.SetRequest(request)

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.Mode = s.machine.Mode()
	s.status.Request = request
	s.status.BaseIntervalSeconds = s.machine.BaseIntervalSeconds()
	s.status.ServerSuspended = s.machine.Suspended()
}

func (s *Sampler) record(ctx context.Context, fix fixes.Fix) {
	if !s.machine.Recording() {
		s.countDropped()
		s.logger.Debug("fix ignored", zap.Stringer("mode", s.machine.Mode()), zap.Bool("server_suspended", s.machine.Suspended()))
		return
	}
	clientEventID, err := s.ids.NewID()
	if err != nil {
		s.logger.Error("client event id generation failed", zap.String("operation", "sampler.record"), zap.Error(err))
		return
	}
	sample := sampleFromFix(clientEventID, fix)
	if err := s.queue.Enqueue(ctx, sample); err != nil {
		s.countDropped()
		s.logger.Warn("fix could not be queued",
			zap.String("operation", "sampler.record"),
			zap.String("client_event_id", clientEventID),
			zap.Error(err),
		)
		return
	}

	capturedAt := sample.CapturedAt()
	s.statusMu.Lock()
	s.status.SamplesQueued++
	s.status.LastFixCapturedAtUTC = &capturedAt
	s.statusMu.Unlock()
}

func (s *Sampler) countDropped() {
	s.statusMu.Lock()
	s.status.SamplesDropped++
	s.statusMu.Unlock()
}

func sampleFromFix(clientEventID string, fix fixes.Fix) queue.Sample {
	sample := queue.Sample{
		ClientEventID: clientEventID,
		Lat:           fix.Lat,
		Lng:           fix.Lng,
		Accuracy:      fix.Accuracy,
		Altitude:      fix.Altitude,
		Bearing:       fix.Bearing,
		Speed:         fix.Speed,
		BatteryLevel:  fix.BatteryLevel,
		CapturedAtMs:  fix.CapturedAt.UTC().UnixMilli(),
	}
	if fix.Speed != nil {
		kmh := *fix.Speed * mpsToKmh
		sample.SpeedKmh = &kmh
		sample.IsMoving = *fix.Speed >= movingSpeedMps
	}
	return sample
}
