// Package resilience restarts the tracking pipeline after reboots, upgrades,
// process death and silent stalls, and never against the user's wishes.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/prefs"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/uploader"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/jobs"
	"go.uber.org/zap"
)

// DefaultStaleAfter is how long without an acknowledged upload counts as a stall.
const DefaultStaleAfter = 10 * time.Minute

// Trigger names the event that asked for a resume.
type Trigger string

const (
	TriggerBoot            Trigger = "boot"
	TriggerPackageReplaced Trigger = "package_replaced"
	TriggerQuickBoot       Trigger = "quickboot"
	TriggerProcessRestart  Trigger = "process_restart"
	TriggerLiveness        Trigger = "liveness"
)

// Skip reasons reported by ResumeIfEligible.
const (
	ReasonTrackingDisabled      = "tracking_disabled"
	ReasonUserRequestedStop     = "user_requested_stop"
	ReasonMissingCredentials    = "missing_credentials"
	ReasonCredentialsRejected   = "credentials_rejected"
	ReasonCredentialsUnverified = "credentials_unverified"
	ReasonPipelineDeclined      = "pipeline_declined"
)

var (
	errMissingPreferences = errors.New("resilience: preferences store is required")
	errMissingPipeline    = errors.New("resilience: pipeline is required")
)

// Pipeline is the tracking pipeline the supervisor restarts. Resume must be
// idempotent for a running pipeline and must re-check the stored preferences
// when it applies the restart, reporting false when they no longer permit it.
type Pipeline interface {
	Resume(ctx context.Context) (bool, error)
	HaltUploads()
	TriggerUpload()
}

// CredentialChecker proves the stored credentials against the server.
type CredentialChecker interface {
	FetchSettings(ctx context.Context) (uploader.ServerSettings, error)
}

// Config describes the dependencies of the supervisor.
type Config struct {
	Preferences prefs.Store
	Pipeline    Pipeline
	Credentials CredentialChecker
	StaleAfter  time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Decision reports what ResumeIfEligible did.
type Decision struct {
	Resumed bool   `json:"resumed"`
	Reason  string `json:"reason,omitempty"`
}

// Supervisor owns the single eligibility check shared by every resume trigger.
type Supervisor struct {
	prefs       prefs.Store
	pipeline    Pipeline
	credentials CredentialChecker
	staleAfter  time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

// New constructs a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Preferences == nil {
		return nil, errMissingPreferences
	}
	if cfg.Pipeline == nil {
		return nil, errMissingPipeline
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		prefs:       cfg.Preferences,
		pipeline:    cfg.Pipeline,
		credentials: cfg.Credentials,
		staleAfter:  staleAfter,
		clock:       clock,
		logger:      logger,
	}, nil
}

// ResumeIfEligible resumes tracking when it is enabled, was not stopped by the
// user and the credentials are valid. An ineligible resume is a logged skip.
func (s *Supervisor) ResumeIfEligible(ctx context.Context, trigger Trigger) (Decision, error) {
	logger := s.logger.With(zap.String("trigger", string(trigger)))

	stored, err := s.prefs.Load(ctx)
	if err != nil {
		logger.Error("resume eligibility check failed",
			zap.String("operation", "resilience.resume"),
			zap.String("reason", "preferences_read"),
			zap.Error(err),
		)
		return Decision{}, err
	}

	if reason := s.ineligibility(ctx, stored); reason != "" {
		logger.Info("resume skipped", zap.String("reason", reason))
		return Decision{Reason: reason}, nil
	}

	resumed, err := s.pipeline.Resume(ctx)
	if err != nil {
		logger.Error("pipeline resume failed",
			zap.String("operation", "resilience.resume"),
			zap.String("reason", "pipeline"),
			zap.Error(err),
		)
		return Decision{}, err
	}
	if !resumed {
		reason := s.declinedReason(ctx)
		logger.Info("resume skipped", zap.String("reason", reason))
		return Decision{Reason: reason}, nil
	}
	logger.Info("tracking resumed")
	return Decision{Resumed: true}, nil
}

func (s *Supervisor) ineligibility(ctx context.Context, stored prefs.Preferences) string {
	if reason := storedIneligibility(stored); reason != ReasonMissingCredentials {
		return reason
	}
	return s.revalidate(ctx)
}

// declinedReason explains a resume the pipeline refused because the
// preferences changed while eligibility was being checked.
func (s *Supervisor) declinedReason(ctx context.Context) string {
	stored, err := s.prefs.Load(ctx)
	if err != nil {
		return ReasonPipelineDeclined
	}
	if reason := storedIneligibility(stored); reason != "" {
		return reason
	}
	return ReasonPipelineDeclined
}

func storedIneligibility(stored prefs.Preferences) string {
	switch {
	case !stored.TrackingEnabled:
		return ReasonTrackingDisabled
	case stored.UserRequestedStop:
		return ReasonUserRequestedStop
	case !stored.AuthCredentialsPresent:
		return ReasonMissingCredentials
	}
	return ""
}

func (s *Supervisor) revalidate(ctx context.Context) string {
	if s.credentials == nil {
		return ReasonMissingCredentials
	}
	if _, err := s.credentials.FetchSettings(ctx); err != nil {
		if errors.Is(err, uploader.ErrUnauthorized) {
			return ReasonCredentialsRejected
		}
		s.logger.Debug("credential check inconclusive", zap.Error(err))
		return ReasonCredentialsUnverified
	}
	if _, err := s.prefs.Update(ctx, func(p *prefs.Preferences) {
		p.AuthCredentialsPresent = true
	}); err != nil {
		s.logger.Error("credential state update failed",
			zap.String("operation", "resilience.revalidate"),
			zap.String("reason", "preferences_write"),
			zap.Error(err),
		)
		return ReasonCredentialsUnverified
	}
	s.logger.Info("credentials revalidated")
	return ""
}

// CheckLiveness restarts a pipeline that has not uploaded for longer than the
// staleness window. It never overrides a user stop.
func (s *Supervisor) CheckLiveness(ctx context.Context) jobs.Result {
	stored, err := s.prefs.Load(ctx)
	if err != nil {
		return jobs.Failed(err)
	}
	if !stored.TrackingEnabled || stored.UserRequestedStop {
		return jobs.Succeeded()
	}

	lastUpload := stored.LastUploadAt()
	if !lastUpload.IsZero() && s.clock().Sub(lastUpload) <= s.staleAfter {
		return jobs.Succeeded()
	}

	fields := []zap.Field{zap.Duration("stale_after", s.staleAfter)}
	if !lastUpload.IsZero() {
		fields = append(fields, zap.Time("last_upload_at", lastUpload))
	}
	s.logger.Warn("tracking pipeline stale, restarting", fields...)

	decision, err := s.ResumeIfEligible(ctx, TriggerLiveness)
	if err != nil {
		return jobs.Failed(err)
	}
	if decision.Resumed {
		s.pipeline.TriggerUpload()
	}
	return jobs.Succeeded()
}

// HandleAuthFailure records that the credentials were rejected and halts
// uploads until they are revalidated.
func (s *Supervisor) HandleAuthFailure(ctx context.Context) {
	if _, err := s.prefs.Update(ctx, func(p *prefs.Preferences) {
		p.AuthCredentialsPresent = false
	}); err != nil {
		s.logger.Error("credential state update failed",
			zap.String("operation", "resilience.auth_failure"),
			zap.String("reason", "preferences_write"),
			zap.Error(err),
		)
	}
	s.pipeline.HaltUploads()
	s.logger.Warn("uploads halted after credential rejection")
}
