// Package queue is the device's durable store of samples awaiting upload.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// MaxRetryCount is the number of failed uploads after which a sample is dropped.
	MaxRetryCount = 5
	// MaxCaptureLead is how far past the device clock a capture time may lie.
	MaxCaptureLead = 5 * time.Minute
)

var (
	// ErrInvalidSample indicates a sample that cannot be queued.
	ErrInvalidSample = errors.New("queue: invalid sample")
	// ErrDuplicateSample indicates a sample whose client event id is already queued.
	ErrDuplicateSample = errors.New("queue: duplicate client event id")

	errMissingDatabase = errors.New("queue: database handle is required")

	validate     *validator.Validate
	validateOnce sync.Once
)

// Sample is one location fix awaiting upload. ClientEventID never changes once
// queued; RetryCount only grows; a sent row is never uploaded again.
type Sample struct {
	ID            int64    `gorm:"column:id;primaryKey;autoIncrement"`
	ClientEventID string   `gorm:"column:client_event_id;size:64;not null;uniqueIndex"`
	Lat           float64  `gorm:"column:lat;not null" validate:"latitude"`
	Lng           float64  `gorm:"column:lng;not null" validate:"longitude"`
	Accuracy      *float64 `gorm:"column:accuracy_m" validate:"omitempty,gte=0"`
	Altitude      *float64 `gorm:"column:altitude_m"`
	Bearing       *float64 `gorm:"column:bearing_deg" validate:"omitempty,gte=0,lte=360"`
	Speed         *float64 `gorm:"column:speed_mps" validate:"omitempty,gte=0"`
	SpeedKmh      *float64 `gorm:"column:speed_kmh" validate:"omitempty,gte=0"`
	IsMoving      bool     `gorm:"column:is_moving;not null"`
	BatteryLevel  *int     `gorm:"column:battery_level" validate:"omitempty,gte=0,lte=100"`
	CapturedAtMs  int64    `gorm:"column:captured_at_ms;not null;index:idx_queue_unsent,priority:2"`
	RetryCount    int      `gorm:"column:retry_count;not null;default:0"`
	Sent          bool     `gorm:"column:sent;not null;default:false;index:idx_queue_unsent,priority:1"`
	QueuedAtMs    int64    `gorm:"column:queued_at_ms;not null"`
}

// TableName exposes the table backing the queue.
func (Sample) TableName() string {
	return "queued_samples"
}

// Exhausted reports whether the sample has used up its upload attempts.
func (s Sample) Exhausted() bool {
	return s.RetryCount >= MaxRetryCount
}

// CapturedAt returns the capture instant.
func (s Sample) CapturedAt() time.Time {
	return time.UnixMilli(s.CapturedAtMs).UTC()
}

// StoreConfig describes the dependencies of the queue store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store persists samples with per-row atomic statements; enqueue and the upload
// worker may run concurrently without a shared lock.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// Enqueue durably inserts a sample with a fresh retry count. Samples the server
// would reject are refused here so they never poison a batch.
func (s *Store) Enqueue(ctx context.Context, sample Sample) error {
	sample.ClientEventID = strings.TrimSpace(sample.ClientEventID)
	if sample.ClientEventID == "" {
		return fmt.Errorf("%w: client event id required", ErrInvalidSample)
	}
	if sample.CapturedAtMs <= 0 {
		return fmt.Errorf("%w: capture time required", ErrInvalidSample)
	}
	now := s.clock().UTC()
	if sample.CapturedAt().After(now.Add(MaxCaptureLead)) {
		return fmt.Errorf("%w: capture time %s is in the future", ErrInvalidSample, sample.CapturedAt().Format(time.RFC3339))
	}
	if err := validateSample(sample); err != nil {
		return err
	}
	sample.ID = 0
	sample.RetryCount = 0
	sample.Sent = false
	sample.QueuedAtMs = now.UnixMilli()

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&sample)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSample, sample.ClientEventID)
	}
	return nil
}

func validateSample(sample Sample) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	err := validate.Struct(sample)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		first := validationErrors[0]
		return fmt.Errorf("%w: %s failed %s", ErrInvalidSample, strings.ToLower(first.Field()), first.Tag())
	}
	return fmt.Errorf("%w: %v", ErrInvalidSample, err)
}

// Unsent returns up to limit unsent samples, oldest capture first, regardless of retry count.
func (s *Store) Unsent(ctx context.Context, limit int) ([]Sample, error) {
	if limit <= 0 {
		return nil, nil
	}
	var samples []Sample
	err := s.db.WithContext(ctx).
		Where("sent = ?", false).
		Order("captured_at_ms ASC").
		Order("id ASC").
		Limit(limit).
		Find(&samples).Error
	return samples, err
}

// MarkSent flags the samples as acknowledged. Unknown or already sent ids are ignored.
func (s *Store) MarkSent(ctx context.Context, clientEventIDs ...string) error {
	if len(clientEventIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&Sample{}).
		Where("client_event_id IN ? AND sent = ?", clientEventIDs, false).
		Update("sent", true).Error
}

// IncrementRetry records one failed attempt for each unsent sample named.
func (s *Store) IncrementRetry(ctx context.Context, clientEventIDs ...string) error {
	if len(clientEventIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&Sample{}).
		Where("client_event_id IN ? AND sent = ?", clientEventIDs, false).
		UpdateColumn("retry_count", gorm.Expr("retry_count + ?", 1)).Error
}

// DeleteSent removes acknowledged samples. Unsent rows are never touched.
func (s *Store) DeleteSent(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("sent = ?", true).Delete(&Sample{})
	return result.RowsAffected, result.Error
}

// Pending counts unsent samples.
func (s *Store) Pending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Sample{}).Where("sent = ?", false).Count(&count).Error
	return count, err
}
