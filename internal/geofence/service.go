package geofence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/ids"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/metrics"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/tracking"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	validate     *validator.Validate
	validateOnce sync.Once
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "geofence.service.new"
	opCreate          = "geofence.create"
	opList            = "geofence.list"
	opEvaluateFamily  = "geofence.evaluate_family"
	opEvaluateAll     = "geofence.evaluate_all"
	opEvaluateMember  = "geofence.evaluate_member"
	opNotifyListeners = "geofence.notify"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Transition describes a committed enter or exit.
type Transition struct {
	GeofenceID   string         `json:"geofence_id"`
	GeofenceName string         `json:"geofence_name"`
	FamilyID     string         `json:"family_id"`
	UserID       string         `json:"user_id"`
	Kind         TransitionKind `json:"kind"`
	Lat          float64        `json:"lat"`
	Lng          float64        `json:"lng"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Notifier receives committed transitions.
type Notifier interface {
	GeofenceTransition(ctx context.Context, transition Transition)
}

// Summary reports the work done by an evaluation pass.
type Summary struct {
	Families int
	Pairs    int
	Entered  int
	Exited   int
}

func (s *Summary) add(other Summary) {
	s.Families += other.Families
	s.Pairs += other.Pairs
	s.Entered += other.Entered
	s.Exited += other.Exited
}

// ServiceConfig describes the dependencies of the geofence service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	Notifier   Notifier
}

// Service manages geofences and evaluates member transitions against them.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	notifier   Notifier
}

// NewService constructs the geofence service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		notifier:   cfg.Notifier,
	}, nil
}

// Create validates and stores a new active geofence for the family.
func (s *Service) Create(ctx context.Context, familyID string, definition Definition) (Geofence, error) {
	definition = definition.normalized()
	if err := validateDefinition(definition); err != nil {
		return Geofence{}, newServiceError(opCreate, "invalid_geofence", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Geofence{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	fence := Geofence{
		ID:          id,
		FamilyID:    familyID,
		Name:        definition.Name,
		Kind:        definition.Kind,
		Active:      true,
		CreatedAtMs: s.clock().UTC().UnixMilli(),
	}
	switch definition.Kind {
	case KindCircle:
		fence.CenterLat = definition.CenterLat
		fence.CenterLng = definition.CenterLng
		fence.RadiusMeters = definition.RadiusMeters
	case KindPolygon:
		fence.Polygon = append([]Point(nil), definition.Polygon...)
	}

	if err := s.db.WithContext(ctx).Create(&fence).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("family_id", familyID))
		return Geofence{}, newServiceError(opCreate, "insert_failed", err)
	}
	return fence, nil
}

// List returns the family's geofences, oldest first.
func (s *Service) List(ctx context.Context, familyID string) ([]Geofence, error) {
	var fences []Geofence
	if err := s.db.WithContext(ctx).
		Where("family_id = ?", familyID).
		Order("created_at_ms ASC").
		Find(&fences).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("family_id", familyID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return fences, nil
}

// EvaluateAll evaluates every family that has at least one active geofence.
// A failing family does not stop the pass; failures are joined into the returned error.
func (s *Service) EvaluateAll(ctx context.Context) (Summary, error) {
	var families []string
	if err := s.db.WithContext(ctx).
		Model(&Geofence{}).
		Where("active = ?", true).
		Distinct().
		Pluck("family_id", &families).Error; err != nil {
		s.logError(opEvaluateAll, "family_query_failed", err)
		return Summary{}, newServiceError(opEvaluateAll, "family_query_failed", err)
	}

	var summary Summary
	var failures []error
	for _, familyID := range families {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		familySummary, err := s.EvaluateFamily(ctx, familyID)
		summary.add(familySummary)
		if err != nil {
			failures = append(failures, err)
		}
	}
	return summary, errors.Join(failures...)
}

// EvaluateFamily evaluates each active geofence of the family against every
// member's current location.
func (s *Service) EvaluateFamily(ctx context.Context, familyID string) (Summary, error) {
	var fences []Geofence
	if err := s.db.WithContext(ctx).
		Where("family_id = ? AND active = ?", familyID, true).
		Find(&fences).Error; err != nil {
		s.logError(opEvaluateFamily, "geofence_query_failed", err, zap.String("family_id", familyID))
		return Summary{}, newServiceError(opEvaluateFamily, "geofence_query_failed", err)
	}
	summary := Summary{Families: 1}
	if len(fences) == 0 {
		return summary, nil
	}

	var locations []tracking.CurrentLocation
	if err := s.db.WithContext(ctx).
		Where("family_id = ?", familyID).
		Find(&locations).Error; err != nil {
		s.logError(opEvaluateFamily, "location_query_failed", err, zap.String("family_id", familyID))
		return summary, newServiceError(opEvaluateFamily, "location_query_failed", err)
	}

	for _, fence := range fences {
		for _, location := range locations {
			transition, err := s.evaluateMember(ctx, fence, location)
			if err != nil {
				return summary, err
			}
			summary.Pairs++
			if transition == nil {
				continue
			}
			switch transition.Kind {
			case TransitionEnter:
				summary.Entered++
			case TransitionExit:
				summary.Exited++
			}
			metrics.RecordGeofenceTransition(string(transition.Kind))
			s.notify(ctx, *transition)
		}
	}
	return summary, nil
}

// evaluateMember upserts the membership state of one user in one geofence and
// returns the committed transition, if any. Transitions are compare-and-set on
// is_inside so a repeated or concurrent evaluation cannot record the same one twice.
func (s *Service) evaluateMember(ctx context.Context, fence Geofence, location tracking.CurrentLocation) (*Transition, error) {
	now := s.clock().UTC()
	nowMs := now.UnixMilli()
	inside := fence.Contains(Point{Lat: location.Lat, Lng: location.Lng})

	var transition *Transition
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		initial := State{
			GeofenceID:  fence.ID,
			UserID:      location.UserID,
			FamilyID:    fence.FamilyID,
			IsInside:    inside,
			UpdatedAtMs: nowMs,
		}
		if inside {
			initial.EnteredAtMs = &nowMs
		} else {
			initial.ExitedAtMs = &nowMs
		}
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&initial)
		if created.Error != nil {
			return created.Error
		}

		changed := created.RowsAffected == 1 && inside
		if created.RowsAffected == 0 {
			updates := map[string]interface{}{
				"is_inside":     inside,
				"updated_at_ms": nowMs,
			}
			if inside {
				updates["entered_at_ms"] = nowMs
				updates["exited_at_ms"] = nil
			} else {
				updates["exited_at_ms"] = nowMs
				updates["entered_at_ms"] = nil
			}
			flipped := tx.Model(&State{}).
				Where("geofence_id = ? AND user_id = ? AND is_inside = ?", fence.ID, location.UserID, !inside).
				Updates(updates)
			if flipped.Error != nil {
				return flipped.Error
			}
			changed = flipped.RowsAffected == 1
			if !changed {
				if err := tx.Model(&State{}).
					Where("geofence_id = ? AND user_id = ?", fence.ID, location.UserID).
					Update("updated_at_ms", nowMs).Error; err != nil {
					return err
				}
			}
		}
		if !changed {
			return nil
		}

		kind := TransitionExit
		if inside {
			kind = TransitionEnter
		}
		event := Event{
			GeofenceID:   fence.ID,
			FamilyID:     fence.FamilyID,
			UserID:       location.UserID,
			Kind:         kind,
			Lat:          location.Lat,
			Lng:          location.Lng,
			OccurredAtMs: nowMs,
		}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		transition = &Transition{
			GeofenceID:   fence.ID,
			GeofenceName: fence.Name,
			FamilyID:     fence.FamilyID,
			UserID:       location.UserID,
			Kind:         kind,
			Lat:          location.Lat,
			Lng:          location.Lng,
			OccurredAt:   now,
		}
		return nil
	})
	if txErr != nil {
		s.logError(opEvaluateMember, "state_upsert_failed", txErr,
			zap.String("geofence_id", fence.ID),
			zap.String("user_id", location.UserID))
		return nil, newServiceError(opEvaluateMember, "state_upsert_failed", txErr)
	}
	return transition, nil
}

func (s *Service) notify(ctx context.Context, transition Transition) {
	if s.notifier == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logError(opNotifyListeners, "notifier_panicked", fmt.Errorf("%v", recovered),
				zap.String("geofence_id", transition.GeofenceID))
		}
	}()
	s.notifier.GeofenceTransition(ctx, transition)
}

func validateDefinition(definition Definition) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := validate.Struct(definition); err != nil {
		return invalidDefinition(err.Error())
	}
	switch definition.Kind {
	case KindCircle:
		if definition.CenterLat == nil || definition.CenterLng == nil || definition.RadiusMeters == nil {
			return invalidDefinition("circle requires center_lat, center_lng and radius_m")
		}
	case KindPolygon:
		if len(definition.Polygon) < minPolygonVertices {
			return invalidDefinition(fmt.Sprintf("polygon requires at least %d vertices", minPolygonVertices))
		}
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("geofence service error", attrs...)
}
