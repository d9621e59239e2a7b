package tracking

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// MaxClockSkew is how far past the server clock a sample timestamp may lie.
const MaxClockSkew = 5 * time.Minute

var (
	// ErrInvalidBatch indicates that a submitted batch failed validation.
	ErrInvalidBatch = errors.New("tracking: invalid batch")

	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateBatch checks every sample of the batch; any invalid sample rejects the whole batch.
func ValidateBatch(batch Batch, maxBatchSize int) error {
	if len(batch.Locations) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidBatch)
	}
	if maxBatchSize > 0 && len(batch.Locations) > maxBatchSize {
		return fmt.Errorf("%w: %d samples exceeds limit of %d", ErrInvalidBatch, len(batch.Locations), maxBatchSize)
	}
	for index, sample := range batch.Locations {
		if strings.TrimSpace(sample.ClientEventID) == "" {
			return fmt.Errorf("%w: locations[%d].client_event_id is blank", ErrInvalidBatch, index)
		}
	}
	if err := validatorInstance().Struct(batch); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBatch, describeValidationError(err))
	}
	return nil
}

// ValidateCaptureTimes rejects the batch when any sample claims a capture time
// more than MaxClockSkew after receivedAt.
func ValidateCaptureTimes(batch Batch, receivedAt time.Time) error {
	limit := receivedAt.Add(MaxClockSkew)
	for index, sample := range batch.Locations {
		if sample.Timestamp.After(limit) {
			return fmt.Errorf("%w: locations[%d].timestamp %s is in the future", ErrInvalidBatch, index, sample.Timestamp.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

// ValidateSettingsUpdate checks a settings change request.
func ValidateSettingsUpdate(update SettingsUpdate) error {
	if update.UpdateInterval == nil && update.TrackingEnabled == nil {
		return fmt.Errorf("%w: no fields to update", ErrInvalidSettings)
	}
	if err := validatorInstance().Struct(update); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSettings, describeValidationError(err))
	}
	return nil
}

func describeValidationError(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		if fieldError.Param() != "" {
			messages = append(messages, fmt.Sprintf("%s failed %s=%s", fieldError.Namespace(), fieldError.Tag(), fieldError.Param()))
			continue
		}
		messages = append(messages, fmt.Sprintf("%s failed %s", fieldError.Namespace(), fieldError.Tag()))
	}
	return strings.Join(messages, "; ")
}
