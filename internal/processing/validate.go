package processing

import (
	"fmt"
	"time"

	"github.com/tphakala/ephys2osc/internal/errors"
)

const componentProcessing = "processing"

// Limits accepted by ValidateConfig
const (
	MinDownsamplingFactor = 1
	MaxDownsamplingFactor = 1000
	MinBatchSize          = 1
	MaxBatchSize          = 10000
)

// Method is a downsampling reduction.
type Method string

const (
	// MethodAverage emits the mean of each window.
	MethodAverage Method = "average"
	// MethodDecimate emits the last sample of each window.
	MethodDecimate Method = "decimate"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodAverage, MethodDecimate:
		return Method(s), nil
	default:
		return "", errors.Newf("invalid downsampling method %q, valid options: average, decimate", s).
			Component(componentProcessing).
			Category(errors.CategoryValidation).
			Build()
	}
}

// Config holds the processing settings.
type Config struct {
	DownsamplingFactor int
	DownsamplingMethod string
	BatchSize          int
	BatchTimeout       time.Duration
}

// ValidateConfig checks every processing parameter and reports all problems at once.
func ValidateConfig(factor int, method string, batchSize int, timeout time.Duration) error {
	var errs []error

	if factor < MinDownsamplingFactor || factor > MaxDownsamplingFactor {
		errs = append(errs, fmt.Errorf("downsampling factor must be between %d and %d, got %d",
			MinDownsamplingFactor, MaxDownsamplingFactor, factor))
	}
	if _, err := ParseMethod(method); err != nil {
		errs = append(errs, err)
	}
	if batchSize < MinBatchSize || batchSize > MaxBatchSize {
		errs = append(errs, fmt.Errorf("batch size must be between %d and %d, got %d",
			MinBatchSize, MaxBatchSize, batchSize))
	}
	if timeout <= 0 {
		errs = append(errs, fmt.Errorf("batch timeout must be positive, got %s", timeout))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.New(errors.Join(errs...)).
		Component(componentProcessing).
		Category(errors.CategoryValidation).
		Build()
}

// Validate checks c with ValidateConfig.
func (c Config) Validate() error {
	return ValidateConfig(c.DownsamplingFactor, c.DownsamplingMethod, c.BatchSize, c.BatchTimeout)
}
