package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/config"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
)

// RawResult is whatever a provider returned before normalization.
type RawResult any

// Result is the normalized detection list.
type Result = domain.DetectionPayload

// ErrDisabled is returned by the detector used when inference is turned off.
var ErrDisabled = errors.New("inference disabled")

// Detector runs object detection on a stored image.
//
// RunInference may fail; ParseResults never does and turns anything it cannot
// read into an empty result.
type Detector interface {
	Name() string
	RunInference(ctx context.Context, imagePath string) (RawResult, error)
	ParseResults(raw RawResult) Result
}

// NewDetector selects the provider named in the configuration.
func NewDetector(cfg config.InferenceConfig, logger *logrus.Logger) (Detector, error) {
	switch cfg.Provider {
	case "remote":
		return NewRoboflowDetector(RoboflowConfig{
			APIURL:    cfg.Remote.URL,
			APIKey:    cfg.Remote.APIKey,
			Workspace: cfg.Remote.Workspace,
			Workflow:  cfg.Remote.Workflow,
			Timeout:   cfg.Timeout,
		}, logger), nil
	case "local":
		return NewLocalDetector(LocalConfig{
			Python: cfg.Local.Python,
			Script: cfg.Local.Script,
			Model:  cfg.Local.Model,
		}, logger), nil
	case "disabled":
		return disabledDetector{}, nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}

type disabledDetector struct{}

func (disabledDetector) Name() string { return "disabled" }

func (disabledDetector) RunInference(context.Context, string) (RawResult, error) {
	return nil, ErrDisabled
}

func (disabledDetector) ParseResults(RawResult) Result { return domain.EmptyDetections() }

// Detect runs inference bounded by timeout and reduces every failure to an
// outcome. The returned payload is always usable.
func Detect(ctx context.Context, d Detector, imagePath string, timeout time.Duration) (Result, domain.InferenceOutcome) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	raw, err := d.RunInference(ctx, imagePath)
	switch {
	case err == nil:
		return d.ParseResults(raw), domain.InferenceOutcome{Status: domain.InferenceOK}
	case errors.Is(err, ErrDisabled):
		return domain.EmptyDetections(), domain.InferenceOutcome{Status: domain.InferenceSkipped}
	case errors.Is(err, context.DeadlineExceeded):
		return domain.EmptyDetections(), domain.InferenceOutcome{Status: domain.InferenceTimeout, Error: err.Error()}
	default:
		return domain.EmptyDetections(), domain.InferenceOutcome{Status: domain.InferenceFailed, Error: err.Error()}
	}
}
