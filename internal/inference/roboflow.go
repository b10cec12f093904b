package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
)

type RoboflowConfig struct {
	APIURL    string
	APIKey    string
	Workspace string
	Workflow  string
	Timeout   time.Duration
}

// RoboflowDetector calls a hosted Roboflow workflow.
type RoboflowDetector struct {
	cfg     RoboflowConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

func NewRoboflowDetector(cfg RoboflowConfig, logger *logrus.Logger) *RoboflowDetector {
	return &RoboflowDetector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "roboflow",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.WithFields(logrus.Fields{
					"Function": "RoboflowDetector",
					"Breaker":  name,
					"From":     from.String(),
					"To":       to.String(),
				}).Warn("Circuit breaker state changed")
			},
		}),
		logger: logger,
	}
}

func (d *RoboflowDetector) Name() string { return "roboflow" }

type workflowRequest struct {
	APIKey   string                   `json:"api_key"`
	Inputs   map[string]workflowImage `json:"inputs"`
	UseCache bool                     `json:"use_cache"`
}

type workflowImage struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (d *RoboflowDetector) endpoint() string {
	return fmt.Sprintf("%s/%s/workflows/%s", strings.TrimRight(d.cfg.APIURL, "/"), d.cfg.Workspace, d.cfg.Workflow)
}

// RunInference uploads the image and returns the workflow "outputs" value,
// or the whole decoded body when it has none.
func (d *RoboflowDetector) RunInference(ctx context.Context, imagePath string) (RawResult, error) {
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	body, err := json.Marshal(workflowRequest{
		APIKey: d.cfg.APIKey,
		Inputs: map[string]workflowImage{
			"image": {Type: "base64", Value: base64.StdEncoding.EncodeToString(image)},
		},
		UseCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	out, err := d.breaker.Execute(func() (interface{}, error) {
		return d.post(ctx, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			d.logger.WithFields(logrus.Fields{
				"Function": "RunInference",
				"Error":    err,
			}).Warn("Roboflow request rejected by circuit breaker")
		}
		return nil, &domain.ExternalServiceError{Service: "roboflow", Err: err}
	}
	return out, nil
}

func (d *RoboflowDetector) post(ctx context.Context, body []byte) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("workflow returned %d: %s", resp.StatusCode, truncate(string(respBody), 256))
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if m, ok := decoded.(map[string]any); ok {
		if outputs, ok := m["outputs"]; ok {
			return outputs, nil
		}
	}
	return decoded, nil
}

// ParseResults accepts the workflow result as a mapping or as a sequence whose
// first element is the mapping. Its "predictions" entry may itself be a
// mapping or a list whose first element holds the inner "predictions" list.
func (d *RoboflowDetector) ParseResults(raw RawResult) Result {
	var image map[string]any
	switch v := raw.(type) {
	case []any:
		if len(v) == 0 {
			return domain.EmptyDetections()
		}
		image, _ = toMap(v[0])
	default:
		image, _ = toMap(v)
	}
	if image == nil {
		return domain.EmptyDetections()
	}

	var items []any
	switch container := image["predictions"].(type) {
	case []any:
		if len(container) > 0 {
			if inner, ok := toMap(container[0]); ok {
				items, _ = inner["predictions"].([]any)
			}
		}
	default:
		if inner, ok := toMap(container); ok {
			items, _ = inner["predictions"].([]any)
		}
	}

	out := domain.EmptyDetections()
	for _, item := range items {
		if det, ok := roboflowDetection(item); ok {
			out.Detections = append(out.Detections, det)
		}
	}
	return out
}

func roboflowDetection(item any) (domain.Detection, bool) {
	m, ok := toMap(item)
	if !ok {
		return domain.Detection{}, false
	}
	var box [4]float64
	for i, key := range []string{"x", "y", "width", "height"} {
		f, ok := toFloat(m[key])
		if !ok {
			return domain.Detection{}, false
		}
		box[i] = f
	}
	confidence, _ := toFloat(m["confidence"])
	return domain.Detection{
		Class:      toString(m["class"]),
		Confidence: confidence,
		BoundingBox: domain.BoundingBox{
			X: box[0], Y: box[1], Width: box[2], Height: box[3],
		},
	}, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
