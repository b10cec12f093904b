package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
	"github.com/nuhmanudheent/hosp-connect-attention-service/logs"
)

func decodeJSON(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

const prediction = `{"class": "melanoma", "confidence": 0.87, "x": 120.5, "y": 80, "width": 40, "height": 30}`

func TestRoboflowDetector_ParseResults(t *testing.T) {
	t.Parallel()

	d := NewRoboflowDetector(RoboflowConfig{}, logs.NewNopLogger())

	tests := []struct {
		name string
		raw  string
		want int
	}{
		{name: "mapping with nested mapping", raw: `{"predictions": {"predictions": [` + prediction + `]}}`, want: 1},
		{name: "sequence with nested list", raw: `[{"predictions": [{"predictions": [` + prediction + `, ` + prediction + `]}]}]`, want: 2},
		{name: "sequence with nested mapping", raw: `[{"predictions": {"predictions": [` + prediction + `]}}]`, want: 1},
		{name: "empty mapping", raw: `{}`, want: 0},
		{name: "no predictions key", raw: `{"output": 1}`, want: 0},
		{name: "empty predictions list", raw: `{"predictions": []}`, want: 0},
		{name: "empty sequence", raw: `[]`, want: 0},
		{name: "null", raw: `null`, want: 0},
		{name: "scalar", raw: `"garbage"`, want: 0},
		{name: "sequence of scalars", raw: `[1, 2]`, want: 0},
		{name: "prediction missing coordinates", raw: `{"predictions": {"predictions": [{"class": "x", "confidence": 0.5}]}}`, want: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := d.ParseResults(decodeJSON(t, tt.raw))
			require.NotNil(t, got.Detections)
			assert.Len(t, got.Detections, tt.want)
		})
	}
}

func TestRoboflowDetector_ParseResults_Values(t *testing.T) {
	t.Parallel()

	d := NewRoboflowDetector(RoboflowConfig{}, logs.NewNopLogger())
	got := d.ParseResults(decodeJSON(t, `{"predictions": {"predictions": [`+prediction+`]}}`))

	require.Len(t, got.Detections, 1)
	assert.Equal(t, domain.Detection{
		Class:       "melanoma",
		Confidence:  0.87,
		BoundingBox: domain.BoundingBox{X: 120.5, Y: 80, Width: 40, Height: 30},
	}, got.Detections[0])
}

func TestRoboflowDetector_ParseResults_ShapesAgree(t *testing.T) {
	t.Parallel()

	d := NewRoboflowDetector(RoboflowConfig{}, logs.NewNopLogger())
	want := Result{Detections: []domain.Detection{{
		Class:       "melanoma",
		Confidence:  0.87,
		BoundingBox: domain.BoundingBox{X: 120.5, Y: 80, Width: 40, Height: 30},
	}}}

	shapes := map[string]string{
		"mapping with nested mapping":  `{"predictions": {"predictions": [` + prediction + `]}}`,
		"mapping with nested list":     `{"predictions": [{"predictions": [` + prediction + `]}]}`,
		"sequence with nested mapping": `[{"predictions": {"predictions": [` + prediction + `]}}]`,
		"sequence with nested list":    `[{"predictions": [{"predictions": [` + prediction + `]}]}]`,
	}
	for name, raw := range shapes {
		assert.Equal(t, want, d.ParseResults(decodeJSON(t, raw)), name)
	}
}

func TestRoboflowDetector_ParseResults_NilInput(t *testing.T) {
	t.Parallel()

	d := NewRoboflowDetector(RoboflowConfig{}, logs.NewNopLogger())
	assert.Empty(t, d.ParseResults(nil).Detections)
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xe0}, 0o600))
	return path
}

func TestRoboflowDetector_RunInference(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotBody workflowRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"outputs": [{"predictions": {"predictions": [` + prediction + `]}}]}`))
	}))
	t.Cleanup(srv.Close)

	d := NewRoboflowDetector(RoboflowConfig{
		APIURL:    srv.URL,
		APIKey:    "key",
		Workspace: "clinic",
		Workflow:  "skin",
		Timeout:   time.Second,
	}, logs.NewNopLogger())

	raw, err := d.RunInference(context.Background(), writeImage(t))
	require.NoError(t, err)

	assert.Equal(t, "/clinic/workflows/skin", gotPath)
	assert.Equal(t, "key", gotBody.APIKey)
	assert.Equal(t, "base64", gotBody.Inputs["image"].Type)

	result := d.ParseResults(raw)
	require.Len(t, result.Detections, 1)
	assert.Equal(t, "melanoma", result.Detections[0].Class)
	assert.InDelta(t, 0.87, result.Detections[0].Confidence, 1e-9)
}

func TestRoboflowDetector_RunInference_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	d := NewRoboflowDetector(RoboflowConfig{APIURL: srv.URL, Timeout: time.Second}, logs.NewNopLogger())
	_, err := d.RunInference(context.Background(), writeImage(t))

	var ext *domain.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "roboflow", ext.Service)
}

func TestDetect_Outcomes(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	d := NewRoboflowDetector(RoboflowConfig{APIURL: slow.URL, Timeout: 5 * time.Second}, logs.NewNopLogger())
	result, outcome := Detect(context.Background(), d, writeImage(t), 20*time.Millisecond)
	assert.Equal(t, domain.InferenceTimeout, outcome.Status)
	assert.Empty(t, result.Detections)

	result, outcome = Detect(context.Background(), d, filepath.Join(t.TempDir(), "missing.jpg"), time.Second)
	assert.Equal(t, domain.InferenceFailed, outcome.Status)
	assert.NotEmpty(t, outcome.Error)
	assert.NotNil(t, result.Detections)

	_, outcome = Detect(context.Background(), disabledDetector{}, "any.jpg", time.Second)
	assert.Equal(t, domain.InferenceSkipped, outcome.Status)
}
