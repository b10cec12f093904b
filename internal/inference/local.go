package inference

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
)

const defaultConfidence = 0.25

type LocalConfig struct {
	Python     string
	Script     string
	Model      string
	Confidence float64
}

// LocalDetector runs an Ultralytics model through a Python worker process.
// Request and response are msgpack messages framed by a 4-byte big-endian length.
type LocalDetector struct {
	cfg    LocalConfig
	logger *logrus.Logger
	// command builds the worker process; replaced in tests.
	command func(ctx context.Context) *exec.Cmd
}

func NewLocalDetector(cfg LocalConfig, logger *logrus.Logger) *LocalDetector {
	if cfg.Confidence <= 0 {
		cfg.Confidence = defaultConfidence
	}
	d := &LocalDetector{cfg: cfg, logger: logger}
	d.command = func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, cfg.Python, cfg.Script, "--model", cfg.Model)
	}
	return d
}

func (d *LocalDetector) Name() string { return "local" }

type workerRequest struct {
	ImagePath  string  `msgpack:"image_path"`
	Confidence float64 `msgpack:"confidence"`
}

// WorkerBox is one Ultralytics box. Either XYWH (center form) or XYXY (corners) is set.
type WorkerBox struct {
	Class      int       `msgpack:"cls"`
	Name       string    `msgpack:"name"`
	Confidence float64   `msgpack:"conf"`
	XYWH       []float64 `msgpack:"xywh"`
	XYXY       []float64 `msgpack:"xyxy"`
}

type WorkerResult struct {
	Boxes []WorkerBox    `msgpack:"boxes"`
	Names map[int]string `msgpack:"names"`
	Error string         `msgpack:"error"`
}

func (d *LocalDetector) RunInference(ctx context.Context, imagePath string) (RawResult, error) {
	payload, err := msgpack.Marshal(workerRequest{ImagePath: imagePath, Confidence: d.cfg.Confidence})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	var stdin bytes.Buffer
	if err := writeFrame(&stdin, payload); err != nil {
		return nil, err
	}

	cmd := d.command(ctx)
	cmd.Stdin = &stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("python worker: %w", ctxErr)
		}
		d.logger.WithFields(logrus.Fields{
			"Function": "RunInference",
			"Image":    imagePath,
			"Stderr":   truncate(strings.TrimSpace(stderr.String()), 512),
			"Error":    err,
		}).Error("Python worker failed")
		return nil, fmt.Errorf("python worker: %w", err)
	}

	frame, err := readFrame(&stdout)
	if err != nil {
		return nil, err
	}
	var result WorkerResult
	if err := msgpack.Unmarshal(frame, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal msgpack inference result: %w", err)
	}
	if result.Error != "" {
		return nil, errors.New(result.Error)
	}
	return &result, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fmt.Errorf("failed to read length prefix: %w", err)
	}
	data := make([]byte, binary.BigEndian.Uint32(prefix))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read msgpack data: %w", err)
	}
	return data, nil
}

// ParseResults accepts a WorkerResult (by value or pointer) or its generic
// map form. Corner boxes are converted to center form.
func (d *LocalDetector) ParseResults(raw RawResult) Result {
	switch v := raw.(type) {
	case *WorkerResult:
		if v == nil {
			return domain.EmptyDetections()
		}
		return parseWorkerResult(*v)
	case WorkerResult:
		return parseWorkerResult(v)
	default:
		m, ok := toMap(v)
		if !ok {
			return domain.EmptyDetections()
		}
		return parseWorkerResult(workerResultFromMap(m))
	}
}

func parseWorkerResult(r WorkerResult) Result {
	out := domain.EmptyDetections()
	for _, box := range r.Boxes {
		bb, ok := centerBox(box)
		if !ok {
			continue
		}
		name := box.Name
		if name == "" {
			name = r.Names[box.Class]
		}
		if name == "" {
			name = fmt.Sprintf("class_%d", box.Class)
		}
		out.Detections = append(out.Detections, domain.Detection{
			Class:       name,
			Confidence:  box.Confidence,
			BoundingBox: bb,
		})
	}
	return out
}

func centerBox(b WorkerBox) (domain.BoundingBox, bool) {
	switch {
	case len(b.XYWH) == 4:
		return domain.BoundingBox{X: b.XYWH[0], Y: b.XYWH[1], Width: b.XYWH[2], Height: b.XYWH[3]}, true
	case len(b.XYXY) == 4:
		x1, y1, x2, y2 := b.XYXY[0], b.XYXY[1], b.XYXY[2], b.XYXY[3]
		return domain.BoundingBox{
			X:      (x1 + x2) / 2,
			Y:      (y1 + y2) / 2,
			Width:  x2 - x1,
			Height: y2 - y1,
		}, true
	default:
		return domain.BoundingBox{}, false
	}
}

func workerResultFromMap(m map[string]any) WorkerResult {
	var r WorkerResult
	if names, ok := toMap(m["names"]); ok {
		r.Names = make(map[int]string, len(names))
		for k, v := range names {
			if id, ok := toFloat(k); ok {
				r.Names[int(id)] = toString(v)
			}
		}
	}
	boxes, _ := m["boxes"].([]any)
	for _, item := range boxes {
		bm, ok := toMap(item)
		if !ok {
			continue
		}
		var box WorkerBox
		if cls, ok := toFloat(bm["cls"]); ok {
			box.Class = int(cls)
		}
		box.Name = toString(bm["name"])
		box.Confidence, _ = toFloat(bm["conf"])
		box.XYWH, _ = toFloats(bm["xywh"])
		box.XYXY, _ = toFloats(bm["xyxy"])
		r.Boxes = append(r.Boxes, box)
	}
	return r
}
