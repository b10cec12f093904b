package service

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/inference"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/storage"
)

func (s *appointmentService) RecordAttention(ctx context.Context, actor domain.Actor, req RecordAttentionRequest) (domain.AttentionResult, error) {
	s.Logger.WithFields(logrus.Fields{
		"Function":      "RecordAttention",
		"AppointmentID": req.AppointmentID,
		"ClinicianID":   actor.ID,
		"Images":        len(req.Images),
	}).Info("Recording attention")

	if err := domain.RequireRole(actor, domain.RoleClinician); err != nil {
		return domain.AttentionResult{}, err
	}
	req.BodySystem = strings.TrimSpace(req.BodySystem)
	req.Diagnosis = strings.TrimSpace(req.Diagnosis)
	if req.BodySystem == "" || req.Diagnosis == "" {
		return domain.AttentionResult{}, domain.NewValidationError("body system and diagnosis are required")
	}

	appt, found, err := s.repo.GetAppointment(ctx, req.AppointmentID)
	if err != nil {
		return domain.AttentionResult{}, err
	}
	if !found {
		return domain.AttentionResult{}, &domain.ConflictError{AppointmentID: req.AppointmentID, NotFound: true}
	}
	if appt.State != domain.StateApproved {
		return domain.AttentionResult{}, &domain.ConflictError{
			AppointmentID: req.AppointmentID,
			Expected:      domain.StateApproved,
			Actual:        appt.State,
		}
	}

	batch, err := s.processImages(ctx, req.Images, domain.UploaderClinician)
	if err != nil {
		return domain.AttentionResult{}, err
	}

	record, saved, err := s.repo.RecordAttention(ctx, domain.AttentionRecord{
		AppointmentID:   req.AppointmentID,
		BodySystem:      req.BodySystem,
		Diagnosis:       req.Diagnosis,
		Recommendations: strings.TrimSpace(req.Recommendations),
	}, batch.annotations)
	if err != nil {
		s.discard(batch)
		s.Logger.WithFields(logrus.Fields{
			"Function":      "RecordAttention",
			"AppointmentID": req.AppointmentID,
			"Error":         err,
		}).Error("Failed to record attention")
		return domain.AttentionResult{}, err
	}

	s.Logger.WithFields(logrus.Fields{
		"Function":      "RecordAttention",
		"AppointmentID": req.AppointmentID,
		"RecordID":      record.ID,
	}).Info("Attention recorded")

	return domain.AttentionResult{Record: record, Images: batch.results(saved)}, nil
}

type imageBatch struct {
	annotations []domain.ImageAnnotation
	outcomes    []domain.InferenceOutcome
}

func (b imageBatch) paths() []string {
	out := make([]string, 0, len(b.annotations))
	for _, a := range b.annotations {
		if a.Path != "" {
			out = append(out, a.Path)
		}
	}
	return out
}

// results pairs the persisted annotations with what each pipeline produced.
// saved is in the same order as the batch.
func (b imageBatch) results(saved []domain.ImageAnnotation) []domain.ImageResult {
	out := make([]domain.ImageResult, len(b.annotations))
	for i, a := range b.annotations {
		if i < len(saved) {
			a.ID = saved[i].ID
		}
		out[i] = domain.ImageResult{
			AnnotationID: a.ID,
			Path:         a.Path,
			Detections:   a.Detections.Data(),
			Outcome:      b.outcomes[i],
		}
	}
	return out
}

// processImages stores every upload and runs detection on it. Images run
// concurrently up to the configured limit. A failed or slow detection only
// affects its own image; a storage failure aborts the batch.
func (s *appointmentService) processImages(ctx context.Context, uploads []domain.ImageUpload, uploader domain.UploaderRole) (imageBatch, error) {
	batch := imageBatch{
		annotations: make([]domain.ImageAnnotation, len(uploads)),
		outcomes:    make([]domain.InferenceOutcome, len(uploads)),
	}
	if len(uploads) == 0 {
		return batch, nil
	}

	for _, upload := range uploads {
		if _, ok := storage.Extension(upload.Filename); !ok {
			return imageBatch{}, domain.NewValidationError("unsupported image %q", upload.Filename)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, upload := range uploads {
		i, upload := i, upload
		g.Go(func() error {
			path, err := s.store.Save(upload)
			if err != nil {
				return err
			}
			batch.annotations[i].Path = path

			detections, outcome := inference.Detect(gctx, s.detector, path, s.opts.InferenceTimeout)
			if outcome.Status != domain.InferenceOK {
				s.Logger.WithFields(logrus.Fields{
					"Function": "processImages",
					"Detector": s.detector.Name(),
					"Path":     path,
					"Status":   outcome.Status,
					"Error":    outcome.Error,
				}).Warn("Inference did not complete")
			}

			batch.annotations[i].Detections = datatypes.NewJSONType(detections)
			batch.annotations[i].UploaderRole = uploader
			batch.annotations[i].InferenceStatus = outcome.Status
			batch.annotations[i].InferenceError = outcome.Error
			batch.outcomes[i] = outcome
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.discard(batch)
		s.Logger.WithFields(logrus.Fields{
			"Function": "processImages",
			"Error":    err,
		}).Error("Failed to store images")
		return imageBatch{}, err
	}
	return batch, nil
}

func (s *appointmentService) discard(batch imageBatch) {
	paths := batch.paths()
	if len(paths) == 0 {
		return
	}
	if err := s.store.Remove(paths...); err != nil {
		s.Logger.WithFields(logrus.Fields{
			"Function": "discard",
			"Paths":    paths,
			"Error":    err,
		}).Error("Failed to remove stored images")
	}
}
