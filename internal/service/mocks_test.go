package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/inference"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/repository"
)

type mockRepo struct {
	LatestSchedulingAppointmentFunc func(ctx context.Context, patientID int64) (domain.Appointment, bool, error)
	CreateAppointmentFunc           func(ctx context.Context, appt domain.Appointment, images []domain.ImageAnnotation, minGapDays int) (domain.Appointment, []domain.ImageAnnotation, error)
	GetAppointmentFunc              func(ctx context.Context, id int64) (domain.Appointment, bool, error)
	TransitionAppointmentFunc       func(ctx context.Context, id int64, from, to domain.AppointmentState, change repository.TransitionChange) (domain.Appointment, error)
	RecordAttentionFunc             func(ctx context.Context, record domain.AttentionRecord, images []domain.ImageAnnotation) (domain.AttentionRecord, []domain.ImageAnnotation, error)
	ListPendingFunc                 func(ctx context.Context, filter domain.AppointmentFilter) ([]domain.PendingAppointment, error)
	NotificationContactFunc         func(ctx context.Context, id int64) (domain.AppointmentContact, bool, error)
	AppointmentsOnFunc              func(ctx context.Context, date time.Time, state domain.AppointmentState) ([]domain.AppointmentContact, error)
	UpsertPatientProfileFunc        func(ctx context.Context, profile domain.PatientProfile) (domain.PatientProfile, error)

	createCalls atomic.Int32
}

var _ repository.AppointmentRepository = (*mockRepo)(nil)

func (m *mockRepo) LatestSchedulingAppointment(ctx context.Context, patientID int64) (domain.Appointment, bool, error) {
	if m.LatestSchedulingAppointmentFunc == nil {
		return domain.Appointment{}, false, nil
	}
	return m.LatestSchedulingAppointmentFunc(ctx, patientID)
}

func (m *mockRepo) CreateAppointment(ctx context.Context, appt domain.Appointment, images []domain.ImageAnnotation, minGapDays int) (domain.Appointment, []domain.ImageAnnotation, error) {
	m.createCalls.Add(1)
	if m.CreateAppointmentFunc == nil {
		appt.ID = 1
		return appt, withIDs(images), nil
	}
	return m.CreateAppointmentFunc(ctx, appt, images, minGapDays)
}

func (m *mockRepo) GetAppointment(ctx context.Context, id int64) (domain.Appointment, bool, error) {
	if m.GetAppointmentFunc == nil {
		return domain.Appointment{}, false, nil
	}
	return m.GetAppointmentFunc(ctx, id)
}

func (m *mockRepo) TransitionAppointment(ctx context.Context, id int64, from, to domain.AppointmentState, change repository.TransitionChange) (domain.Appointment, error) {
	return m.TransitionAppointmentFunc(ctx, id, from, to, change)
}

func (m *mockRepo) RecordAttention(ctx context.Context, record domain.AttentionRecord, images []domain.ImageAnnotation) (domain.AttentionRecord, []domain.ImageAnnotation, error) {
	if m.RecordAttentionFunc == nil {
		record.ID = 1
		return record, withIDs(images), nil
	}
	return m.RecordAttentionFunc(ctx, record, images)
}

func (m *mockRepo) ListPending(ctx context.Context, filter domain.AppointmentFilter) ([]domain.PendingAppointment, error) {
	if m.ListPendingFunc == nil {
		return nil, nil
	}
	return m.ListPendingFunc(ctx, filter)
}

func (m *mockRepo) PatientHistory(context.Context, int64, domain.AppointmentFilter) ([]domain.HistoryEntry, error) {
	return nil, nil
}

func (m *mockRepo) ClinicianHistory(context.Context, int64, domain.AppointmentFilter) ([]domain.HistoryEntry, error) {
	return nil, nil
}

func (m *mockRepo) AppointmentDetail(context.Context, int64) (domain.AppointmentDetail, bool, error) {
	return domain.AppointmentDetail{}, false, nil
}

func (m *mockRepo) NotificationContact(ctx context.Context, id int64) (domain.AppointmentContact, bool, error) {
	if m.NotificationContactFunc == nil {
		return domain.AppointmentContact{AppointmentID: id, PatientEmail: "patient@example.com"}, true, nil
	}
	return m.NotificationContactFunc(ctx, id)
}

func (m *mockRepo) ListPatientAppointments(context.Context, int64) ([]domain.AppointmentSummary, error) {
	return nil, nil
}

func (m *mockRepo) NextApprovedAppointment(context.Context, int64, time.Time) (domain.AppointmentSummary, bool, error) {
	return domain.AppointmentSummary{}, false, nil
}

func (m *mockRepo) LastAttendedAppointment(context.Context, int64) (domain.HistoryEntry, bool, error) {
	return domain.HistoryEntry{}, false, nil
}

func (m *mockRepo) AppointmentsOn(ctx context.Context, date time.Time, state domain.AppointmentState) ([]domain.AppointmentContact, error) {
	if m.AppointmentsOnFunc == nil {
		return nil, nil
	}
	return m.AppointmentsOnFunc(ctx, date, state)
}

func (m *mockRepo) UpsertPatientProfile(ctx context.Context, profile domain.PatientProfile) (domain.PatientProfile, error) {
	if m.UpsertPatientProfileFunc == nil {
		return profile, nil
	}
	return m.UpsertPatientProfileFunc(ctx, profile)
}

func withIDs(images []domain.ImageAnnotation) []domain.ImageAnnotation {
	out := make([]domain.ImageAnnotation, len(images))
	for i, img := range images {
		img.ID = int64(100 + i)
		out[i] = img
	}
	return out
}

type mockCatalog struct{}

func (mockCatalog) ListSpecialties(context.Context) ([]domain.Specialty, error) {
	return []domain.Specialty{{ID: 1, Name: "Dermatology"}}, nil
}

func (mockCatalog) ListClinicians(context.Context, int64) ([]domain.ClinicianSummary, error) {
	return nil, nil
}

// memStore keeps saved paths in memory. Uploads named "broken.*" fail.
type memStore struct {
	mu      sync.Mutex
	saved   []string
	removed []string
	seq     int
}

func (s *memStore) Save(upload domain.ImageUpload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upload.Filename == "broken.png" {
		return "", domain.NewStorageError("save image", errors.New("disk full"))
	}
	s.seq++
	path := fmt.Sprintf("/uploads/%d-%s", s.seq, upload.Filename)
	s.saved = append(s.saved, path)
	return path, nil
}

func (s *memStore) Remove(paths ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, paths...)
	return nil
}

func (s *memStore) Removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

// stubDetector fails for paths containing "bad" and blocks for paths
// containing "slow" until the context ends.
type stubDetector struct {
	calls atomic.Int32
}

var _ inference.Detector = (*stubDetector)(nil)

func (d *stubDetector) Name() string { return "stub" }

func (d *stubDetector) RunInference(ctx context.Context, path string) (inference.RawResult, error) {
	d.calls.Add(1)
	switch {
	case strings.Contains(path, "bad"):
		return nil, errors.New("model crashed")
	case strings.Contains(path, "slow"):
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return "lesion", nil
}

func (d *stubDetector) ParseResults(raw inference.RawResult) inference.Result {
	class, ok := raw.(string)
	if !ok {
		return domain.EmptyDetections()
	}
	return domain.DetectionPayload{Detections: []domain.Detection{{Class: class, Confidence: 0.9}}}
}

type mockNotifier struct {
	mu     sync.Mutex
	events []domain.AppointmentEvent
	err    error
}

func (n *mockNotifier) AppointmentEvent(_ context.Context, event domain.AppointmentEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *mockNotifier) Events() []domain.AppointmentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.AppointmentEvent(nil), n.events...)
}
