package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/inference"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/repository"
)

// Notifier delivers appointment events to the notification service.
type Notifier interface {
	AppointmentEvent(ctx context.Context, event domain.AppointmentEvent) error
}

// ImageStore persists uploaded images.
type ImageStore interface {
	Save(upload domain.ImageUpload) (string, error)
	Remove(paths ...string) error
}

type Options struct {
	InferenceTimeout time.Duration
	Concurrency      int
	NotifyTimeout    time.Duration
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.InferenceTimeout <= 0 {
		o.InferenceTimeout = 30 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type CreateAppointmentRequest struct {
	ClinicianID int64
	SpecialtyID int64
	Date        time.Time
	Time        string
	Images      []domain.ImageUpload
}

type RecordAttentionRequest struct {
	AppointmentID   int64
	BodySystem      string
	Diagnosis       string
	Recommendations string
	Images          []domain.ImageUpload
}

type AppointmentService interface {
	CreateAppointment(ctx context.Context, actor domain.Actor, req CreateAppointmentRequest) (domain.CreatedAppointment, error)
	ApproveAppointment(ctx context.Context, actor domain.Actor, appointmentID int64) (domain.Appointment, error)
	RejectAppointment(ctx context.Context, actor domain.Actor, appointmentID int64, reason string) (domain.Appointment, error)
	RecordAttention(ctx context.Context, actor domain.Actor, req RecordAttentionRequest) (domain.AttentionResult, error)
	GetPendingAppointments(ctx context.Context, actor domain.Actor, filter domain.AppointmentFilter) ([]domain.PendingAppointment, error)
	GetAppointmentDetail(ctx context.Context, actor domain.Actor, appointmentID int64) (domain.AppointmentDetail, error)
	GetPatientHistory(ctx context.Context, actor domain.Actor, filter domain.AppointmentFilter) ([]domain.HistoryEntry, error)
	GetClinicianHistory(ctx context.Context, actor domain.Actor, filter domain.AppointmentFilter) ([]domain.HistoryEntry, error)
	ListPatientAppointments(ctx context.Context, actor domain.Actor) ([]domain.AppointmentSummary, error)
	NextAppointment(ctx context.Context, actor domain.Actor) (domain.AppointmentSummary, bool, error)
	LastAttendedAppointment(ctx context.Context, actor domain.Actor) (domain.HistoryEntry, bool, error)
	ListSpecialties(ctx context.Context, actor domain.Actor) ([]domain.Specialty, error)
	ListClinicians(ctx context.Context, actor domain.Actor, specialtyID int64) ([]domain.ClinicianSummary, error)
	UpdatePatientProfile(ctx context.Context, actor domain.Actor, profile domain.PatientProfile) (domain.PatientProfile, error)
	SendDailyReminders()
	Wait()
}

type appointmentService struct {
	repo     repository.AppointmentRepository
	catalog  repository.CatalogRepository
	detector inference.Detector
	store    ImageStore
	notifier Notifier
	Logger   *logrus.Logger
	opts     Options

	notifications sync.WaitGroup
}

func NewAppointmentService(repo repository.AppointmentRepository, catalog repository.CatalogRepository, detector inference.Detector, store ImageStore, notifier Notifier, logger *logrus.Logger, opts Options) AppointmentService {
	return &appointmentService{
		repo:     repo,
		catalog:  catalog,
		detector: detector,
		store:    store,
		notifier: notifier,
		Logger:   logger,
		opts:     opts.withDefaults(),
	}
}

func (s *appointmentService) CreateAppointment(ctx context.Context, actor domain.Actor, req CreateAppointmentRequest) (domain.CreatedAppointment, error) {
	s.Logger.WithFields(logrus.Fields{
		"Function":    "CreateAppointment",
		"PatientID":   actor.ID,
		"ClinicianID": req.ClinicianID,
		"Date":        req.Date.Format(domain.DateLayout),
	}).Info("Creating appointment")

	if err := domain.RequireRole(actor, domain.RolePatient); err != nil {
		return domain.CreatedAppointment{}, err
	}
	if req.Date.IsZero() {
		return domain.CreatedAppointment{}, domain.NewValidationError("date is required")
	}
	if !domain.ValidTime(req.Time) {
		return domain.CreatedAppointment{}, domain.NewValidationError("time %q must be HH:MM", req.Time)
	}
	if req.ClinicianID <= 0 || req.SpecialtyID <= 0 {
		return domain.CreatedAppointment{}, domain.NewValidationError("clinician and specialty are required")
	}

	latest, found, err := s.repo.LatestSchedulingAppointment(ctx, actor.ID)
	if err != nil {
		s.Logger.WithFields(logrus.Fields{
			"Function":  "CreateAppointment",
			"PatientID": actor.ID,
			"Error":     err,
		}).Error("Failed to read latest appointment")
		return domain.CreatedAppointment{}, err
	}
	if found {
		if days := domain.CalendarDaysBetween(latest.Date, req.Date); days < domain.MinDaysBetweenAppointments {
			s.Logger.WithFields(logrus.Fields{
				"Function":  "CreateAppointment",
				"PatientID": actor.ID,
				"Latest":    latest.Date.Format(domain.DateLayout),
				"Days":      days,
			}).Warn("Appointment requested too soon after the previous one")
			return domain.CreatedAppointment{}, domain.NewValidationError(
				"requested date is %d days after the appointment of %s, at least %d are required",
				days, latest.Date.Format(domain.DateLayout), domain.MinDaysBetweenAppointments)
		}
	}

	batch, err := s.processImages(ctx, req.Images, domain.UploaderPatient)
	if err != nil {
		return domain.CreatedAppointment{}, err
	}

	appt, saved, err := s.repo.CreateAppointment(ctx, domain.Appointment{
		PatientID:   actor.ID,
		ClinicianID: req.ClinicianID,
		SpecialtyID: req.SpecialtyID,
		Date:        domain.TruncateDay(req.Date),
		Time:        req.Time,
		State:       domain.StatePending,
	}, batch.annotations, domain.MinDaysBetweenAppointments)
	if err != nil {
		s.discard(batch)
		s.Logger.WithFields(logrus.Fields{
			"Function":  "CreateAppointment",
			"PatientID": actor.ID,
			"Error":     err,
		}).Error("Failed to create appointment")
		return domain.CreatedAppointment{}, err
	}

	s.notify(domain.NotificationCreated, appt.ID)

	s.Logger.WithFields(logrus.Fields{
		"Function":      "CreateAppointment",
		"AppointmentID": appt.ID,
		"Images":        len(saved),
	}).Info("Appointment created")

	return domain.CreatedAppointment{Appointment: appt, Images: batch.results(saved)}, nil
}

func (s *appointmentService) ApproveAppointment(ctx context.Context, actor domain.Actor, appointmentID int64) (domain.Appointment, error) {
	s.Logger.WithFields(logrus.Fields{
		"Function":      "ApproveAppointment",
		"AppointmentID": appointmentID,
		"ActorID":       actor.ID,
	}).Info("Approving appointment")

	if err := domain.RequireRole(actor, domain.RoleProfessional); err != nil {
		return domain.Appointment{}, err
	}

	appt, err := s.repo.TransitionAppointment(ctx, appointmentID, domain.StatePending, domain.StateApproved,
		repository.TransitionChange{ActorID: actor.ID})
	if err != nil {
		s.Logger.WithFields(logrus.Fields{
			"Function":      "ApproveAppointment",
			"AppointmentID": appointmentID,
			"Error":         err,
		}).Error("Failed to approve appointment")
		return domain.Appointment{}, err
	}

	s.notify(domain.NotificationApproved, appt.ID)
	return appt, nil
}

func (s *appointmentService) RejectAppointment(ctx context.Context, actor domain.Actor, appointmentID int64, reason string) (domain.Appointment, error) {
	s.Logger.WithFields(logrus.Fields{
		"Function":      "RejectAppointment",
		"AppointmentID": appointmentID,
		"ActorID":       actor.ID,
	}).Info("Rejecting appointment")

	if err := domain.RequireRole(actor, domain.RoleProfessional); err != nil {
		return domain.Appointment{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Appointment{}, domain.NewValidationError("a rejection reason is required")
	}

	appt, err := s.repo.TransitionAppointment(ctx, appointmentID, domain.StatePending, domain.StateRejected,
		repository.TransitionChange{ActorID: actor.ID, Reason: &reason})
	if err != nil {
		s.Logger.WithFields(logrus.Fields{
			"Function":      "RejectAppointment",
			"AppointmentID": appointmentID,
			"Error":         err,
		}).Error("Failed to reject appointment")
		return domain.Appointment{}, err
	}

	s.notify(domain.NotificationRejected, appt.ID)
	return appt, nil
}

func (s *appointmentService) GetPendingAppointments(ctx context.Context, actor domain.Actor, filter domain.AppointmentFilter) ([]domain.PendingAppointment, error) {
	if err := domain.RequireRole(actor, domain.RoleProfessional); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListPending(ctx, filter)
}

func (s *appointmentService) GetAppointmentDetail(ctx context.Context, actor domain.Actor, appointmentID int64) (domain.AppointmentDetail, error) {
	if err := domain.RequireRole(actor, domain.RoleProfessional); err != nil {
		return domain.AppointmentDetail{}, err
	}
	detail, found, err := s.repo.AppointmentDetail(ctx, appointmentID)
	if err != nil {
		return domain.AppointmentDetail{}, err
	}
	if !found {
		return domain.AppointmentDetail{}, &domain.ConflictError{AppointmentID: appointmentID, NotFound: true}
	}
	return detail, nil
}

func (s *appointmentService) GetPatientHistory(ctx context.Context, actor domain.Actor, filter domain.AppointmentFilter) ([]domain.HistoryEntry, error) {
	if err := domain.RequireRole(actor, domain.RolePatient); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return s.repo.PatientHistory(ctx, actor.ID, filter)
}

func (s *appointmentService) GetClinicianHistory(ctx context.Context, actor domain.Actor, filter domain.AppointmentFilter) ([]domain.HistoryEntry, error) {
	if err := domain.RequireRole(actor, domain.RoleClinician); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ClinicianHistory(ctx, actor.ID, filter)
}

func (s *appointmentService) ListPatientAppointments(ctx context.Context, actor domain.Actor) ([]domain.AppointmentSummary, error) {
	if err := domain.RequireRole(actor, domain.RolePatient); err != nil {
		return nil, err
	}
	return s.repo.ListPatientAppointments(ctx, actor.ID)
}

func (s *appointmentService) NextAppointment(ctx context.Context, actor domain.Actor) (domain.AppointmentSummary, bool, error) {
	if err := domain.RequireRole(actor, domain.RolePatient); err != nil {
		return domain.AppointmentSummary{}, false, err
	}
	return s.repo.NextApprovedAppointment(ctx, actor.ID, s.opts.Now())
}

func (s *appointmentService) LastAttendedAppointment(ctx context.Context, actor domain.Actor) (domain.HistoryEntry, bool, error) {
	if err := domain.RequireRole(actor, domain.RolePatient); err != nil {
		return domain.HistoryEntry{}, false, err
	}
	return s.repo.LastAttendedAppointment(ctx, actor.ID)
}

func (s *appointmentService) ListSpecialties(ctx context.Context, actor domain.Actor) ([]domain.Specialty, error) {
	if err := domain.RequireRole(actor, domain.RolePatient); err != nil {
		return nil, err
	}
	return s.catalog.ListSpecialties(ctx)
}

func (s *appointmentService) ListClinicians(ctx context.Context, actor domain.Actor, specialtyID int64) ([]domain.ClinicianSummary, error) {
	if err := domain.RequireRole(actor, domain.RolePatient); err != nil {
		return nil, err
	}
	return s.catalog.ListClinicians(ctx, specialtyID)
}

func (s *appointmentService) UpdatePatientProfile(ctx context.Context, actor domain.Actor, profile domain.PatientProfile) (domain.PatientProfile, error) {
	s.Logger.WithFields(logrus.Fields{
		"Function":  "UpdatePatientProfile",
		"PatientID": profile.UserID,
		"ActorID":   actor.ID,
	}).Info("Updating patient profile")

	if err := domain.RequireRole(actor, domain.RoleClinician); err != nil {
		return domain.PatientProfile{}, err
	}
	if profile.Weight.IsNegative() || profile.Height.IsNegative() {
		return domain.PatientProfile{}, domain.NewValidationError("weight and height cannot be negative")
	}
	switch profile.PatientType {
	case "":
		profile.PatientType = domain.PatientTypeLimiting
	case domain.PatientTypeLimiting, domain.PatientTypeNonLimiting:
	default:
		return domain.PatientProfile{}, domain.NewValidationError("unknown patient type %q", profile.PatientType)
	}

	saved, err := s.repo.UpsertPatientProfile(ctx, profile)
	if err != nil {
		s.Logger.WithFields(logrus.Fields{
			"Function":  "UpdatePatientProfile",
			"PatientID": profile.UserID,
			"Error":     err,
		}).Error("Failed to update patient profile")
		return domain.PatientProfile{}, err
	}
	return saved, nil
}

// Wait blocks until every in-flight notification has finished.
func (s *appointmentService) Wait() {
	s.notifications.Wait()
}
