package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/repository"
	"github.com/nuhmanudheent/hosp-connect-attention-service/logs"
)

var (
	fixedNow     = time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)
	patient      = domain.Actor{ID: 1, Role: domain.RolePatient}
	clinician    = domain.Actor{ID: 2, Role: domain.RoleClinician}
	professional = domain.Actor{ID: 3, Role: domain.RoleProfessional}
)

func day(s string) time.Time {
	t, err := domain.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func image(name string) domain.ImageUpload {
	return domain.ImageUpload{
		Filename: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("img")), nil
		},
	}
}

type fixture struct {
	repo     *mockRepo
	store    *memStore
	notifier *mockNotifier
	detector *stubDetector
	svc      AppointmentService
}

func newFixture(repo *mockRepo) *fixture {
	f := &fixture{
		repo:     repo,
		store:    &memStore{},
		notifier: &mockNotifier{},
		detector: &stubDetector{},
	}
	f.svc = NewAppointmentService(repo, mockCatalog{}, f.detector, f.store, f.notifier, logs.NewNopLogger(), Options{
		InferenceTimeout: 50 * time.Millisecond,
		Concurrency:      2,
		NotifyTimeout:    time.Second,
		Now:              func() time.Time { return fixedNow },
	})
	return f
}

func createRequest(date string) CreateAppointmentRequest {
	return CreateAppointmentRequest{
		ClinicianID: 2,
		SpecialtyID: 1,
		Date:        day(date),
		Time:        "10:30",
	}
}

func TestCreateAppointment_SchedulingGap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		latest    string
		requested string
		wantErr   bool
	}{
		{name: "no previous appointment", requested: "2024-03-10"},
		{name: "nine days after previous", latest: "2024-03-01", requested: "2024-03-10", wantErr: true},
		{name: "exactly fifteen days", latest: "2024-03-01", requested: "2024-03-16"},
		{name: "before previous", latest: "2024-03-20", requested: "2024-03-10", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := &mockRepo{
				LatestSchedulingAppointmentFunc: func(_ context.Context, patientID int64) (domain.Appointment, bool, error) {
					assert.Equal(t, patient.ID, patientID)
					if tt.latest == "" {
						return domain.Appointment{}, false, nil
					}
					return domain.Appointment{ID: 9, Date: day(tt.latest), State: domain.StateApproved}, true, nil
				},
			}
			f := newFixture(repo)

			created, err := f.svc.CreateAppointment(context.Background(), patient, createRequest(tt.requested))
			f.svc.Wait()

			if tt.wantErr {
				assert.True(t, domain.IsValidation(err), "got %v", err)
				assert.Equal(t, int32(0), repo.createCalls.Load())
				assert.Empty(t, f.notifier.Events())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.StatePending, created.Appointment.State)
			assert.Equal(t, day(tt.requested), created.Appointment.Date)
			require.Len(t, f.notifier.Events(), 1)
			assert.Equal(t, domain.NotificationCreated, f.notifier.Events()[0].Kind)
		})
	}
}

func TestCreateAppointment_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		actor domain.Actor
		req   CreateAppointmentRequest
		check func(error) bool
	}{
		{
			name:  "clinician cannot schedule",
			actor: clinician,
			req:   createRequest("2024-03-10"),
			check: func(err error) bool {
				var forbidden *domain.ForbiddenError
				return errors.As(err, &forbidden)
			},
		},
		{
			name:  "bad time",
			actor: patient,
			req:   CreateAppointmentRequest{ClinicianID: 2, SpecialtyID: 1, Date: day("2024-03-10"), Time: "25:00"},
			check: domain.IsValidation,
		},
		{
			name:  "missing date",
			actor: patient,
			req:   CreateAppointmentRequest{ClinicianID: 2, SpecialtyID: 1, Time: "10:00"},
			check: domain.IsValidation,
		},
		{
			name:  "unsupported image",
			actor: patient,
			req: CreateAppointmentRequest{
				ClinicianID: 2, SpecialtyID: 1, Date: day("2024-03-10"), Time: "10:00",
				Images: []domain.ImageUpload{image("scan.png"), image("notes.txt")},
			},
			check: domain.IsValidation,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(&mockRepo{})
			_, err := f.svc.CreateAppointment(context.Background(), tt.actor, tt.req)
			assert.True(t, tt.check(err), "got %v", err)
			assert.Equal(t, int32(0), f.repo.createCalls.Load())
			assert.Empty(t, f.store.saved)
		})
	}
}

func TestCreateAppointment_ImageFailuresAreIsolated(t *testing.T) {
	t.Parallel()

	var stored []domain.ImageAnnotation
	repo := &mockRepo{
		CreateAppointmentFunc: func(_ context.Context, appt domain.Appointment, images []domain.ImageAnnotation, minGapDays int) (domain.Appointment, []domain.ImageAnnotation, error) {
			assert.Equal(t, domain.MinDaysBetweenAppointments, minGapDays)
			stored = images
			appt.ID = 42
			return appt, withIDs(images), nil
		},
	}
	f := newFixture(repo)

	req := createRequest("2024-03-10")
	req.Images = []domain.ImageUpload{image("scan.png"), image("bad.png"), image("slow.jpg")}

	created, err := f.svc.CreateAppointment(context.Background(), patient, req)
	require.NoError(t, err)
	require.Len(t, created.Images, 3)

	assert.Equal(t, domain.InferenceOK, created.Images[0].Outcome.Status)
	assert.Len(t, created.Images[0].Detections.Detections, 1)
	assert.Equal(t, domain.InferenceFailed, created.Images[1].Outcome.Status)
	assert.Contains(t, created.Images[1].Outcome.Error, "model crashed")
	assert.Equal(t, domain.InferenceTimeout, created.Images[2].Outcome.Status)
	assert.Empty(t, created.Images[2].Detections.Detections)

	for i, img := range created.Images {
		assert.Equal(t, int64(100+i), img.AnnotationID)
		assert.Equal(t, stored[i].Path, img.Path)
		assert.Equal(t, domain.UploaderPatient, stored[i].UploaderRole)
		assert.Equal(t, img.Outcome.Status, stored[i].InferenceStatus)
	}
	assert.Empty(t, f.store.Removed())
}

func TestCreateAppointment_StorageFailureRemovesStoredFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(&mockRepo{})
	req := createRequest("2024-03-10")
	req.Images = []domain.ImageUpload{image("scan.png"), image("broken.png")}

	_, err := f.svc.CreateAppointment(context.Background(), patient, req)

	var storageErr *domain.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, int32(0), f.repo.createCalls.Load())
	assert.ElementsMatch(t, f.store.saved, f.store.Removed())
}

func TestCreateAppointment_WriteFailureRemovesStoredFiles(t *testing.T) {
	t.Parallel()

	repo := &mockRepo{
		CreateAppointmentFunc: func(context.Context, domain.Appointment, []domain.ImageAnnotation, int) (domain.Appointment, []domain.ImageAnnotation, error) {
			return domain.Appointment{}, nil, domain.NewStorageError("create appointment", errors.New("connection reset"))
		},
	}
	f := newFixture(repo)
	req := createRequest("2024-03-10")
	req.Images = []domain.ImageUpload{image("a.png"), image("b.jpg")}

	_, err := f.svc.CreateAppointment(context.Background(), patient, req)
	require.Error(t, err)
	f.svc.Wait()

	assert.Len(t, f.store.saved, 2)
	assert.ElementsMatch(t, f.store.saved, f.store.Removed())
	assert.Empty(t, f.notifier.Events())
}

func TestApproveAppointment(t *testing.T) {
	t.Parallel()

	repo := &mockRepo{
		TransitionAppointmentFunc: func(_ context.Context, id int64, from, to domain.AppointmentState, change repository.TransitionChange) (domain.Appointment, error) {
			assert.Equal(t, domain.StatePending, from)
			assert.Equal(t, domain.StateApproved, to)
			assert.Equal(t, professional.ID, change.ActorID)
			assert.Nil(t, change.Reason)
			return domain.Appointment{ID: id, State: to}, nil
		},
	}
	f := newFixture(repo)

	appt, err := f.svc.ApproveAppointment(context.Background(), professional, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, appt.State)

	f.svc.Wait()
	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.NotificationApproved, events[0].Kind)
	assert.Equal(t, int64(7), events[0].AppointmentId)
	assert.Equal(t, "patient@example.com", events[0].Recipient)
}

func TestApproveAppointment_Conflict(t *testing.T) {
	t.Parallel()

	repo := &mockRepo{
		TransitionAppointmentFunc: func(_ context.Context, id int64, from, _ domain.AppointmentState, _ repository.TransitionChange) (domain.Appointment, error) {
			return domain.Appointment{}, &domain.ConflictError{AppointmentID: id, Expected: from, Actual: domain.StateRejected}
		},
	}
	f := newFixture(repo)

	_, err := f.svc.ApproveAppointment(context.Background(), professional, 7)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.StateRejected, conflict.Actual)

	f.svc.Wait()
	assert.Empty(t, f.notifier.Events())
}

func TestApproveAppointment_RequiresProfessional(t *testing.T) {
	t.Parallel()

	f := newFixture(&mockRepo{})
	for _, actor := range []domain.Actor{patient, clinician} {
		_, err := f.svc.ApproveAppointment(context.Background(), actor, 7)
		var forbidden *domain.ForbiddenError
		assert.ErrorAs(t, err, &forbidden)
	}
}

func TestRejectAppointment(t *testing.T) {
	t.Parallel()

	var gotReason string
	repo := &mockRepo{
		TransitionAppointmentFunc: func(_ context.Context, id int64, _, to domain.AppointmentState, change repository.TransitionChange) (domain.Appointment, error) {
			require.NotNil(t, change.Reason)
			gotReason = *change.Reason
			return domain.Appointment{ID: id, State: to, RejectionReason: change.Reason}, nil
		},
		NotificationContactFunc: func(_ context.Context, id int64) (domain.AppointmentContact, bool, error) {
			return domain.AppointmentContact{AppointmentID: id, PatientEmail: "p@example.com", RejectionReason: "clinician unavailable"}, true, nil
		},
	}
	f := newFixture(repo)

	_, err := f.svc.RejectAppointment(context.Background(), professional, 7, "   ")
	assert.True(t, domain.IsValidation(err))

	appt, err := f.svc.RejectAppointment(context.Background(), professional, 7, "  clinician unavailable ")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, appt.State)
	assert.Equal(t, "clinician unavailable", gotReason)

	f.svc.Wait()
	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.NotificationRejected, events[0].Kind)
	assert.Equal(t, "clinician unavailable", events[0].Fields.Reason)
}

func TestNotificationFailureDoesNotFailTheOperation(t *testing.T) {
	t.Parallel()

	repo := &mockRepo{
		TransitionAppointmentFunc: func(_ context.Context, id int64, _, to domain.AppointmentState, _ repository.TransitionChange) (domain.Appointment, error) {
			return domain.Appointment{ID: id, State: to}, nil
		},
	}
	f := newFixture(repo)
	f.notifier.err = errors.New("broker down")

	_, err := f.svc.ApproveAppointment(context.Background(), professional, 7)
	require.NoError(t, err)
	f.svc.Wait()
	assert.Len(t, f.notifier.Events(), 1)
}

func TestGetPendingAppointments_Filters(t *testing.T) {
	t.Parallel()

	var calls int
	repo := &mockRepo{
		ListPendingFunc: func(_ context.Context, filter domain.AppointmentFilter) ([]domain.PendingAppointment, error) {
			calls++
			return []domain.PendingAppointment{{ID: 1}}, nil
		},
	}
	f := newFixture(repo)
	ctx := context.Background()

	date, from := day("2024-03-10"), day("2024-03-01")
	_, err := f.svc.GetPendingAppointments(ctx, professional, domain.AppointmentFilter{Date: &date, From: &from})
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, 0, calls)

	out, err := f.svc.GetPendingAppointments(ctx, professional, domain.AppointmentFilter{Date: &date})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = f.svc.GetPendingAppointments(ctx, patient, domain.AppointmentFilter{})
	var forbidden *domain.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestGetAppointmentDetail_NotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(&mockRepo{})
	_, err := f.svc.GetAppointmentDetail(context.Background(), professional, 99)

	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.NotFound)
}

func TestUpdatePatientProfile(t *testing.T) {
	t.Parallel()

	f := newFixture(&mockRepo{})
	ctx := context.Background()

	saved, err := f.svc.UpdatePatientProfile(ctx, clinician, domain.PatientProfile{UserID: 1, Weight: decimal.NewFromFloat(70.5)})
	require.NoError(t, err)
	assert.Equal(t, domain.PatientTypeLimiting, saved.PatientType)

	_, err = f.svc.UpdatePatientProfile(ctx, clinician, domain.PatientProfile{UserID: 1, Height: decimal.NewFromInt(-1)})
	assert.True(t, domain.IsValidation(err))

	_, err = f.svc.UpdatePatientProfile(ctx, clinician, domain.PatientProfile{UserID: 1, PatientType: "Other"})
	assert.True(t, domain.IsValidation(err))

	_, err = f.svc.UpdatePatientProfile(ctx, patient, domain.PatientProfile{UserID: 1})
	var forbidden *domain.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestSendDailyReminders(t *testing.T) {
	t.Parallel()

	repo := &mockRepo{
		AppointmentsOnFunc: func(_ context.Context, date time.Time, state domain.AppointmentState) ([]domain.AppointmentContact, error) {
			assert.Equal(t, day("2024-03-06"), date)
			assert.Equal(t, domain.StateApproved, state)
			return []domain.AppointmentContact{
				{AppointmentID: 1, PatientEmail: "a@example.com", Date: date, Time: "09:00"},
				{AppointmentID: 2, PatientEmail: "b@example.com", Date: date, Time: "11:00"},
			}, nil
		},
	}
	f := newFixture(repo)

	f.svc.SendDailyReminders()

	events := f.notifier.Events()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, domain.NotificationReminder, e.Kind)
		assert.Equal(t, "2024-03-06", e.Fields.Date)
	}
}
