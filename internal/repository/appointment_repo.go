package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/database"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
)

// TransitionChange carries the optional data recorded with a state change.
type TransitionChange struct {
	ActorID int64
	Reason  *string
}

type AppointmentRepository interface {
	LatestSchedulingAppointment(ctx context.Context, patientID int64) (domain.Appointment, bool, error)
	CreateAppointment(ctx context.Context, appt domain.Appointment, images []domain.ImageAnnotation, minGapDays int) (domain.Appointment, []domain.ImageAnnotation, error)
	GetAppointment(ctx context.Context, id int64) (domain.Appointment, bool, error)
	TransitionAppointment(ctx context.Context, id int64, from, to domain.AppointmentState, change TransitionChange) (domain.Appointment, error)
	RecordAttention(ctx context.Context, record domain.AttentionRecord, images []domain.ImageAnnotation) (domain.AttentionRecord, []domain.ImageAnnotation, error)
	ListPending(ctx context.Context, filter domain.AppointmentFilter) ([]domain.PendingAppointment, error)
	PatientHistory(ctx context.Context, patientID int64, filter domain.AppointmentFilter) ([]domain.HistoryEntry, error)
	ClinicianHistory(ctx context.Context, clinicianID int64, filter domain.AppointmentFilter) ([]domain.HistoryEntry, error)
	AppointmentDetail(ctx context.Context, id int64) (domain.AppointmentDetail, bool, error)
	NotificationContact(ctx context.Context, id int64) (domain.AppointmentContact, bool, error)
	ListPatientAppointments(ctx context.Context, patientID int64) ([]domain.AppointmentSummary, error)
	NextApprovedAppointment(ctx context.Context, patientID int64, from time.Time) (domain.AppointmentSummary, bool, error)
	LastAttendedAppointment(ctx context.Context, patientID int64) (domain.HistoryEntry, bool, error)
	AppointmentsOn(ctx context.Context, date time.Time, state domain.AppointmentState) ([]domain.AppointmentContact, error)
	UpsertPatientProfile(ctx context.Context, profile domain.PatientProfile) (domain.PatientProfile, error)
}

type appointmentRepository struct {
	pool *database.Pool
}

func NewAppointmentRepository(pool *database.Pool) AppointmentRepository {
	return &appointmentRepository{
		pool: pool,
	}
}

const appointmentColumns = `id, patient_id, clinician_id, specialty_id, "date", "time", state,
	rejection_reason, acting_professional_id, created_at, updated_at`

func scanAppointment(row pgx.Row) (domain.Appointment, error) {
	var a domain.Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.ClinicianID, &a.SpecialtyID, &a.Date, &a.Time, &a.State,
		&a.RejectionReason, &a.ActingProfessionalID, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// storageError keeps domain errors intact and wraps everything else.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var conflict *domain.ConflictError
	var validation *domain.ValidationError
	if errors.As(err, &conflict) || errors.As(err, &validation) {
		return err
	}
	return domain.NewStorageError(op, err)
}

func (r *appointmentRepository) LatestSchedulingAppointment(ctx context.Context, patientID int64) (domain.Appointment, bool, error) {
	var appt domain.Appointment
	found := false
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		var err error
		appt, found, err = latestScheduling(ctx, conn, patientID)
		return err
	})
	if err != nil {
		return domain.Appointment{}, false, storageError("latest appointment", err)
	}
	return appt, found, nil
}

// Rejected appointments never block a new request.
func latestScheduling(ctx context.Context, q database.Querier, patientID int64) (domain.Appointment, bool, error) {
	row := q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments
		WHERE patient_id = $1 AND state <> $2
		ORDER BY "date" DESC, "time" DESC LIMIT 1`, patientID, domain.StateRejected)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Appointment{}, false, nil
	}
	if err != nil {
		return domain.Appointment{}, false, err
	}
	return appt, true, nil
}

func (r *appointmentRepository) CreateAppointment(ctx context.Context, appt domain.Appointment, images []domain.ImageAnnotation, minGapDays int) (domain.Appointment, []domain.ImageAnnotation, error) {
	var created domain.Appointment
	var saved []domain.ImageAnnotation

	err := r.pool.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		// Serializes concurrent requests of the same patient for the gap check.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appt.PatientID); err != nil {
			return err
		}

		var offered bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM clinicians WHERE user_id = $1 AND specialty_id = $2)`,
			appt.ClinicianID, appt.SpecialtyID).Scan(&offered); err != nil {
			return err
		}
		if !offered {
			return domain.NewValidationError("clinician %d does not attend specialty %d", appt.ClinicianID, appt.SpecialtyID)
		}

		latest, found, err := latestScheduling(ctx, tx, appt.PatientID)
		if err != nil {
			return err
		}
		if found {
			if days := domain.CalendarDaysBetween(latest.Date, appt.Date); days < minGapDays {
				return domain.NewValidationError("requested date is %d days after the appointment of %s, at least %d are required",
					days, latest.Date.Format(domain.DateLayout), minGapDays)
			}
		}

		created, err = scanAppointment(tx.QueryRow(ctx, `INSERT INTO appointments
			(patient_id, clinician_id, specialty_id, "date", "time", state, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
			RETURNING `+appointmentColumns,
			appt.PatientID, appt.ClinicianID, appt.SpecialtyID, domain.TruncateDay(appt.Date), appt.Time, domain.StatePending))
		if err != nil {
			return err
		}

		for i := range images {
			images[i].AppointmentID = &created.ID
			images[i].AttentionRecordID = nil
		}
		saved, err = insertAnnotations(ctx, tx, images)
		return err
	})
	if err != nil {
		return domain.Appointment{}, nil, storageError("create appointment", err)
	}
	return created, saved, nil
}

func (r *appointmentRepository) GetAppointment(ctx context.Context, id int64) (domain.Appointment, bool, error) {
	var appt domain.Appointment
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		var err error
		appt, err = scanAppointment(conn.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Appointment{}, false, nil
	}
	if err != nil {
		return domain.Appointment{}, false, storageError("get appointment", err)
	}
	return appt, true, nil
}

// TransitionAppointment moves id from one state to another only if it is
// still in the source state when the write lands.
func (r *appointmentRepository) TransitionAppointment(ctx context.Context, id int64, from, to domain.AppointmentState, change TransitionChange) (domain.Appointment, error) {
	var appt domain.Appointment
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		var err error
		appt, err = transition(ctx, conn, id, from, to, change)
		return err
	})
	if err != nil {
		return domain.Appointment{}, storageError("transition appointment", err)
	}
	return appt, nil
}

func transition(ctx context.Context, q database.Querier, id int64, from, to domain.AppointmentState, change TransitionChange) (domain.Appointment, error) {
	var actor *int64
	if change.ActorID != 0 {
		actor = &change.ActorID
	}
	appt, err := scanAppointment(q.QueryRow(ctx, `UPDATE appointments
		SET state = $3,
			rejection_reason = COALESCE($4, rejection_reason),
			acting_professional_id = COALESCE($5, acting_professional_id),
			updated_at = now()
		WHERE id = $1 AND state = $2
		RETURNING `+appointmentColumns, id, from, to, change.Reason, actor))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Appointment{}, conflict(ctx, q, id, from)
	}
	return appt, err
}

// conflict explains why a conditional update matched nothing.
func conflict(ctx context.Context, q database.Querier, id int64, expected domain.AppointmentState) error {
	var actual domain.AppointmentState
	err := q.QueryRow(ctx, `SELECT state FROM appointments WHERE id = $1`, id).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.ConflictError{AppointmentID: id, Expected: expected, NotFound: true}
	}
	if err != nil {
		return err
	}
	return &domain.ConflictError{AppointmentID: id, Expected: expected, Actual: actual}
}

func (r *appointmentRepository) RecordAttention(ctx context.Context, record domain.AttentionRecord, images []domain.ImageAnnotation) (domain.AttentionRecord, []domain.ImageAnnotation, error) {
	var saved []domain.ImageAnnotation
	err := r.pool.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := transition(ctx, tx, record.AppointmentID, domain.StateApproved, domain.StateAttended, TransitionChange{}); err != nil {
			return err
		}

		err := tx.QueryRow(ctx, `INSERT INTO attention_records
			(appointment_id, body_system, diagnosis, recommendations, created_at)
			VALUES ($1, $2, $3, $4, now())
			RETURNING id, created_at`,
			record.AppointmentID, record.BodySystem, record.Diagnosis, record.Recommendations).
			Scan(&record.ID, &record.CreatedAt)
		if err != nil {
			return err
		}

		for i := range images {
			images[i].AttentionRecordID = &record.ID
			images[i].AppointmentID = nil
		}
		saved, err = insertAnnotations(ctx, tx, images)
		return err
	})
	if err != nil {
		return domain.AttentionRecord{}, nil, storageError("record attention", err)
	}
	return record, saved, nil
}

func insertAnnotations(ctx context.Context, q database.Querier, images []domain.ImageAnnotation) ([]domain.ImageAnnotation, error) {
	saved := make([]domain.ImageAnnotation, 0, len(images))
	for _, img := range images {
		payload, err := json.Marshal(img.Detections.Data())
		if err != nil {
			return nil, fmt.Errorf("encode detections: %w", err)
		}
		err = q.QueryRow(ctx, `INSERT INTO image_annotations
			(appointment_id, attention_record_id, path, detections, uploader_role, inference_status, inference_error, created_at)
			VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, now())
			RETURNING id, created_at`,
			img.AppointmentID, img.AttentionRecordID, img.Path, string(payload),
			img.UploaderRole, img.InferenceStatus, img.InferenceError).
			Scan(&img.ID, &img.CreatedAt)
		if err != nil {
			return nil, err
		}
		saved = append(saved, img)
	}
	return saved, nil
}

// whereClause accumulates positional predicates after a fixed set of leading args.
type whereClause struct {
	conds []string
	args  []any
}

func (w *whereClause) add(cond string, args ...any) {
	for _, a := range args {
		w.args = append(w.args, a)
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.conds = append(w.conds, cond)
}

func (w *whereClause) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func applyFilter(w *whereClause, f domain.AppointmentFilter) {
	f = f.Normalized()
	switch {
	case f.Date != nil:
		w.add(`a."date" = ?`, *f.Date)
	case f.From != nil && f.To != nil:
		w.add(`a."date" BETWEEN ? AND ?`, *f.From, *f.To)
	}
	if f.Name != "" {
		pattern := likePattern(f.Name)
		w.add(`(p.first_name ILIKE ? OR p.last_name ILIKE ?)`, pattern, pattern)
	}
	if f.Identification != "" {
		w.add(`p.identification = ?`, f.Identification)
	}
}

const appointmentJoins = ` FROM appointments a
	JOIN users p ON p.id = a.patient_id
	JOIN users c ON c.id = a.clinician_id
	JOIN specialties s ON s.id = a.specialty_id`

func (r *appointmentRepository) ListPending(ctx context.Context, filter domain.AppointmentFilter) ([]domain.PendingAppointment, error) {
	w := &whereClause{}
	w.add(`a.state = ?`, domain.StatePending)
	applyFilter(w, filter)

	query := `SELECT a.id, a."date", a."time", p.first_name || ' ' || p.last_name, p.identification,
		c.first_name || ' ' || c.last_name, s.name` + appointmentJoins + w.String() +
		` ORDER BY a."date" ASC, a."time" ASC`

	var out []domain.PendingAppointment
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		rows, err := conn.Query(ctx, query, w.args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PendingAppointment, error) {
			var p domain.PendingAppointment
			err := row.Scan(&p.ID, &p.Date, &p.Time, &p.PatientName, &p.PatientIdentification, &p.ClinicianName, &p.Specialty)
			return p, err
		})
		return err
	})
	if err != nil {
		return nil, storageError("list pending", err)
	}
	return out, nil
}

func (r *appointmentRepository) PatientHistory(ctx context.Context, patientID int64, filter domain.AppointmentFilter) ([]domain.HistoryEntry, error) {
	return r.history(ctx, "a.patient_id", patientID, filter)
}

func (r *appointmentRepository) ClinicianHistory(ctx context.Context, clinicianID int64, filter domain.AppointmentFilter) ([]domain.HistoryEntry, error) {
	return r.history(ctx, "a.clinician_id", clinicianID, filter)
}

const historyQuery = `SELECT a.id, a."date", a."time", p.first_name || ' ' || p.last_name,
	c.first_name || ' ' || c.last_name, s.name, ar.body_system, ar.diagnosis, ar.recommendations` +
	appointmentJoins + `
	JOIN attention_records ar ON ar.appointment_id = a.id`

func scanHistory(row pgx.CollectableRow) (domain.HistoryEntry, error) {
	var h domain.HistoryEntry
	err := row.Scan(&h.AppointmentID, &h.Date, &h.Time, &h.PatientName, &h.ClinicianName, &h.Specialty,
		&h.BodySystem, &h.Diagnosis, &h.Recommendations)
	return h, err
}

func (r *appointmentRepository) history(ctx context.Context, ownerColumn string, ownerID int64, filter domain.AppointmentFilter) ([]domain.HistoryEntry, error) {
	w := &whereClause{}
	w.add(`a.state = ?`, domain.StateAttended)
	w.add(ownerColumn+` = ?`, ownerID)
	applyFilter(w, filter)

	query := historyQuery + w.String() + ` ORDER BY a."date" DESC, a."time" DESC`

	var out []domain.HistoryEntry
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		rows, err := conn.Query(ctx, query, w.args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanHistory)
		return err
	})
	if err != nil {
		return nil, storageError("history", err)
	}
	return out, nil
}

func (r *appointmentRepository) LastAttendedAppointment(ctx context.Context, patientID int64) (domain.HistoryEntry, bool, error) {
	w := &whereClause{}
	w.add(`a.state = ?`, domain.StateAttended)
	w.add(`a.patient_id = ?`, patientID)
	query := historyQuery + w.String() + ` ORDER BY a."date" DESC, a."time" DESC LIMIT 1`

	var out []domain.HistoryEntry
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		rows, err := conn.Query(ctx, query, w.args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanHistory)
		return err
	})
	if err != nil {
		return domain.HistoryEntry{}, false, storageError("last attended appointment", err)
	}
	if len(out) == 0 {
		return domain.HistoryEntry{}, false, nil
	}
	return out[0], true, nil
}

func (r *appointmentRepository) AppointmentDetail(ctx context.Context, id int64) (domain.AppointmentDetail, bool, error) {
	var (
		d           domain.AppointmentDetail
		weight      decimal.NullDecimal
		height      decimal.NullDecimal
		conditions  *string
		patientType *string
		updatedAt   *time.Time
		profileUser *int64
	)
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		return conn.QueryRow(ctx, `SELECT a.id, a.state, a."date", a."time", s.name,
			c.first_name || ' ' || c.last_name, a.rejection_reason,
			p.first_name, p.last_name, p.email, p.identification,
			COALESCE(p.address, ''), COALESCE(p.city, ''), COALESCE(p.country, ''),
			pp.user_id, pp.weight, pp.height, pp.conditions, pp.patient_type, pp.updated_at`+
			appointmentJoins+`
			LEFT JOIN patient_profiles pp ON pp.user_id = a.patient_id
			WHERE a.id = $1`, id).
			Scan(&d.AppointmentID, &d.State, &d.Date, &d.Time, &d.Specialty, &d.ClinicianName, &d.RejectionReason,
				&d.Patient.FirstName, &d.Patient.LastName, &d.Patient.Email, &d.Patient.Identification,
				&d.Patient.Address, &d.Patient.City, &d.Patient.Country,
				&profileUser, &weight, &height, &conditions, &patientType, &updatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AppointmentDetail{}, false, nil
	}
	if err != nil {
		return domain.AppointmentDetail{}, false, storageError("appointment detail", err)
	}

	if profileUser != nil {
		profile := &domain.PatientProfile{UserID: *profileUser, Weight: weight.Decimal, Height: height.Decimal}
		if conditions != nil {
			profile.Conditions = *conditions
		}
		if patientType != nil {
			profile.PatientType = domain.PatientType(*patientType)
		}
		if updatedAt != nil {
			profile.UpdatedAt = *updatedAt
		}
		d.Profile = profile
	}
	return d, true, nil
}

const contactQuery = `SELECT a.id, p.email, p.first_name || ' ' || p.last_name,
	c.first_name || ' ' || c.last_name, s.name, a."date", a."time", COALESCE(a.rejection_reason, '')` +
	appointmentJoins

func scanContact(row pgx.CollectableRow) (domain.AppointmentContact, error) {
	var c domain.AppointmentContact
	err := row.Scan(&c.AppointmentID, &c.PatientEmail, &c.PatientName, &c.ClinicianName, &c.Specialty,
		&c.Date, &c.Time, &c.RejectionReason)
	return c, err
}

func (r *appointmentRepository) NotificationContact(ctx context.Context, id int64) (domain.AppointmentContact, bool, error) {
	contacts, err := r.contacts(ctx, "notification contact", contactQuery+` WHERE a.id = $1`, id)
	if err != nil {
		return domain.AppointmentContact{}, false, err
	}
	if len(contacts) == 0 {
		return domain.AppointmentContact{}, false, nil
	}
	return contacts[0], true, nil
}

func (r *appointmentRepository) AppointmentsOn(ctx context.Context, date time.Time, state domain.AppointmentState) ([]domain.AppointmentContact, error) {
	return r.contacts(ctx, "appointments on date",
		contactQuery+` WHERE a."date" = $1 AND a.state = $2 ORDER BY a."time" ASC`,
		domain.TruncateDay(date), state)
}

func (r *appointmentRepository) contacts(ctx context.Context, op, query string, args ...any) ([]domain.AppointmentContact, error) {
	var out []domain.AppointmentContact
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanContact)
		return err
	})
	if err != nil {
		return nil, storageError(op, err)
	}
	return out, nil
}

const summaryQuery = `SELECT a.id, a."date", a."time", a.state, c.first_name || ' ' || c.last_name, s.name` +
	appointmentJoins

func scanSummary(row pgx.CollectableRow) (domain.AppointmentSummary, error) {
	var s domain.AppointmentSummary
	err := row.Scan(&s.ID, &s.Date, &s.Time, &s.State, &s.ClinicianName, &s.Specialty)
	return s, err
}

func (r *appointmentRepository) summaries(ctx context.Context, op, query string, args ...any) ([]domain.AppointmentSummary, error) {
	var out []domain.AppointmentSummary
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanSummary)
		return err
	})
	if err != nil {
		return nil, storageError(op, err)
	}
	return out, nil
}

func (r *appointmentRepository) ListPatientAppointments(ctx context.Context, patientID int64) ([]domain.AppointmentSummary, error) {
	return r.summaries(ctx, "list patient appointments",
		summaryQuery+` WHERE a.patient_id = $1 ORDER BY a."date" DESC, a."time" DESC`, patientID)
}

func (r *appointmentRepository) NextApprovedAppointment(ctx context.Context, patientID int64, from time.Time) (domain.AppointmentSummary, bool, error) {
	out, err := r.summaries(ctx, "next appointment",
		summaryQuery+` WHERE a.patient_id = $1 AND a.state = $2 AND a."date" >= $3
			ORDER BY a."date" ASC, a."time" ASC LIMIT 1`,
		patientID, domain.StateApproved, domain.TruncateDay(from))
	if err != nil {
		return domain.AppointmentSummary{}, false, err
	}
	if len(out) == 0 {
		return domain.AppointmentSummary{}, false, nil
	}
	return out[0], true, nil
}

func (r *appointmentRepository) UpsertPatientProfile(ctx context.Context, profile domain.PatientProfile) (domain.PatientProfile, error) {
	if profile.PatientType == "" {
		profile.PatientType = domain.PatientTypeLimiting
	}
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		var isPatient bool
		err := conn.QueryRow(ctx, `SELECT EXISTS (
			SELECT 1 FROM users u JOIN roles ro ON ro.id = u.role_id
			WHERE u.id = $1 AND ro.name = $2)`, profile.UserID, domain.RolePatient).Scan(&isPatient)
		if err != nil {
			return err
		}
		if !isPatient {
			return domain.NewValidationError("patient %d not found", profile.UserID)
		}

		return conn.QueryRow(ctx, `INSERT INTO patient_profiles
			(user_id, weight, height, conditions, patient_type, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (user_id) DO UPDATE SET
				weight = EXCLUDED.weight,
				height = EXCLUDED.height,
				conditions = EXCLUDED.conditions,
				patient_type = EXCLUDED.patient_type,
				updated_at = EXCLUDED.updated_at
			RETURNING updated_at`,
			profile.UserID, profile.Weight, profile.Height, profile.Conditions, profile.PatientType).
			Scan(&profile.UpdatedAt)
	})
	if err != nil {
		return domain.PatientProfile{}, storageError("upsert patient profile", err)
	}
	return profile, nil
}
