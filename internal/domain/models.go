package domain

import (
	"io"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Role string

const (
	RolePatient      Role = "patient"
	RoleClinician    Role = "clinician"
	RoleProfessional Role = "professional"
)

// Actor is the verified caller handed over by the auth layer.
type Actor struct {
	ID   int64
	Role Role
}

type AppointmentState string

const (
	StatePending  AppointmentState = "Pending"
	StateApproved AppointmentState = "Approved"
	StateRejected AppointmentState = "Rejected"
	StateAttended AppointmentState = "Attended"
)

// Terminal reports whether no transition may originate from s.
func (s AppointmentState) Terminal() bool {
	return s == StateRejected || s == StateAttended
}

type PatientType string

const (
	PatientTypeLimiting    PatientType = "Limiting"
	PatientTypeNonLimiting PatientType = "NonLimiting"
)

type UploaderRole string

const (
	UploaderPatient   UploaderRole = "Patient"
	UploaderClinician UploaderRole = "Clinician"
)

type InferenceStatus string

const (
	InferenceOK      InferenceStatus = "ok"
	InferenceFailed  InferenceStatus = "failed"
	InferenceTimeout InferenceStatus = "timeout"
	InferenceSkipped InferenceStatus = "skipped"
)

// UserRole is the roles lookup table.
type UserRole struct {
	ID   int64  `gorm:"primaryKey"`
	Name string `gorm:"size:30;uniqueIndex;not null"`
}

func (UserRole) TableName() string { return "roles" }

type User struct {
	ID             int64  `gorm:"primaryKey"`
	FirstName      string `gorm:"size:100;not null"`
	LastName       string `gorm:"size:100;not null"`
	Email          string `gorm:"size:255;uniqueIndex;not null"`
	Identification string `gorm:"size:50;uniqueIndex;not null"`
	Address        string `gorm:"size:255"`
	City           string `gorm:"size:100"`
	Country        string `gorm:"size:100"`
	RoleID         int64  `gorm:"not null;index"`
	CreatedAt      time.Time
}

func (User) TableName() string { return "users" }

type Specialty struct {
	ID          int64  `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"size:100;uniqueIndex;not null" json:"name"`
	Description string `gorm:"type:text" json:"description,omitempty"`
}

func (Specialty) TableName() string { return "specialties" }

type Clinician struct {
	UserID      int64  `gorm:"primaryKey;autoIncrement:false"`
	SpecialtyID int64  `gorm:"not null;index"`
	Office      string `gorm:"size:50"`
}

func (Clinician) TableName() string { return "clinicians" }

type PatientProfile struct {
	UserID      int64           `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Weight      decimal.Decimal `gorm:"type:numeric(6,2)" json:"weight"`
	Height      decimal.Decimal `gorm:"type:numeric(5,2)" json:"height"`
	Conditions  string          `gorm:"type:text" json:"conditions"`
	PatientType PatientType     `gorm:"type:varchar(30);not null;default:Limiting" json:"patient_type"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (PatientProfile) TableName() string { return "patient_profiles" }

type Appointment struct {
	ID                   int64            `gorm:"primaryKey" json:"id"`
	PatientID            int64            `gorm:"not null;index:idx_appointments_patient_date,priority:1" json:"patient_id"`
	ClinicianID          int64            `gorm:"not null;index" json:"clinician_id"`
	SpecialtyID          int64            `gorm:"not null" json:"specialty_id"`
	Date                 time.Time        `gorm:"type:date;not null;index:idx_appointments_patient_date,priority:2" json:"date"`
	Time                 string           `gorm:"type:varchar(5);not null" json:"time"`
	State                AppointmentState `gorm:"type:varchar(20);not null;index" json:"state"`
	RejectionReason      *string          `gorm:"type:text" json:"rejection_reason,omitempty"`
	ActingProfessionalID *int64           `json:"acting_professional_id,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func (Appointment) TableName() string { return "appointments" }

type AttentionRecord struct {
	ID              int64     `gorm:"primaryKey" json:"id"`
	AppointmentID   int64     `gorm:"not null;uniqueIndex" json:"appointment_id"`
	BodySystem      string    `gorm:"size:100;not null" json:"body_system"`
	Diagnosis       string    `gorm:"type:text;not null" json:"diagnosis"`
	Recommendations string    `gorm:"type:text" json:"recommendations"`
	CreatedAt       time.Time `json:"created_at"`
}

func (AttentionRecord) TableName() string { return "attention_records" }

// ImageAnnotation is owned by an appointment (patient upload) or by an
// attention record (clinician upload), never both.
type ImageAnnotation struct {
	ID                int64                                `gorm:"primaryKey" json:"id"`
	AppointmentID     *int64                               `gorm:"index" json:"appointment_id,omitempty"`
	AttentionRecordID *int64                               `gorm:"index" json:"attention_record_id,omitempty"`
	Path              string                               `gorm:"size:512;not null" json:"path"`
	Detections        datatypes.JSONType[DetectionPayload] `gorm:"not null" json:"detections"`
	UploaderRole      UploaderRole                         `gorm:"type:varchar(20);not null" json:"uploader_role"`
	InferenceStatus   InferenceStatus                      `gorm:"type:varchar(20);not null" json:"inference_status"`
	InferenceError    string                               `gorm:"type:text" json:"inference_error,omitempty"`
	CreatedAt         time.Time                            `json:"created_at"`
}

func (ImageAnnotation) TableName() string { return "image_annotations" }

// ImageUpload is a client-supplied image; Filename is only used for its extension.
type ImageUpload struct {
	Filename string
	Open     func() (io.ReadCloser, error)
}

type InferenceOutcome struct {
	Status InferenceStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// ImageResult is what one image pipeline produced.
type ImageResult struct {
	AnnotationID int64            `json:"annotation_id"`
	Path         string           `json:"path"`
	Detections   DetectionPayload `json:"detections"`
	Outcome      InferenceOutcome `json:"outcome"`
}

type AttentionResult struct {
	Record AttentionRecord `json:"record"`
	Images []ImageResult   `json:"images"`
}

type CreatedAppointment struct {
	Appointment Appointment   `json:"appointment"`
	Images      []ImageResult `json:"images"`
}

type PendingAppointment struct {
	ID                    int64     `json:"id"`
	Date                  time.Time `json:"date"`
	Time                  string    `json:"time"`
	PatientName           string    `json:"patient_name"`
	PatientIdentification string    `json:"patient_identification"`
	ClinicianName         string    `json:"clinician_name"`
	Specialty             string    `json:"specialty"`
}

type HistoryEntry struct {
	AppointmentID   int64     `json:"appointment_id"`
	Date            time.Time `json:"date"`
	Time            string    `json:"time"`
	PatientName     string    `json:"patient_name"`
	ClinicianName   string    `json:"clinician_name"`
	Specialty       string    `json:"specialty"`
	BodySystem      string    `json:"body_system"`
	Diagnosis       string    `json:"diagnosis"`
	Recommendations string    `json:"recommendations"`
}

type PatientSummary struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Email          string `json:"email"`
	Identification string `json:"identification"`
	Address        string `json:"address"`
	City           string `json:"city"`
	Country        string `json:"country"`
}

type AppointmentDetail struct {
	AppointmentID   int64            `json:"appointment_id"`
	State           AppointmentState `json:"state"`
	Date            time.Time        `json:"date"`
	Time            string           `json:"time"`
	Specialty       string           `json:"specialty"`
	ClinicianName   string           `json:"clinician_name"`
	RejectionReason *string          `json:"rejection_reason,omitempty"`
	Patient         PatientSummary   `json:"patient"`
	Profile         *PatientProfile  `json:"profile,omitempty"`
}

type AppointmentSummary struct {
	ID            int64            `json:"id"`
	Date          time.Time        `json:"date"`
	Time          string           `json:"time"`
	State         AppointmentState `json:"state"`
	ClinicianName string           `json:"clinician_name"`
	Specialty     string           `json:"specialty"`
}

// AppointmentContact carries what a notification needs about an appointment.
type AppointmentContact struct {
	AppointmentID   int64
	PatientEmail    string
	PatientName     string
	ClinicianName   string
	Specialty       string
	Date            time.Time
	Time            string
	RejectionReason string
}

type ClinicianSummary struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Office   string `json:"office,omitempty"`
}

type NotificationKind string

const (
	NotificationCreated  NotificationKind = "appointment_created"
	NotificationApproved NotificationKind = "appointment_approved"
	NotificationRejected NotificationKind = "appointment_rejected"
	NotificationReminder NotificationKind = "appointment_reminder"
)

// AppointmentEvent is the message handed to the notification service.
type AppointmentEvent struct {
	AppointmentId int64              `json:"appointment_id"`
	Recipient     string             `json:"recipient"`
	Kind          NotificationKind   `json:"kind"`
	Fields        NotificationFields `json:"fields"`
}

type NotificationFields struct {
	PatientName   string `json:"patient_name"`
	ClinicianName string `json:"clinician_name"`
	Specialty     string `json:"specialty"`
	Date          string `json:"date"`
	Time          string `json:"time"`
	Reason        string `json:"reason,omitempty"`
}
