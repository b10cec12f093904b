package handler

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/middleware"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/service"
)

const maxImages = 10

type AppointmentHandler struct {
	service service.AppointmentService
	Logger  *logrus.Logger
}

func NewAppointmentHandler(service service.AppointmentService, logger *logrus.Logger) *AppointmentHandler {
	return &AppointmentHandler{
		service: service,
		Logger:  logger,
	}
}

// Register mounts the appointment routes on r behind auth.
func (h *AppointmentHandler) Register(r gin.IRouter, auth gin.HandlerFunc) {
	api := r.Group("/api")
	api.Use(auth)
	{
		api.GET("/specialties", h.ListSpecialties)
		api.GET("/specialties/:id/clinicians", h.ListClinicians)

		api.POST("/appointments", h.CreateAppointment)
		api.GET("/appointments/pending", h.GetPendingAppointments)
		api.GET("/appointments/:id", h.GetAppointmentDetail)
		api.PATCH("/appointments/:id/approve", h.ApproveAppointment)
		api.PATCH("/appointments/:id/reject", h.RejectAppointment)
		api.POST("/appointments/:id/attention", h.RecordAttention)

		api.GET("/patients/me/appointments", h.ListPatientAppointments)
		api.GET("/patients/me/appointments/next", h.NextAppointment)
		api.GET("/patients/me/appointments/last", h.LastAttendedAppointment)
		api.GET("/patients/me/history", h.GetPatientHistory)
		api.PUT("/patients/:id/profile", h.UpdatePatientProfile)

		api.GET("/clinicians/me/history", h.GetClinicianHistory)
	}
}

func (h *AppointmentHandler) CreateAppointment(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	clinicianID, err1 := strconv.ParseInt(c.PostForm("clinician_id"), 10, 64)
	specialtyID, err2 := strconv.ParseInt(c.PostForm("specialty_id"), 10, 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clinician_id and specialty_id must be numbers"})
		return
	}
	date, err := domain.ParseDate(c.PostForm("date"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	images, err := imageUploads(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	created, err := h.service.CreateAppointment(c.Request.Context(), actor, service.CreateAppointmentRequest{
		ClinicianID: clinicianID,
		SpecialtyID: specialtyID,
		Date:        date,
		Time:        strings.TrimSpace(c.PostForm("time")),
		Images:      images,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *AppointmentHandler) ApproveAppointment(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	appt, err := h.service.ApproveAppointment(c.Request.Context(), actor, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

func (h *AppointmentHandler) RejectAppointment(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	appt, err := h.service.RejectAppointment(c.Request.Context(), actor, id, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

func (h *AppointmentHandler) RecordAttention(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	images, err := imageUploads(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	result, err := h.service.RecordAttention(c.Request.Context(), actor, service.RecordAttentionRequest{
		AppointmentID:   id,
		BodySystem:      c.PostForm("body_system"),
		Diagnosis:       c.PostForm("diagnosis"),
		Recommendations: c.PostForm("recommendations"),
		Images:          images,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *AppointmentHandler) GetPendingAppointments(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	filter, err := parseFilter(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out, err := h.service.GetPendingAppointments(c.Request.Context(), actor, filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *AppointmentHandler) GetAppointmentDetail(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	detail, err := h.service.GetAppointmentDetail(c.Request.Context(), actor, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *AppointmentHandler) GetPatientHistory(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	filter, err := parseFilter(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out, err := h.service.GetPatientHistory(c.Request.Context(), actor, filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *AppointmentHandler) GetClinicianHistory(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	filter, err := parseFilter(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out, err := h.service.GetClinicianHistory(c.Request.Context(), actor, filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *AppointmentHandler) ListPatientAppointments(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	out, err := h.service.ListPatientAppointments(c.Request.Context(), actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *AppointmentHandler) NextAppointment(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	appt, found, err := h.service.NextAppointment(c.Request.Context(), actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No upcoming appointment"})
		return
	}
	c.JSON(http.StatusOK, appt)
}

func (h *AppointmentHandler) LastAttendedAppointment(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	entry, found, err := h.service.LastAttendedAppointment(c.Request.Context(), actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No attended appointment"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *AppointmentHandler) ListSpecialties(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	out, err := h.service.ListSpecialties(c.Request.Context(), actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *AppointmentHandler) ListClinicians(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	out, err := h.service.ListClinicians(c.Request.Context(), actor, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *AppointmentHandler) UpdatePatientProfile(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Weight      decimal.Decimal    `json:"weight"`
		Height      decimal.Decimal    `json:"height"`
		Conditions  string             `json:"conditions"`
		PatientType domain.PatientType `json:"patient_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	profile, err := h.service.UpdatePatientProfile(c.Request.Context(), actor, domain.PatientProfile{
		UserID:      id,
		Weight:      req.Weight,
		Height:      req.Height,
		Conditions:  req.Conditions,
		PatientType: req.PatientType,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *AppointmentHandler) actor(c *gin.Context) (domain.Actor, bool) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthenticated"})
	}
	return actor, ok
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return id, true
}

func parseFilter(c *gin.Context) (domain.AppointmentFilter, error) {
	filter := domain.AppointmentFilter{
		Name:           c.Query("name"),
		Identification: c.Query("identification"),
	}
	for key, dst := range map[string]**time.Time{
		"date": &filter.Date,
		"from": &filter.From,
		"to":   &filter.To,
	} {
		v := c.Query(key)
		if v == "" {
			continue
		}
		d, err := domain.ParseDate(v)
		if err != nil {
			return domain.AppointmentFilter{}, err
		}
		*dst = &d
	}
	return filter, nil
}

// imageUploads collects the "images" parts of a multipart form. A request
// without a multipart body has no images.
func imageUploads(c *gin.Context) ([]domain.ImageUpload, error) {
	form, err := c.MultipartForm()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, domain.NewValidationError("invalid multipart form: %v", err)
	}
	files := form.File["images"]
	if len(files) > maxImages {
		return nil, domain.NewValidationError("at most %d images per request", maxImages)
	}

	uploads := make([]domain.ImageUpload, 0, len(files))
	for _, fh := range files {
		uploads = append(uploads, domain.ImageUpload{
			Filename: fh.Filename,
			Open:     opener(fh),
		})
	}
	return uploads, nil
}

func opener(fh *multipart.FileHeader) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

func (h *AppointmentHandler) writeError(c *gin.Context, err error) {
	var (
		forbidden  *domain.ForbiddenError
		validation *domain.ValidationError
		conflict   *domain.ConflictError
		external   *domain.ExternalServiceError
		storage    *domain.StorageError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &forbidden):
		status = http.StatusForbidden
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &conflict):
		status = http.StatusConflict
		if conflict.NotFound {
			status = http.StatusNotFound
		}
	case errors.As(err, &external):
		status = http.StatusBadGateway
	case errors.As(err, &storage):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.Logger.WithFields(logrus.Fields{
			"Function": "writeError",
			"Path":     c.FullPath(),
			"Error":    err,
		}).Error("Request failed")
		c.JSON(status, gin.H{"error": http.StatusText(status)})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
