package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
)

// notify sends the event in the background. Delivery problems are logged and
// never reach the caller.
func (s *appointmentService) notify(kind domain.NotificationKind, appointmentID int64) {
	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.NotifyTimeout)
		defer cancel()

		contact, found, err := s.repo.NotificationContact(ctx, appointmentID)
		if err != nil || !found {
			s.Logger.WithFields(logrus.Fields{
				"Function":      "notify",
				"AppointmentID": appointmentID,
				"Kind":          kind,
				"Error":         err,
			}).Error("Failed to load notification contact")
			return
		}
		s.send(ctx, kind, contact)
	}()
}

func (s *appointmentService) send(ctx context.Context, kind domain.NotificationKind, contact domain.AppointmentContact) {
	event := domain.AppointmentEvent{
		AppointmentId: contact.AppointmentID,
		Recipient:     contact.PatientEmail,
		Kind:          kind,
		Fields: domain.NotificationFields{
			PatientName:   contact.PatientName,
			ClinicianName: contact.ClinicianName,
			Specialty:     contact.Specialty,
			Date:          contact.Date.Format(domain.DateLayout),
			Time:          contact.Time,
			Reason:        contact.RejectionReason,
		},
	}

	if err := s.notifier.AppointmentEvent(ctx, event); err != nil {
		s.Logger.WithFields(logrus.Fields{
			"Function":      "send",
			"AppointmentID": contact.AppointmentID,
			"Kind":          kind,
			"Error":         err,
		}).Error("Failed to deliver notification")
		return
	}

	s.Logger.WithFields(logrus.Fields{
		"Function":      "send",
		"AppointmentID": contact.AppointmentID,
		"Kind":          kind,
	}).Info("Notification delivered")
}

// SendDailyReminders notifies every patient with an approved appointment tomorrow.
func (s *appointmentService) SendDailyReminders() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.NotifyTimeout*10)
	defer cancel()

	tomorrow := domain.TruncateDay(s.opts.Now()).AddDate(0, 0, 1)
	contacts, err := s.repo.AppointmentsOn(ctx, tomorrow, domain.StateApproved)
	if err != nil {
		s.Logger.WithFields(logrus.Fields{
			"Function": "SendDailyReminders",
			"Date":     tomorrow.Format(domain.DateLayout),
			"Error":    err,
		}).Error("Failed to fetch appointments for reminders")
		return
	}

	for _, contact := range contacts {
		s.send(ctx, domain.NotificationReminder, contact)
	}

	s.Logger.WithFields(logrus.Fields{
		"Function": "SendDailyReminders",
		"Date":     tomorrow.Format(domain.DateLayout),
		"Count":    len(contacts),
	}).Info("Daily reminders sent")
}
