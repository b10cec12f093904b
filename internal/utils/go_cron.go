package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Reminder is the job run once a day.
type Reminder interface {
	SendDailyReminders()
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter is satisfied by *health.Server.
type HealthReporter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

type SchedulerConfig struct {
	ReminderSpec string
	HealthSpec   string
	ProbeTimeout time.Duration
}

// StartCronScheduler schedules the daily reminders and the database health
// probe. The caller stops the returned scheduler on shutdown.
func StartCronScheduler(cfg SchedulerConfig, reminder Reminder, db Pinger, health HealthReporter, logger *logrus.Logger) (*cron.Cron, error) {
	scheduler := cron.New()

	if _, err := scheduler.AddFunc(cfg.ReminderSpec, reminder.SendDailyReminders); err != nil {
		return nil, fmt.Errorf("failed to schedule reminder job: %w", err)
	}

	probe := HealthProbe(db, health, cfg.ProbeTimeout, logger)
	if _, err := scheduler.AddFunc(cfg.HealthSpec, probe); err != nil {
		return nil, fmt.Errorf("failed to schedule health probe: %w", err)
	}

	probe()
	scheduler.Start()
	return scheduler, nil
}

// HealthProbe pings the database and reports the result to the gRPC health service.
func HealthProbe(db Pinger, health HealthReporter, timeout time.Duration, logger *logrus.Logger) func() {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err := db.Ping(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			logger.WithFields(logrus.Fields{
				"Function": "HealthProbe",
				"Error":    err,
			}).Warn("Database health check failed")
		}
		health.SetServingStatus("", status)
	}
}
