package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nuhmanudheent/hosp-connect-attention-service/logs"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type countingReminder struct {
	mu    sync.Mutex
	calls int
}

func (r *countingReminder) SendDailyReminders() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
}

func status(t *testing.T, h *health.Server) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := h.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	return resp.Status
}

func TestHealthProbe(t *testing.T) {
	t.Parallel()

	h := health.NewServer()
	down := true
	probe := HealthProbe(pingerFunc(func(context.Context) error {
		if down {
			return errors.New("connection refused")
		}
		return nil
	}), h, time.Second, logs.NewNopLogger())

	probe()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, h))

	down = false
	probe()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, h))
}

func TestStartCronScheduler(t *testing.T) {
	t.Parallel()

	h := health.NewServer()
	reminder := &countingReminder{}
	db := pingerFunc(func(context.Context) error { return nil })

	_, err := StartCronScheduler(SchedulerConfig{ReminderSpec: "not a spec", HealthSpec: "@every 1h"}, reminder, db, h, logs.NewNopLogger())
	assert.Error(t, err)

	c, err := StartCronScheduler(SchedulerConfig{ReminderSpec: "0 8 * * *", HealthSpec: "@every 1h"}, reminder, db, h, logs.NewNopLogger())
	require.NoError(t, err)
	defer c.Stop()

	assert.Len(t, c.Entries(), 2)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, h))
}
