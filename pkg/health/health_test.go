package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("postgres", PingCheck(func(context.Context) error { return nil }))
	c.Register("last_run", RunCheck(func() (RunInfo, bool) {
		return RunInfo{Finished: time.Now().Add(-3 * time.Hour)}, true
	}, time.Hour))

	report := c.Run(context.Background())

	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusUp, report.Components["postgres"].Status)
	assert.Equal(t, StatusDegraded, report.Components["last_run"].Status)
}

func TestRunCheck(t *testing.T) {
	none := RunCheck(func() (RunInfo, bool) { return RunInfo{}, false }, time.Hour)
	assert.Equal(t, StatusUp, none(context.Background()).Status)

	aborted := RunCheck(func() (RunInfo, bool) { return RunInfo{Finished: time.Now(), Aborted: true}, true }, time.Hour)
	assert.Equal(t, StatusDegraded, aborted(context.Background()).Status)

	fresh := RunCheck(func() (RunInfo, bool) { return RunInfo{Finished: time.Now()}, true }, time.Hour)
	assert.Equal(t, StatusUp, fresh(context.Background()).Status)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("postgres", PingCheck(func(context.Context) error { return errors.New("connection refused") }))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, "connection refused", report.Components["postgres"].Message)

	live := httptest.NewRecorder()
	c.LiveHandler()(live, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, live.Code)
}

func TestRunMarksSlowCheckDown(t *testing.T) {
	c := NewChecker()
	c.timeout = 10 * time.Millisecond
	c.Register("redis", func(ctx context.Context) ComponentHealth {
		<-ctx.Done()
		return ComponentHealth{Status: StatusUp}
	})

	report := c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, "check timed out", report.Components["redis"].Message)
}
