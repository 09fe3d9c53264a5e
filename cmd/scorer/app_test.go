package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightos/leadscore/pkg/config"
	apperrors "github.com/insightos/leadscore/pkg/errors"
	"github.com/insightos/leadscore/pkg/health"
	"github.com/insightos/leadscore/pkg/metrics"
	"github.com/insightos/leadscore/pkg/postgres"
)

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("leadscore:run-lock", "other-instance"))

	m := metrics.New()
	a := newApp(&config.Config{
		Redis: config.RedisConfig{
			Addr:     mr.Addr(),
			PoolSize: 2,
			LockKey:  "leadscore:run-lock",
			LockTTL:  time.Minute,
		},
	}, m)
	defer a.close()

	a.runOnce(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("skipped")))
	_, ran := a.lastRun()
	assert.False(t, ran)
	held, err := mr.Get("leadscore:run-lock")
	require.NoError(t, err)
	assert.Equal(t, "other-instance", held)
	assert.NoError(t, a.pingLock(context.Background()))
	assert.ErrorIs(t, a.pingStore(context.Background()), errNotConnected)
}

func TestModelLoaderReportsUnavailableModel(t *testing.T) {
	a := newApp(&config.Config{
		Scoring: config.ScoringConfig{ModelPath: filepath.Join(t.TempDir(), "missing.json")},
	}, nil)

	m, err := a.modelLoader().Load(context.Background())
	assert.Nil(t, m)
	assert.ErrorIs(t, err, apperrors.ErrModelUnavailable)
}

func TestModelLoaderLoadsShippedArtifact(t *testing.T) {
	a := newApp(&config.Config{
		Scoring: config.ScoringConfig{ModelPath: "../../models/lead_scoring_pipeline_v1.json"},
	}, nil)

	m, err := a.modelLoader().Load(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, m.Version())
}

func TestSinksFollowConfig(t *testing.T) {
	none := newApp(&config.Config{}, nil)
	assert.Empty(t, none.sinks())

	withDataset := newApp(&config.Config{
		Dataset: config.DatasetConfig{File: filepath.Join(t.TempDir(), "scored.jsonl"), MaxSizeMB: 1},
	}, nil)
	defer withDataset.close()
	sinks := withDataset.sinks()
	require.Len(t, sinks, 1)
	assert.Equal(t, "dataset", sinks[0].Name())
}

func ledgerWith(t *testing.T, report string) *postgres.Client {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	rows := sqlmock.NewRows([]string{"report"})
	if report != "" {
		rows.AddRow([]byte(report))
	}
	mock.ExpectQuery("SELECT report FROM scoring_runs").WillReturnRows(rows)
	return postgres.NewFromDB(db, config.PostgresConfig{})
}

func TestRestoreLastRunFromLedger(t *testing.T) {
	a := newApp(&config.Config{}, nil)
	db := ledgerWith(t, `{"run_id":"run-7","state":"ABORTED","finished_at":"2026-10-16T02:00:00Z"}`)

	a.restoreLastRun(context.Background(), db)

	info, ok := a.lastRun()
	require.True(t, ok)
	assert.True(t, info.Aborted)
	assert.Equal(t, time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC), info.Finished.UTC())
}

func TestRestoreLastRunKeepsOwnRun(t *testing.T) {
	a := newApp(&config.Config{}, nil)
	own := health.RunInfo{Finished: time.Now()}
	a.setLastRun(own)

	a.restoreLastRun(context.Background(), ledgerWith(t, `{"run_id":"run-7","state":"ABORTED"}`))

	info, _ := a.lastRun()
	assert.False(t, info.Aborted)
	assert.True(t, own.Finished.Equal(info.Finished))
}

func TestRestoreLastRunEmptyLedger(t *testing.T) {
	a := newApp(&config.Config{}, nil)

	a.restoreLastRun(context.Background(), ledgerWith(t, ""))

	_, ok := a.lastRun()
	assert.False(t, ok)
}
