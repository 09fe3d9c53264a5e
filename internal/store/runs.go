package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/insightos/leadscore/internal/pipeline"
	"github.com/insightos/leadscore/pkg/logger"
	"github.com/insightos/leadscore/pkg/postgres"
)

const insertRun = `INSERT INTO scoring_runs (run_id, state, total, scored, failed_rows, report, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const insertRunChunk = `INSERT INTO scoring_run_chunks (run_id, chunk_index, size, written, failed, error)
VALUES ($1, $2, $3, $4, $5, $6)`

const selectLatestRun = `SELECT report FROM scoring_runs ORDER BY started_at DESC LIMIT 1`

// Runs is the run ledger: one row per run plus one row per chunk.
//
//	CREATE TABLE scoring_runs (
//	    run_id      TEXT PRIMARY KEY,
//	    state       TEXT NOT NULL,
//	    total       INTEGER NOT NULL,
//	    scored      INTEGER NOT NULL,
//	    failed_rows INTEGER NOT NULL,
//	    report      JSONB NOT NULL,
//	    started_at  TIMESTAMPTZ NOT NULL,
//	    finished_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE scoring_run_chunks (
//	    run_id      TEXT NOT NULL REFERENCES scoring_runs (run_id),
//	    chunk_index INTEGER NOT NULL,
//	    size        INTEGER NOT NULL,
//	    written     INTEGER NOT NULL,
//	    failed      INTEGER NOT NULL,
//	    error       TEXT,
//	    PRIMARY KEY (run_id, chunk_index)
//	);
type Runs struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewRuns(db *postgres.Client) *Runs {
	return &Runs{
		db:     db,
		logger: logger.WithComponent("run-ledger"),
	}
}

// Save records a finished run in a single transaction.
func (s *Runs) Save(ctx context.Context, r *pipeline.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling run report: %w", err)
	}

	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertRun,
			r.RunID, r.State.String(), r.Total, r.Scored, r.FailedRows, data, r.StartedAt.UTC(), r.FinishedAt.UTC(),
		); err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}
		for _, c := range r.Chunks {
			if _, err := tx.ExecContext(ctx, insertRunChunk,
				r.RunID, c.Index, c.Size, c.Written, c.Failed, sql.NullString{String: c.Error, Valid: c.Error != ""},
			); err != nil {
				return fmt.Errorf("inserting chunk %d: %w", c.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving run %s: %w", r.RunID, err)
	}

	s.logger.InfoContext(ctx, "run recorded",
		"run_id", r.RunID,
		"state", r.State.String(),
		"chunks", len(r.Chunks),
	)
	return nil
}

// Latest loads the most recent run. It returns nil, nil when the ledger is
// empty.
func (s *Runs) Latest(ctx context.Context) (*pipeline.Report, error) {
	var data []byte
	err := s.db.DB.QueryRowContext(ctx, selectLatestRun).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest run: %w", err)
	}

	var r pipeline.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling run report: %w", err)
	}
	return &r, nil
}
