// Package store reads and writes the scoring pipeline's PostgreSQL tables:
// the lead table it scores, the event table it aggregates, and the run ledger
// it appends to after every run.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/insightos/leadscore/internal/lead"
	apperrors "github.com/insightos/leadscore/pkg/errors"
	"github.com/insightos/leadscore/pkg/logger"
	"github.com/insightos/leadscore/pkg/postgres"
)

const (
	selectUnscored = `SELECT user_id, visitor_id, plan, status FROM users WHERE lead_score IS NULL`
	updateScore    = `UPDATE users SET lead_score = $1 WHERE user_id = $2`
)

// Leads is the lead table.
//
//	CREATE TABLE users (
//	    user_id    TEXT PRIMARY KEY,
//	    visitor_id TEXT,
//	    plan       TEXT,
//	    status     TEXT,
//	    lead_score DOUBLE PRECISION
//	);
type Leads struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewLeads(db *postgres.Client) *Leads {
	return &Leads{
		db:     db,
		logger: logger.WithComponent("lead-store"),
	}
}

// FetchUnscored returns every lead without a score in the store's natural
// order. Any failure is a connection error.
func (s *Leads) FetchUnscored(ctx context.Context) ([]lead.Lead, error) {
	rows, err := s.db.DB.QueryContext(ctx, selectUnscored)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrConnection, "fetch unscored", err)
	}
	defer rows.Close()

	var leads []lead.Lead
	for rows.Next() {
		var (
			l                       lead.Lead
			visitorID, plan, status sql.NullString
		)
		if err := rows.Scan(&l.ID, &visitorID, &plan, &status); err != nil {
			return nil, apperrors.New(apperrors.ErrConnection, "scan unscored",
				fmt.Errorf("scanning lead row: %w", err))
		}
		l.VisitorID = visitorID.String
		l.Plan = plan.String
		l.Status = status.String
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.New(apperrors.ErrConnection, "fetch unscored", err)
	}
	s.logger.DebugContext(ctx, "unscored leads loaded", "count", len(leads))
	return leads, nil
}

// WriteScore stores score, rounded to lead.ScorePrecision decimals, on one
// lead. Writing the same score twice leaves the row unchanged. A statement
// error or a missing lead is a row update error.
func (s *Leads) WriteScore(ctx context.Context, leadID string, score float64) error {
	res, err := s.db.DB.ExecContext(ctx, updateScore, lead.RoundScore(score), leadID)
	if err != nil {
		return apperrors.New(apperrors.ErrRowUpdate, "write score",
			fmt.Errorf("lead %s: %w", leadID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.New(apperrors.ErrRowUpdate, "write score",
			fmt.Errorf("lead %s: %w", leadID, err))
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrRowUpdate, "write score", "lead %s not found", leadID)
	}
	return nil
}
