package repo

import (
	"context"
	"database/sql"
	"strings"

	"pairline/internal/domain"
)

const goalColumns = `id, connection_id, created_by_claim_id, title, COALESCE(description,''), milestones_json, progress, status, created_at, updated_at`

func scanGoal(scan func(dest ...any) error) (domain.Goal, error) {
	var g domain.Goal
	var milestones sql.NullString
	err := scan(&g.ID, &g.ConnectionID, &g.CreatedByClaimID, &g.Title, &g.Description, &milestones, &g.Progress, &g.Status, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if milestones.Valid {
		g.MilestonesJSON = &milestones.String
	}
	return g, nil
}

func (r Repo) InsertGoal(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO goals(id,connection_id,created_by_claim_id,title,description,milestones_json,progress,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.ConnectionID, g.CreatedByClaimID, g.Title, nullable(g.Description), nullableStringPtr(g.MilestonesJSON),
		g.Progress, g.Status, g.CreatedAt, g.UpdatedAt)
	return err
}

func (r Repo) GetGoal(ctx context.Context, id string) (domain.Goal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=?`, id)
	return scanGoal(row.Scan)
}

func (r Repo) ListGoals(ctx context.Context, connectionID string) ([]domain.Goal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE connection_id=? ORDER BY created_at DESC, id DESC`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		g, err := scanGoal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// GoalUpdate carries optional goal mutations; nil fields are untouched.
type GoalUpdate struct {
	Progress       *int
	MilestonesJSON *string
	Status         *string
}

func (r Repo) UpdateGoal(ctx context.Context, tx *sql.Tx, id string, upd GoalUpdate, now string) error {
	fields := []string{"updated_at=?"}
	args := []any{now}
	if upd.Progress != nil {
		fields = append(fields, "progress=?")
		args = append(args, *upd.Progress)
	}
	if upd.MilestonesJSON != nil {
		fields = append(fields, "milestones_json=?")
		args = append(args, *upd.MilestonesJSON)
	}
	if upd.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *upd.Status)
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE goals SET `+strings.Join(fields, ",")+` WHERE id=?`, append(args, id)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertGoalApproval records one side's decision for one gate. The write is
// scoped to a single (goal, gate, side) row so concurrent opposite-side
// approvals never clobber each other.
func (r Repo) UpsertGoalApproval(ctx context.Context, tx *sql.Tx, a domain.GoalApproval) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO goal_approvals(goal_id,gate,side,approved,user_id,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(goal_id,gate,side) DO UPDATE SET approved=excluded.approved, user_id=excluded.user_id, updated_at=excluded.updated_at`,
		a.GoalID, a.Gate, a.Side, boolInt(a.Approved), a.UserID, a.UpdatedAt)
	return err
}

// ListGoalApprovals returns the recorded approvals for one gate of a goal.
func (r Repo) ListGoalApprovals(ctx context.Context, tx *sql.Tx, goalID, gate string) ([]domain.GoalApproval, error) {
	query := `SELECT goal_id, gate, side, approved, user_id, updated_at FROM goal_approvals WHERE goal_id=? AND gate=?`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, goalID, gate)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, goalID, gate)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GoalApproval
	for rows.Next() {
		var a domain.GoalApproval
		var approved int
		if err := rows.Scan(&a.GoalID, &a.Gate, &a.Side, &approved, &a.UserID, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Approved = approved != 0
		res = append(res, a)
	}
	return res, rows.Err()
}
