package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"pairline/internal/domain"
	"pairline/internal/events"
	"pairline/internal/repo"
)

const goalActivatedNotice = "Both humans approved this goal. Work can begin!"
const goalSignedOffNotice = "Both humans signed off on the completed goal."

// CreateGoal proposes a shared goal inside an accepted connection. The goal
// starts in proposed status and waits for both humans at the proposal gate;
// a goal_create message mirrors it into the conversation.
func (e Engine) CreateGoal(ctx context.Context, connectionID, creatorClaimID, title, description string, milestones []domain.Milestone) (domain.Goal, error) {
	if title == "" {
		return domain.Goal{}, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	conn, err := e.Repo.GetConnection(ctx, connectionID)
	if err != nil {
		return domain.Goal{}, err
	}
	if !conn.HasParticipant(creatorClaimID) {
		return domain.Goal{}, fmt.Errorf("%w: not part of this connection", ErrForbidden)
	}
	if conn.Status != "accepted" {
		return domain.Goal{}, fmt.Errorf("%w: connection not accepted", ErrInvalidState)
	}

	now := e.stamp()
	g := domain.Goal{
		ID:               uuid.NewString(),
		ConnectionID:     conn.ID,
		CreatedByClaimID: creatorClaimID,
		Title:            title,
		Description:      description,
		Progress:         0,
		Status:           "proposed",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if len(milestones) > 0 {
		b, err := json.Marshal(milestones)
		if err != nil {
			return domain.Goal{}, fmt.Errorf("marshal milestones: %w", err)
		}
		s := string(b)
		g.MilestonesJSON = &s
	}

	metadata := map[string]any{"goal_id": g.ID, "title": g.Title}
	if description != "" {
		metadata["description"] = description
	}
	if g.MilestonesJSON != nil {
		metadata["milestones"] = json.RawMessage(*g.MilestonesJSON)
	}
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return domain.Goal{}, err
	}
	msg := domain.Message{
		ID:            uuid.NewString(),
		ConnectionID:  conn.ID,
		SenderClaimID: creatorClaimID,
		Content:       "Proposed goal: " + title,
		Type:          domain.MessageGoalCreate,
		MetadataJSON:  metadataJSON,
		CreatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGoal(ctx, tx, g); err != nil {
		return domain.Goal{}, fmt.Errorf("insert goal: %w", err)
	}
	if err := e.Repo.InsertMessage(ctx, tx, &msg); err != nil {
		return domain.Goal{}, err
	}
	if err := e.Events.Append(ctx, tx, "goal.created", "goal", g.ID, creatorClaimID, events.EventPayload{
		"connection_id": conn.ID,
		"title":         g.Title,
	}); err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, err
	}

	e.enqueueMessageNotification(ctx, conn, msg)
	return g, nil
}

// UpdateGoalProgress advances a goal: progress is clamped to [0,100] and
// reaching 100 completes the goal, which opens the execution gate. A
// goal_update message mirrors the change into the conversation.
func (e Engine) UpdateGoalProgress(ctx context.Context, goalID, claimID string, progress int, milestones []domain.Milestone) (domain.Goal, error) {
	goal, err := e.Repo.GetGoal(ctx, goalID)
	if err != nil {
		return domain.Goal{}, err
	}
	conn, err := e.Repo.GetConnection(ctx, goal.ConnectionID)
	if err != nil {
		return domain.Goal{}, err
	}
	if !conn.HasParticipant(claimID) {
		return domain.Goal{}, fmt.Errorf("%w: not part of this connection", ErrForbidden)
	}
	if goal.Terminal() && goal.Status != "completed" {
		return domain.Goal{}, fmt.Errorf("%w: goal is %s", ErrInvalidState, goal.Status)
	}

	p := clampProgress(float64(progress))
	now := e.stamp()
	upd := repo.GoalUpdate{Progress: &p}
	status := goal.Status
	if p == 100 && goal.Status != "completed" {
		status = "completed"
		upd.Status = &status
	}
	metadata := map[string]any{"goal_id": goal.ID, "progress": p}
	if len(milestones) > 0 {
		b, err := json.Marshal(milestones)
		if err != nil {
			return domain.Goal{}, fmt.Errorf("marshal milestones: %w", err)
		}
		s := string(b)
		upd.MilestonesJSON = &s
		metadata["milestones"] = json.RawMessage(s)
	}
	if upd.Status != nil {
		metadata["status"] = status
	}
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return domain.Goal{}, err
	}
	msg := domain.Message{
		ID:            uuid.NewString(),
		ConnectionID:  conn.ID,
		SenderClaimID: claimID,
		Content:       fmt.Sprintf("Goal progress: %d%%", p),
		Type:          domain.MessageGoalUpdate,
		MetadataJSON:  metadataJSON,
		CreatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateGoal(ctx, tx, goal.ID, upd, now); err != nil {
		return domain.Goal{}, err
	}
	if err := e.Repo.InsertMessage(ctx, tx, &msg); err != nil {
		return domain.Goal{}, err
	}
	if err := e.Events.Append(ctx, tx, "goal.updated", "goal", goal.ID, claimID, events.EventPayload{
		"progress": p,
		"status":   status,
	}); err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, err
	}

	e.enqueueMessageNotification(ctx, conn, msg)

	goal.Progress = p
	goal.Status = status
	goal.UpdatedAt = now
	if upd.MilestonesJSON != nil {
		goal.MilestonesJSON = upd.MilestonesJSON
	}
	return goal, nil
}

// ListGoals returns the goals of a connection for one of its participants.
func (e Engine) ListGoals(ctx context.Context, connectionID, callerClaimID string) ([]domain.Goal, error) {
	conn, err := e.Repo.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.HasParticipant(callerClaimID) {
		return nil, fmt.Errorf("%w: not part of this connection", ErrForbidden)
	}
	return e.Repo.ListGoals(ctx, connectionID)
}

// GateStatus is the decision tally at one approval gate. Full means both
// the requester and target humans said yes.
type GateStatus struct {
	Gate          string
	ApprovalCount int
	FullyApproved bool
}

// gateForStatus maps a goal status to the gate humans decide at: proposal
// until activation, execution afterwards.
func gateForStatus(status string) string {
	switch status {
	case "active", "completed":
		return domain.GateExecution
	default:
		return domain.GateProposal
	}
}

// GoalGateStatus reports how far the goal's current gate has progressed, so
// each human can see whether the other side has already decided.
func (e Engine) GoalGateStatus(ctx context.Context, goal domain.Goal) (GateStatus, error) {
	gate := gateForStatus(goal.Status)
	approvals, err := e.Repo.ListGoalApprovals(ctx, nil, goal.ID, gate)
	if err != nil {
		return GateStatus{}, err
	}
	count := approvalCount(approvals)
	return GateStatus{Gate: gate, ApprovalCount: count, FullyApproved: count == 2}, nil
}

// ApproveGoal records one human's decision at the gate implied by the goal's
// status: proposed goals sit at the proposal gate, completed goals at the
// execution gate. A rejection abandons a non-terminal goal outright. When
// both sides approve the proposal gate the goal activates and a single
// system message announces it; a full execution-gate round leaves the status
// as completed and announces the sign-off. The returned GateStatus tallies
// the gate that was just decided.
func (e Engine) ApproveGoal(ctx context.Context, goalID, userID string, approve bool) (domain.Goal, GateStatus, error) {
	goal, err := e.Repo.GetGoal(ctx, goalID)
	if err != nil {
		return domain.Goal{}, GateStatus{}, err
	}
	conn, err := e.Repo.GetConnection(ctx, goal.ConnectionID)
	if err != nil {
		return domain.Goal{}, GateStatus{}, err
	}
	side, err := e.userSideInConnection(ctx, conn, userID)
	if err != nil {
		return domain.Goal{}, GateStatus{}, err
	}
	if goal.Status == "abandoned" {
		return domain.Goal{}, GateStatus{}, fmt.Errorf("%w: goal is abandoned", ErrInvalidState)
	}

	gate := gateForStatus(goal.Status)
	if !approve {
		if goal.Status == "completed" {
			return domain.Goal{}, GateStatus{}, fmt.Errorf("%w: completed goals cannot be rejected", ErrInvalidState)
		}
	} else if goal.Status == "active" {
		return domain.Goal{}, GateStatus{}, fmt.Errorf("%w: goal is already active", ErrInvalidState)
	}

	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, GateStatus{}, err
	}
	defer tx.Rollback()

	if !approve {
		abandoned := "abandoned"
		if err := e.Repo.UpdateGoal(ctx, tx, goal.ID, repo.GoalUpdate{Status: &abandoned}, now); err != nil {
			return domain.Goal{}, GateStatus{}, err
		}
		if err := e.Repo.UpsertGoalApproval(ctx, tx, domain.GoalApproval{
			GoalID: goal.ID, Gate: gate, Side: side, Approved: false, UserID: userID, UpdatedAt: now,
		}); err != nil {
			return domain.Goal{}, GateStatus{}, err
		}
		approvals, err := e.Repo.ListGoalApprovals(ctx, tx, goal.ID, gate)
		if err != nil {
			return domain.Goal{}, GateStatus{}, err
		}
		if err := e.Events.Append(ctx, tx, "goal.abandoned", "goal", goal.ID, userID, events.EventPayload{"gate": gate, "side": side}); err != nil {
			return domain.Goal{}, GateStatus{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Goal{}, GateStatus{}, err
		}
		goal.Status = abandoned
		goal.UpdatedAt = now
		return goal, GateStatus{Gate: gate, ApprovalCount: approvalCount(approvals)}, nil
	}

	if err := e.Repo.UpsertGoalApproval(ctx, tx, domain.GoalApproval{
		GoalID: goal.ID, Gate: gate, Side: side, Approved: true, UserID: userID, UpdatedAt: now,
	}); err != nil {
		return domain.Goal{}, GateStatus{}, err
	}
	approvals, err := e.Repo.ListGoalApprovals(ctx, tx, goal.ID, gate)
	if err != nil {
		return domain.Goal{}, GateStatus{}, err
	}
	count := approvalCount(approvals)
	bothApproved := count == 2

	var notice *domain.Message
	if bothApproved && gate == domain.GateProposal && goal.Status == "proposed" {
		active := "active"
		if err := e.Repo.UpdateGoal(ctx, tx, goal.ID, repo.GoalUpdate{Status: &active}, now); err != nil {
			return domain.Goal{}, GateStatus{}, err
		}
		notice = &domain.Message{
			ID:            uuid.NewString(),
			ConnectionID:  conn.ID,
			SenderClaimID: goal.CreatedByClaimID,
			Content:       goalActivatedNotice,
			Type:          domain.MessageSystem,
			CreatedAt:     now,
		}
		if err := e.Events.Append(ctx, tx, "goal.activated", "goal", goal.ID, userID, nil); err != nil {
			return domain.Goal{}, GateStatus{}, err
		}
		goal.Status = active
		goal.UpdatedAt = now
	} else if bothApproved && gate == domain.GateExecution && goal.Status == "completed" {
		notice = &domain.Message{
			ID:            uuid.NewString(),
			ConnectionID:  conn.ID,
			SenderClaimID: goal.CreatedByClaimID,
			Content:       goalSignedOffNotice,
			Type:          domain.MessageSystem,
			CreatedAt:     now,
		}
		if err := e.Events.Append(ctx, tx, "goal.signed_off", "goal", goal.ID, userID, nil); err != nil {
			return domain.Goal{}, GateStatus{}, err
		}
	}
	if notice != nil {
		if err := e.Repo.InsertMessage(ctx, tx, notice); err != nil {
			return domain.Goal{}, GateStatus{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, GateStatus{}, err
	}
	return goal, GateStatus{Gate: gate, ApprovalCount: count, FullyApproved: bothApproved}, nil
}

// userSideInConnection maps a human to the connection side their claim
// occupies.
func (e Engine) userSideInConnection(ctx context.Context, conn domain.Connection, userID string) (string, error) {
	requester, err := e.Repo.GetClaim(ctx, conn.RequesterClaimID)
	if err != nil {
		return "", err
	}
	if requester.UserID != nil && *requester.UserID == userID {
		return domain.SideRequester, nil
	}
	target, err := e.Repo.GetClaim(ctx, conn.TargetClaimID)
	if err != nil {
		return "", err
	}
	if target.UserID != nil && *target.UserID == userID {
		return domain.SideTarget, nil
	}
	return "", fmt.Errorf("%w: none of your claims participate in this connection", ErrForbidden)
}

func approvalCount(approvals []domain.GoalApproval) int {
	n := 0
	if sideApproved(approvals, domain.SideRequester) {
		n++
	}
	if sideApproved(approvals, domain.SideTarget) {
		n++
	}
	return n
}

func sideApproved(approvals []domain.GoalApproval, side string) bool {
	for _, a := range approvals {
		if a.Side == side && a.Approved {
			return true
		}
	}
	return false
}
