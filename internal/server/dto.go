package server

import (
	"context"
	"encoding/json"

	"pairline/internal/domain"
	"pairline/internal/engine"
)

// Request payloads

type RegisterClaimRequest struct {
	Name       string `json:"name"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	Bio        string `json:"bio,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

type UpdateClaimRequest struct {
	Name       *string `json:"name,omitempty"`
	AvatarURL  *string `json:"avatar_url,omitempty"`
	Bio        *string `json:"bio,omitempty"`
	WebhookURL *string `json:"webhook_url,omitempty"`
}

type ProposeConnectionRequest struct {
	// RequesterClaimID is required for human callers; agents always propose
	// as their own claim.
	RequesterClaimID string `json:"requester_claim_id,omitempty"`
	TargetClaimID    string `json:"target_claim_id"`
}

type RespondConnectionRequest struct {
	Accept *bool `json:"accept"`
}

type SendMessageRequest struct {
	Content   string         `json:"content,omitempty"`
	Type      string         `json:"type,omitempty" enum:"text,whisper,goal_create,goal_update"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	VisibleTo string         `json:"visible_to,omitempty"`
}

type WhisperRequest struct {
	Content string `json:"content"`
}

type CreateGoalRequest struct {
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Milestones  []domain.Milestone `json:"milestones,omitempty"`
}

type UpdateGoalRequest struct {
	Progress   *int               `json:"progress,omitempty" minimum:"0" maximum:"100"`
	Milestones []domain.Milestone `json:"milestones,omitempty"`
}

type ApproveGoalRequest struct {
	Approve *bool `json:"approve"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type ClaimResponse struct {
	ID           string  `json:"id"`
	UserID       *string `json:"user_id,omitempty"`
	Name         string  `json:"name"`
	AvatarURL    string  `json:"avatar_url,omitempty"`
	Bio          string  `json:"bio,omitempty"`
	WebhookURL   string  `json:"webhook_url,omitempty"`
	Verified     bool    `json:"verified"`
	LastActiveAt string  `json:"last_active_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type RegisterClaimResponse struct {
	Claim ClaimResponse `json:"claim"`
	// APIKey is returned exactly once, at registration.
	APIKey string `json:"api_key"`
}

type ConnectionResponse struct {
	ID               string  `json:"id"`
	RequesterClaimID string  `json:"requester_claim_id"`
	TargetClaimID    string  `json:"target_claim_id"`
	Status           string  `json:"status" enum:"pending,accepted,rejected"`
	RequestedAt      string  `json:"requested_at" format:"date-time"`
	RespondedAt      *string `json:"responded_at,omitempty" format:"date-time"`
}

type MessageResponse struct {
	Seq           int64          `json:"seq"`
	ID            string         `json:"id"`
	ConnectionID  string         `json:"connection_id"`
	SenderClaimID string         `json:"sender_claim_id"`
	Content       string         `json:"content"`
	Type          string         `json:"type" enum:"text,whisper,system,goal_create,goal_update"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	VisibleTo     *string        `json:"visible_to,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

type GoalResponse struct {
	ID               string             `json:"id"`
	ConnectionID     string             `json:"connection_id"`
	CreatedByClaimID string             `json:"created_by_claim_id"`
	Title            string             `json:"title"`
	Description      string             `json:"description,omitempty"`
	Milestones       []domain.Milestone `json:"milestones,omitempty"`
	Progress         int                `json:"progress"`
	Status           string             `json:"status" enum:"proposed,active,completed,abandoned"`
	Gate             string             `json:"gate" enum:"proposal,execution"`
	ApprovalCount    int                `json:"approval_count"`
	FullyApproved    bool               `json:"fully_approved"`
	CreatedAt        string             `json:"created_at" format:"date-time"`
	UpdatedAt        string             `json:"updated_at" format:"date-time"`
}

type SnapshotConnectionResponse struct {
	ConnectionID string            `json:"connection_id"`
	Peer         engine.PeerRef    `json:"peer"`
	UnreadCount  int               `json:"unread_count"`
	Messages     []MessageResponse `json:"messages"`
}

type SnapshotResponse struct {
	Claim             engine.PeerRef               `json:"claim"`
	Connections       []SnapshotConnectionResponse `json:"connections"`
	RecommendedPollMs int                          `json:"recommended_poll_ms"`
	Timestamp         string                       `json:"timestamp" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type WhoAmIResponse struct {
	Kind    string `json:"kind" enum:"agent,human"`
	ClaimID string `json:"claim_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func claimResponse(c domain.Claim) ClaimResponse {
	return ClaimResponse{
		ID:           c.ID,
		UserID:       c.UserID,
		Name:         c.Name,
		AvatarURL:    c.AvatarURL,
		Bio:          c.Bio,
		WebhookURL:   c.WebhookURL,
		Verified:     c.Verified,
		LastActiveAt: c.LastActiveAt,
		CreatedAt:    c.CreatedAt,
	}
}

func mapClaims(items []domain.Claim) []ClaimResponse {
	res := make([]ClaimResponse, 0, len(items))
	for _, c := range items {
		res = append(res, claimResponse(c))
	}
	return res
}

func connectionResponse(c domain.Connection) ConnectionResponse {
	return ConnectionResponse{
		ID:               c.ID,
		RequesterClaimID: c.RequesterClaimID,
		TargetClaimID:    c.TargetClaimID,
		Status:           c.Status,
		RequestedAt:      c.RequestedAt,
		RespondedAt:      c.RespondedAt,
	}
}

func mapConnections(items []domain.Connection) []ConnectionResponse {
	res := make([]ConnectionResponse, 0, len(items))
	for _, c := range items {
		res = append(res, connectionResponse(c))
	}
	return res
}

func messageResponse(m domain.Message) MessageResponse {
	resp := MessageResponse{
		Seq:           m.Seq,
		ID:            m.ID,
		ConnectionID:  m.ConnectionID,
		SenderClaimID: m.SenderClaimID,
		Content:       m.Content,
		Type:          m.Type,
		VisibleTo:     m.VisibleTo,
		CreatedAt:     m.CreatedAt,
	}
	if m.MetadataJSON != nil && *m.MetadataJSON != "" {
		var metadata map[string]any
		if err := json.Unmarshal([]byte(*m.MetadataJSON), &metadata); err == nil {
			resp.Metadata = metadata
		}
	}
	return resp
}

func mapMessages(items []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, messageResponse(m))
	}
	return res
}

func goalResponse(g domain.Goal) GoalResponse {
	resp := GoalResponse{
		ID:               g.ID,
		ConnectionID:     g.ConnectionID,
		CreatedByClaimID: g.CreatedByClaimID,
		Title:            g.Title,
		Description:      g.Description,
		Progress:         g.Progress,
		Status:           g.Status,
		CreatedAt:        g.CreatedAt,
		UpdatedAt:        g.UpdatedAt,
	}
	if g.MilestonesJSON != nil && *g.MilestonesJSON != "" {
		var milestones []domain.Milestone
		if err := json.Unmarshal([]byte(*g.MilestonesJSON), &milestones); err == nil {
			resp.Milestones = milestones
		}
	}
	return resp
}

func goalWithGateStatus(g domain.Goal, gs engine.GateStatus) GoalResponse {
	resp := goalResponse(g)
	resp.Gate = gs.Gate
	resp.ApprovalCount = gs.ApprovalCount
	resp.FullyApproved = gs.FullyApproved
	return resp
}

func goalWithGate(ctx context.Context, e engine.Engine, g domain.Goal) (GoalResponse, error) {
	gs, err := e.GoalGateStatus(ctx, g)
	if err != nil {
		return GoalResponse{}, err
	}
	return goalWithGateStatus(g, gs), nil
}

func mapGoals(ctx context.Context, e engine.Engine, items []domain.Goal) ([]GoalResponse, error) {
	res := make([]GoalResponse, 0, len(items))
	for _, g := range items {
		resp, err := goalWithGate(ctx, e, g)
		if err != nil {
			return nil, err
		}
		res = append(res, resp)
	}
	return res, nil
}

func snapshotResponse(s engine.Snapshot) SnapshotResponse {
	resp := SnapshotResponse{
		Claim:             s.Claim,
		Connections:       []SnapshotConnectionResponse{},
		RecommendedPollMs: s.RecommendedPollMs,
		Timestamp:         s.Timestamp,
	}
	for _, cs := range s.Connections {
		resp.Connections = append(resp.Connections, SnapshotConnectionResponse{
			ConnectionID: cs.ConnectionID,
			Peer:         cs.Peer,
			UnreadCount:  cs.UnreadCount,
			Messages:     mapMessages(cs.Messages),
		})
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}
