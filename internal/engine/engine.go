package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pairline/internal/config"
	"pairline/internal/domain"
	"pairline/internal/events"
	"pairline/internal/notify"
	"pairline/internal/repo"
)

// timeLayout is RFC 3339 with fixed nanosecond width so stored timestamps
// compare lexicographically in the same order as chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Notify *notify.Notifier
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, n *notify.Notifier) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Notify: n,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(timeLayout)
}

// normalizeSince re-formats a client-supplied timestamp into the fixed-width
// stored layout so SQL string comparison stays chronological.
func normalizeSince(since string) (string, error) {
	if since == "" {
		return "", nil
	}
	t, err := time.Parse(time.RFC3339Nano, since)
	if err != nil {
		return "", fmt.Errorf("%w: invalid since timestamp", ErrInvalidArgument)
	}
	return t.UTC().Format(timeLayout), nil
}

// RegisterClaim creates an agent identity for userID and returns the claim
// together with the plaintext API key. The key is shown exactly once; only
// its hash is stored.
func (e Engine) RegisterClaim(ctx context.Context, userID, name, avatarURL, bio, webhookURL string) (domain.Claim, string, error) {
	if name == "" {
		return domain.Claim{}, "", fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return domain.Claim{}, "", err
	}
	apiKey := "ak_" + hex.EncodeToString(raw)
	now := e.stamp()
	c := domain.Claim{
		ID:         uuid.NewString(),
		Name:       name,
		AvatarURL:  avatarURL,
		Bio:        bio,
		WebhookURL: webhookURL,
		APIKeyHash: repo.HashAPIKey(apiKey),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if userID != "" {
		c.UserID = &userID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertClaim(ctx, tx, c); err != nil {
		return domain.Claim{}, "", fmt.Errorf("insert claim: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "claim.registered", "claim", c.ID, actorOrSystem(userID), events.EventPayload{"name": c.Name}); err != nil {
		return domain.Claim{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, "", err
	}
	return c, apiKey, nil
}

// UpdateClaim mutates profile fields. Only the owning human may call it.
func (e Engine) UpdateClaim(ctx context.Context, claimID, userID string, upd repo.ClaimUpdate) (domain.Claim, error) {
	c, err := e.Repo.GetClaim(ctx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}
	if c.UserID == nil || *c.UserID != userID {
		return domain.Claim{}, fmt.Errorf("%w: not your claim", ErrForbidden)
	}
	if err := e.Repo.UpdateClaim(ctx, claimID, upd, e.stamp()); err != nil {
		return domain.Claim{}, err
	}
	return e.Repo.GetClaim(ctx, claimID)
}

// VerifyClaim flips the verified flag. The flag is an input from an
// out-of-band ownership check, so only the local admin CLI exposes this.
func (e Engine) VerifyClaim(ctx context.Context, claimID string, verified bool) (domain.Claim, error) {
	if _, err := e.Repo.GetClaim(ctx, claimID); err != nil {
		return domain.Claim{}, err
	}
	if err := e.Repo.UpdateClaim(ctx, claimID, repo.ClaimUpdate{Verified: &verified}, e.stamp()); err != nil {
		return domain.Claim{}, err
	}
	return e.Repo.GetClaim(ctx, claimID)
}

// AuthenticateAgent resolves an API key to its claim.
func (e Engine) AuthenticateAgent(ctx context.Context, apiKey string) (domain.Claim, error) {
	c, err := e.Repo.GetClaimByAPIKeyHash(ctx, repo.HashAPIKey(apiKey))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Claim{}, fmt.Errorf("%w: invalid api key", ErrUnauthorized)
	}
	return c, err
}

// ProposeConnection creates a pending relationship between two claims.
func (e Engine) ProposeConnection(ctx context.Context, requesterClaimID, targetClaimID, actorID string) (domain.Connection, error) {
	if requesterClaimID == targetClaimID {
		return domain.Connection{}, fmt.Errorf("%w: cannot connect a claim to itself", ErrInvalidArgument)
	}
	if _, err := e.Repo.GetClaim(ctx, requesterClaimID); err != nil {
		return domain.Connection{}, err
	}
	if _, err := e.Repo.GetClaim(ctx, targetClaimID); err != nil {
		return domain.Connection{}, err
	}
	existing, err := e.Repo.GetPairConnection(ctx, requesterClaimID, targetClaimID)
	if err == nil {
		return domain.Connection{}, fmt.Errorf("%w: connection already exists (status %s, id %s)", ErrConflict, existing.Status, existing.ID)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Connection{}, err
	}
	c := domain.Connection{
		ID:               uuid.NewString(),
		RequesterClaimID: requesterClaimID,
		TargetClaimID:    targetClaimID,
		Status:           "pending",
		RequestedAt:      e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Connection{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertConnection(ctx, tx, c); err != nil {
		return domain.Connection{}, fmt.Errorf("insert connection: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "connection.proposed", "connection", c.ID, actorID, events.EventPayload{
		"requester_claim_id": requesterClaimID,
		"target_claim_id":    targetClaimID,
	}); err != nil {
		return domain.Connection{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Connection{}, err
	}
	return c, nil
}

// RespondConnection accepts or rejects a pending request. Only the human
// owning the target claim may respond; the transition is terminal. Accepting
// drops a system message into the thread so both agents discover it on poll.
func (e Engine) RespondConnection(ctx context.Context, connectionID, userID string, accept bool) (domain.Connection, error) {
	conn, err := e.Repo.GetConnection(ctx, connectionID)
	if err != nil {
		return domain.Connection{}, err
	}
	target, err := e.Repo.GetClaim(ctx, conn.TargetClaimID)
	if err != nil {
		return domain.Connection{}, err
	}
	if target.UserID == nil || *target.UserID != userID {
		return domain.Connection{}, fmt.Errorf("%w: only the target claim owner can respond", ErrForbidden)
	}
	if conn.Status != "pending" {
		return domain.Connection{}, fmt.Errorf("%w: connection is %s", ErrInvalidState, conn.Status)
	}
	status := "rejected"
	if accept {
		status = "accepted"
	}
	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Connection{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateConnectionStatus(ctx, tx, conn.ID, status, now); err != nil {
		return domain.Connection{}, err
	}
	if accept {
		msg := domain.Message{
			ID:            uuid.NewString(),
			ConnectionID:  conn.ID,
			SenderClaimID: conn.TargetClaimID,
			Content:       "Connection established. Your agents can now chat.",
			Type:          domain.MessageSystem,
			CreatedAt:     now,
		}
		if err := e.Repo.InsertMessage(ctx, tx, &msg); err != nil {
			return domain.Connection{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "connection."+status, "connection", conn.ID, userID, nil); err != nil {
		return domain.Connection{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Connection{}, err
	}
	conn.Status = status
	conn.RespondedAt = &now
	return conn, nil
}

// SendMessageOptions are parameters for routing one message.
type SendMessageOptions struct {
	ConnectionID  string
	SenderClaimID string
	Type          string
	Content       string
	Metadata      map[string]any
	VisibleTo     string
	// AgentOrigin marks agent-sent messages, which require an accepted
	// connection for every non-system type.
	AgentOrigin bool
	ActorID     string
}

var messageTypes = map[string]bool{
	domain.MessageText:       true,
	domain.MessageWhisper:    true,
	domain.MessageSystem:     true,
	domain.MessageGoalCreate: true,
	domain.MessageGoalUpdate: true,
}

// SendMessage validates sender membership and visibility, persists the
// message, synchronizes goal records for goal_create/goal_update, and
// enqueues the delivery notification after commit.
func (e Engine) SendMessage(ctx context.Context, opts SendMessageOptions) (domain.Message, error) {
	if opts.Type == "" {
		opts.Type = domain.MessageText
	}
	if !messageTypes[opts.Type] {
		return domain.Message{}, fmt.Errorf("%w: unknown message type %s", ErrInvalidArgument, opts.Type)
	}
	if opts.Type == domain.MessageText && opts.Content == "" {
		return domain.Message{}, fmt.Errorf("%w: content is required", ErrInvalidArgument)
	}
	conn, err := e.Repo.GetConnection(ctx, opts.ConnectionID)
	if err != nil {
		return domain.Message{}, err
	}
	if !conn.HasParticipant(opts.SenderClaimID) {
		return domain.Message{}, fmt.Errorf("%w: not part of this connection", ErrForbidden)
	}
	if opts.AgentOrigin && opts.Type != domain.MessageSystem && conn.Status != "accepted" {
		return domain.Message{}, fmt.Errorf("%w: connection not accepted", ErrForbidden)
	}

	var visibleTo *string
	if opts.Type == domain.MessageWhisper {
		target := opts.VisibleTo
		if target == "" {
			target = opts.SenderClaimID
		}
		if !conn.HasParticipant(target) {
			return domain.Message{}, fmt.Errorf("%w: whisper target is not a participant", ErrInvalidArgument)
		}
		visibleTo = &target
	}

	metadataJSON, err := marshalMetadata(opts.Metadata)
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		ID:            uuid.NewString(),
		ConnectionID:  conn.ID,
		SenderClaimID: opts.SenderClaimID,
		Content:       opts.Content,
		Type:          opts.Type,
		MetadataJSON:  metadataJSON,
		VisibleTo:     visibleTo,
		CreatedAt:     e.stamp(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMessage(ctx, tx, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := e.syncGoalFromMessage(ctx, tx, conn, msg, opts.Metadata); err != nil {
		return domain.Message{}, err
	}
	actor := opts.ActorID
	if actor == "" {
		actor = opts.SenderClaimID
	}
	if err := e.Events.Append(ctx, tx, "message.sent", "message", msg.ID, actor, events.EventPayload{
		"connection_id": conn.ID,
		"type":          msg.Type,
	}); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}

	e.enqueueMessageNotification(ctx, conn, msg)
	return msg, nil
}

// enqueueMessageNotification routes the post-commit delivery task: regular
// messages notify the other participant, whispers notify the visibility
// target's own agent. Failures stay inside the notifier.
func (e Engine) enqueueMessageNotification(ctx context.Context, conn domain.Connection, msg domain.Message) {
	if e.Notify == nil {
		return
	}
	payload := notify.Payload{
		Event:        "message",
		ConnectionID: conn.ID,
		MessageID:    msg.ID,
		Content:      msg.Content,
		Type:         msg.Type,
		Timestamp:    msg.CreatedAt,
	}
	var targetClaimID string
	if msg.Type == domain.MessageWhisper {
		payload.Event = "whisper"
		payload.Type = ""
		targetClaimID = *msg.VisibleTo
	} else {
		targetClaimID = conn.PeerClaimID(msg.SenderClaimID)
		if sender, err := e.Repo.GetClaim(ctx, msg.SenderClaimID); err == nil {
			payload.From = &notify.ClaimRef{ID: sender.ID, Name: sender.Name}
		}
	}
	target, err := e.Repo.GetClaim(ctx, targetClaimID)
	if err != nil || target.WebhookURL == "" {
		return
	}
	e.Notify.Enqueue(notify.Task{Endpoint: target.WebhookURL, Payload: payload})
}

// syncGoalFromMessage upserts the goal record mirrored by goal_create and
// goal_update messages. A goal_create carrying goal_id metadata is already
// synchronized (the CreateGoal path) and is left alone.
func (e Engine) syncGoalFromMessage(ctx context.Context, tx *sql.Tx, conn domain.Connection, msg domain.Message, metadata map[string]any) error {
	switch msg.Type {
	case domain.MessageGoalCreate:
		title, _ := metadata["title"].(string)
		if title == "" || metadataString(metadata, "goal_id") != "" {
			return nil
		}
		g := domain.Goal{
			ID:               uuid.NewString(),
			ConnectionID:     conn.ID,
			CreatedByClaimID: msg.SenderClaimID,
			Title:            title,
			Description:      metadataString(metadata, "description"),
			MilestonesJSON:   metadataJSONField(metadata, "milestones"),
			Progress:         0,
			Status:           "proposed",
			CreatedAt:        msg.CreatedAt,
			UpdatedAt:        msg.CreatedAt,
		}
		return e.Repo.InsertGoal(ctx, tx, g)
	case domain.MessageGoalUpdate:
		goalID := metadataString(metadata, "goal_id")
		if goalID == "" {
			return nil
		}
		goal, err := e.Repo.GetGoal(ctx, goalID)
		if err != nil {
			return err
		}
		if goal.ConnectionID != conn.ID {
			return fmt.Errorf("%w: goal belongs to another connection", ErrInvalidArgument)
		}
		upd := repo.GoalUpdate{MilestonesJSON: metadataJSONField(metadata, "milestones")}
		if v, ok := metadataNumber(metadata, "progress"); ok {
			p := clampProgress(v)
			upd.Progress = &p
			if p == 100 && metadataString(metadata, "status") == "" {
				completed := "completed"
				upd.Status = &completed
			}
		}
		if s := metadataString(metadata, "status"); s != "" {
			upd.Status = &s
		}
		return e.Repo.UpdateGoal(ctx, tx, goalID, upd, msg.CreatedAt)
	}
	return nil
}

// ListMessages returns the visibility-filtered window for callerClaimID.
func (e Engine) ListMessages(ctx context.Context, connectionID, callerClaimID, since string, limit int) ([]domain.Message, error) {
	conn, err := e.Repo.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.HasParticipant(callerClaimID) {
		return nil, fmt.Errorf("%w: not part of this connection", ErrForbidden)
	}
	normSince, err := normalizeSince(since)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.Config.Messages.DefaultLimit
	}
	if limit > e.Config.Messages.MaxLimit {
		limit = e.Config.Messages.MaxLimit
	}
	msgs, err := e.Repo.ListMessages(ctx, connectionID, callerClaimID, normSince, limit)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendWhisper is the human steering channel: it resolves the user's own
// claim in the connection and stores a whisper only that claim can read.
func (e Engine) SendWhisper(ctx context.Context, userID, connectionID, content string) (domain.Message, error) {
	if content == "" {
		return domain.Message{}, fmt.Errorf("%w: content is required", ErrInvalidArgument)
	}
	conn, err := e.Repo.GetConnection(ctx, connectionID)
	if err != nil {
		return domain.Message{}, err
	}
	ownClaim, err := e.userClaimInConnection(ctx, conn, userID)
	if err != nil {
		return domain.Message{}, err
	}
	return e.SendMessage(ctx, SendMessageOptions{
		ConnectionID:  connectionID,
		SenderClaimID: ownClaim.ID,
		Type:          domain.MessageWhisper,
		Content:       content,
		VisibleTo:     ownClaim.ID,
		ActorID:       userID,
	})
}

// ClaimForUser resolves which of the user's claims participates in the
// connection.
func (e Engine) ClaimForUser(ctx context.Context, connectionID, userID string) (domain.Claim, error) {
	conn, err := e.Repo.GetConnection(ctx, connectionID)
	if err != nil {
		return domain.Claim{}, err
	}
	return e.userClaimInConnection(ctx, conn, userID)
}

func (e Engine) userClaimInConnection(ctx context.Context, conn domain.Connection, userID string) (domain.Claim, error) {
	claims, err := e.Repo.ListClaimsByUser(ctx, userID)
	if err != nil {
		return domain.Claim{}, err
	}
	for _, c := range claims {
		if conn.HasParticipant(c.ID) {
			return c, nil
		}
	}
	return domain.Claim{}, fmt.Errorf("%w: none of your claims participate in this connection", ErrForbidden)
}

func marshalMetadata(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	s := string(b)
	return &s, nil
}

func metadataString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func metadataNumber(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func metadataJSONField(m map[string]any, key string) *string {
	if m == nil {
		return nil
	}
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

func clampProgress(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(v)
}

func actorOrSystem(actorID string) string {
	if actorID == "" {
		return "system"
	}
	return actorID
}
