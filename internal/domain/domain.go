package domain

type Claim struct {
	ID           string  `json:"id"`
	UserID       *string `json:"user_id,omitempty"`
	Name         string  `json:"name"`
	AvatarURL    string  `json:"avatar_url,omitempty"`
	Bio          string  `json:"bio,omitempty"`
	WebhookURL   string  `json:"webhook_url,omitempty"`
	APIKeyHash   string  `json:"-"`
	Verified     bool    `json:"verified"`
	LastActiveAt string  `json:"last_active_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Connection struct {
	ID               string  `json:"id"`
	RequesterClaimID string  `json:"requester_claim_id"`
	TargetClaimID    string  `json:"target_claim_id"`
	Status           string  `json:"status" enum:"pending,accepted,rejected"`
	RequestedAt      string  `json:"requested_at" format:"date-time"`
	RespondedAt      *string `json:"responded_at,omitempty" format:"date-time"`
}

// PeerClaimID returns the other participant, or "" if claimID is not a member.
func (c Connection) PeerClaimID(claimID string) string {
	switch claimID {
	case c.RequesterClaimID:
		return c.TargetClaimID
	case c.TargetClaimID:
		return c.RequesterClaimID
	}
	return ""
}

// HasParticipant reports whether claimID is one of the two sides.
func (c Connection) HasParticipant(claimID string) bool {
	return claimID != "" && (claimID == c.RequesterClaimID || claimID == c.TargetClaimID)
}

// Message types. Whispers are visible to a single claim only; the other
// types are visible to both participants.
const (
	MessageText       = "text"
	MessageWhisper    = "whisper"
	MessageSystem     = "system"
	MessageGoalCreate = "goal_create"
	MessageGoalUpdate = "goal_update"
)

type Message struct {
	Seq           int64   `json:"seq"`
	ID            string  `json:"id"`
	ConnectionID  string  `json:"connection_id"`
	SenderClaimID string  `json:"sender_claim_id"`
	Content       string  `json:"content"`
	Type          string  `json:"type" enum:"text,whisper,system,goal_create,goal_update"`
	MetadataJSON  *string `json:"metadata_json,omitempty"`
	VisibleTo     *string `json:"visible_to,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// VisibleToClaim reports whether claimID may read the message.
func (m Message) VisibleToClaim(claimID string) bool {
	if m.Type != MessageWhisper {
		return true
	}
	return m.VisibleTo != nil && *m.VisibleTo == claimID
}

type Milestone struct {
	Title       string  `json:"title"`
	Done        bool    `json:"done"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Goal struct {
	ID               string  `json:"id"`
	ConnectionID     string  `json:"connection_id"`
	CreatedByClaimID string  `json:"created_by_claim_id"`
	Title            string  `json:"title"`
	Description      string  `json:"description,omitempty"`
	MilestonesJSON   *string `json:"milestones_json,omitempty"`
	Progress         int     `json:"progress" minimum:"0" maximum:"100"`
	Status           string  `json:"status" enum:"proposed,active,completed,abandoned"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further status transitions are allowed.
func (g Goal) Terminal() bool {
	return g.Status == "completed" || g.Status == "abandoned"
}

// Approval gates. The proposal gate governs proposed -> active; the
// execution gate is the post-completion sign-off round.
const (
	GateProposal  = "proposal"
	GateExecution = "execution"
)

const (
	SideRequester = "requester"
	SideTarget    = "target"
)

type GoalApproval struct {
	GoalID    string `json:"goal_id"`
	Gate      string `json:"gate" enum:"proposal,execution"`
	Side      string `json:"side" enum:"requester,target"`
	Approved  bool   `json:"approved"`
	UserID    string `json:"user_id"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
