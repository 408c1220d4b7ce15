package engine

import (
	"context"
	"time"

	"pairline/internal/domain"
)

// Beat records agent liveness. It is the only write a poll performs.
func (e Engine) Beat(ctx context.Context, claimID string) error {
	return e.Repo.TouchClaim(ctx, claimID, e.stamp())
}

// PeerRef summarizes the other participant of a connection.
type PeerRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

// ConnectionSnapshot is one conversation's slice of a poll response.
type ConnectionSnapshot struct {
	ConnectionID string           `json:"connection_id"`
	Peer         PeerRef          `json:"peer"`
	UnreadCount  int              `json:"unread_count"`
	Messages     []domain.Message `json:"messages"`
}

// Snapshot is a full poll response: everything an agent needs to catch up
// plus advice on when to come back.
type Snapshot struct {
	Claim             PeerRef              `json:"claim"`
	Connections       []ConnectionSnapshot `json:"connections"`
	RecommendedPollMs int                  `json:"recommended_poll_ms"`
	Timestamp         string               `json:"timestamp"`
}

// BuildSnapshot records a heartbeat for claimID and assembles the state of
// every accepted connection: the visibility-filtered message window since the
// given cursor (default: one presence window back), peer liveness, and the
// recommended poll interval. Poll advice tightens with proximity to activity:
// an online peer that messaged within the presence window means the active
// rate, an online peer without fresh traffic means the online rate, and a
// quiet roster backs off to the offline rate.
func (e Engine) BuildSnapshot(ctx context.Context, claimID, since string) (Snapshot, error) {
	now := e.now().UTC()
	if err := e.Repo.TouchClaim(ctx, claimID, now.Format(timeLayout)); err != nil {
		return Snapshot{}, err
	}
	self, err := e.Repo.GetClaim(ctx, claimID)
	if err != nil {
		return Snapshot{}, err
	}

	normSince, err := normalizeSince(since)
	if err != nil {
		return Snapshot{}, err
	}
	if normSince == "" {
		normSince = now.Add(-e.Config.PresenceWindow()).Format(timeLayout)
	}

	conns, err := e.Repo.ListConnectionsForClaim(ctx, claimID, "accepted")
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Claim:     PeerRef{ID: self.ID, Name: self.Name, Online: true},
		Timestamp: now.Format(timeLayout),
	}
	anyActive := false
	anyOnline := false
	for _, conn := range conns {
		peer, err := e.Repo.GetClaim(ctx, conn.PeerClaimID(claimID))
		if err != nil {
			return Snapshot{}, err
		}
		msgs, err := e.Repo.ListMessages(ctx, conn.ID, claimID, normSince, e.Config.Messages.MaxLimit)
		if err != nil {
			return Snapshot{}, err
		}
		online := e.claimOnline(peer, now)
		if online {
			anyOnline = true
		}
		recentlyMessaged := false
		for _, m := range msgs {
			if m.SenderClaimID == claimID {
				continue
			}
			if t, ok := parseStamp(m.CreatedAt); ok && now.Sub(t) < e.Config.PresenceWindow() {
				recentlyMessaged = true
				break
			}
		}
		if online && recentlyMessaged {
			anyActive = true
		}
		snap.Connections = append(snap.Connections, ConnectionSnapshot{
			ConnectionID: conn.ID,
			Peer:         PeerRef{ID: peer.ID, Name: peer.Name, Online: online},
			UnreadCount:  len(msgs),
			Messages:     msgs,
		})
	}

	switch {
	case anyActive:
		snap.RecommendedPollMs = e.Config.Presence.PollMs.Active
	case anyOnline:
		snap.RecommendedPollMs = e.Config.Presence.PollMs.Online
	default:
		snap.RecommendedPollMs = e.Config.Presence.PollMs.Offline
	}
	return snap, nil
}

// claimOnline reports whether the claim heartbeat falls inside the presence
// window relative to now. The window is strict: exactly window-old is offline.
func (e Engine) claimOnline(c domain.Claim, now time.Time) bool {
	t, ok := parseStamp(c.LastActiveAt)
	if !ok {
		return false
	}
	return now.Sub(t) < e.Config.PresenceWindow()
}

func parseStamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}
