package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pairline/internal/config"
	"pairline/internal/db"
	"pairline/internal/domain"
	"pairline/internal/engine"
	"pairline/internal/migrate"
	"pairline/internal/notify"
	"pairline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC),
	}
	env.Engine = engine.New(conn, config.Default(), nil)
	env.Engine.Now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) register(t *testing.T, userID, name string) domain.Claim {
	t.Helper()
	c, _, err := env.Engine.RegisterClaim(env.Ctx, userID, name, "", "", "")
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return c
}

// pairedEnv returns two claims (owned by alice and bob) with an accepted
// connection between them.
func pairedEnv(t *testing.T) (*testEnv, domain.Claim, domain.Claim, domain.Connection) {
	t.Helper()
	env := newTestEnv(t)
	a := env.register(t, "alice", "Ada")
	b := env.register(t, "bob", "Bot")
	conn, err := env.Engine.ProposeConnection(env.Ctx, a.ID, b.ID, "alice")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	env.advance(time.Second)
	conn, err = env.Engine.RespondConnection(env.Ctx, conn.ID, "bob", true)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return env, a, b, conn
}

func TestRegisterClaimAPIKey(t *testing.T) {
	env := newTestEnv(t)
	c, key, err := env.Engine.RegisterClaim(env.Ctx, "alice", "Ada", "", "", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.HasPrefix(key, "ak_") {
		t.Fatalf("expected ak_ prefix, got %s", key)
	}
	got, err := env.Engine.AuthenticateAgent(env.Ctx, key)
	if err != nil || got.ID != c.ID {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := env.Engine.AuthenticateAgent(env.Ctx, "ak_bogus"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.register(t, "alice", "Ada")
	b := env.register(t, "bob", "Bot")

	if _, err := env.Engine.ProposeConnection(env.Ctx, a.ID, a.ID, "alice"); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("self pair: expected invalid argument, got %v", err)
	}
	conn, err := env.Engine.ProposeConnection(env.Ctx, a.ID, b.ID, "alice")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if conn.Status != "pending" {
		t.Fatalf("expected pending, got %s", conn.Status)
	}
	// duplicate pair in either direction conflicts while not rejected
	if _, err := env.Engine.ProposeConnection(env.Ctx, b.ID, a.ID, "bob"); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// only the target's human may respond
	if _, err := env.Engine.RespondConnection(env.Ctx, conn.ID, "alice", true); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	conn, err = env.Engine.RespondConnection(env.Ctx, conn.ID, "bob", true)
	if err != nil || conn.Status != "accepted" {
		t.Fatalf("accept: %v (%s)", err, conn.Status)
	}
	// the accept drops a system message both agents can read
	msgs, err := env.Engine.ListMessages(env.Ctx, conn.ID, a.ID, "", 0)
	if err != nil || len(msgs) != 1 || msgs[0].Type != domain.MessageSystem {
		t.Fatalf("expected one system message, got %d (%v)", len(msgs), err)
	}
	// responding twice is a state error
	if _, err := env.Engine.RespondConnection(env.Ctx, conn.ID, "bob", false); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestRejectedPairCanRepropose(t *testing.T) {
	env := newTestEnv(t)
	a := env.register(t, "alice", "Ada")
	b := env.register(t, "bob", "Bot")
	conn, err := env.Engine.ProposeConnection(env.Ctx, a.ID, b.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RespondConnection(env.Ctx, conn.ID, "bob", false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.Engine.ProposeConnection(env.Ctx, a.ID, b.ID, "alice"); err != nil {
		t.Fatalf("repropose after rejection: %v", err)
	}
}

func TestAgentMessagingRequiresAcceptance(t *testing.T) {
	env := newTestEnv(t)
	a := env.register(t, "alice", "Ada")
	b := env.register(t, "bob", "Bot")
	conn, err := env.Engine.ProposeConnection(env.Ctx, a.ID, b.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		ConnectionID:  conn.ID,
		SenderClaimID: a.ID,
		Content:       "hello",
		AgentOrigin:   true,
	})
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden on pending connection, got %v", err)
	}
	// outsiders are rejected regardless of status
	c := env.register(t, "carol", "Cat")
	_, err = env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		ConnectionID:  conn.ID,
		SenderClaimID: c.ID,
		Content:       "hi",
		AgentOrigin:   true,
	})
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden for outsider, got %v", err)
	}
}

func TestMessageOrderingAndSince(t *testing.T) {
	env, a, b, conn := pairedEnv(t)
	send := func(claimID, content string) domain.Message {
		t.Helper()
		m, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
			ConnectionID:  conn.ID,
			SenderClaimID: claimID,
			Content:       content,
			AgentOrigin:   true,
		})
		if err != nil {
			t.Fatalf("send %s: %v", content, err)
		}
		return m
	}
	env.advance(time.Second)
	send(a.ID, "one")
	// same instant: seq breaks the tie
	send(b.ID, "two")
	env.advance(time.Second)
	cursor := env.now.UTC().Format(time.RFC3339Nano)
	env.advance(time.Second)
	send(a.ID, "three")

	msgs, err := env.Engine.ListMessages(env.Ctx, conn.ID, a.ID, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	// system accept message plus three sends, oldest first
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[1].Content != "one" || msgs[2].Content != "two" || msgs[3].Content != "three" {
		t.Fatalf("wrong order: %s, %s, %s", msgs[1].Content, msgs[2].Content, msgs[3].Content)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq <= msgs[i-1].Seq {
			t.Fatalf("seq not increasing at %d", i)
		}
	}

	after, err := env.Engine.ListMessages(env.Ctx, conn.ID, a.ID, cursor, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 || after[0].Content != "three" {
		t.Fatalf("since filter: expected only three, got %d", len(after))
	}

	if _, err := env.Engine.ListMessages(env.Ctx, conn.ID, a.ID, "garbage", 0); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("expected invalid since error, got %v", err)
	}
}

func TestWhisperVisibility(t *testing.T) {
	env, a, b, conn := pairedEnv(t)
	env.advance(time.Second)
	w, err := env.Engine.SendWhisper(env.Ctx, "alice", conn.ID, "focus on the budget")
	if err != nil {
		t.Fatalf("whisper: %v", err)
	}
	if w.Type != domain.MessageWhisper || w.VisibleTo == nil || *w.VisibleTo != a.ID {
		t.Fatalf("whisper should target alice's own claim")
	}
	// sender's agent sees it
	mine, err := env.Engine.ListMessages(env.Ctx, conn.ID, a.ID, "", 0)
	if err != nil || len(mine) != 2 {
		t.Fatalf("expected system+whisper for owner, got %d (%v)", len(mine), err)
	}
	// the peer agent never does
	theirs, err := env.Engine.ListMessages(env.Ctx, conn.ID, b.ID, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range theirs {
		if m.Type == domain.MessageWhisper {
			t.Fatalf("whisper leaked to peer")
		}
	}
	// non-participants cannot whisper
	if _, err := env.Engine.SendWhisper(env.Ctx, "carol", conn.ID, "psst"); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestWhisperDoesNotEatLimit(t *testing.T) {
	env, a, b, conn := pairedEnv(t)
	env.advance(time.Second)
	if _, err := env.Engine.SendWhisper(env.Ctx, "alice", conn.ID, "private"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		env.advance(time.Second)
		if _, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
			ConnectionID: conn.ID, SenderClaimID: a.ID, Content: "m", AgentOrigin: true,
		}); err != nil {
			t.Fatal(err)
		}
	}
	// the limit counts rows visible to the caller, so bob still gets a full
	// window even though a whisper sits inside it
	msgs, err := env.Engine.ListMessages(env.Ctx, conn.ID, b.ID, "", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 visible messages, got %d", len(msgs))
	}
}

func TestNotificationRouting(t *testing.T) {
	env := newTestEnv(t)
	record := func(ch chan notify.Payload) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p notify.Payload
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				t.Errorf("decode payload: %v", err)
			}
			ch <- p
		}))
		t.Cleanup(srv.Close)
		return srv
	}
	adaCh := make(chan notify.Payload, 8)
	botCh := make(chan notify.Payload, 8)
	adaSrv := record(adaCh)
	botSrv := record(botCh)

	a, _, err := env.Engine.RegisterClaim(env.Ctx, "alice", "Ada", "", "", adaSrv.URL)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := env.Engine.RegisterClaim(env.Ctx, "bob", "Bot", "", "", botSrv.URL)
	if err != nil {
		t.Fatal(err)
	}
	// carol's agent registered no endpoint
	c := env.register(t, "carol", "Cat")

	n := notify.New(notify.Config{Workers: 1, Logger: log.New(io.Discard, "", 0), Sleep: func(time.Duration) {}})
	env.Engine.Notify = n

	pair := func(target domain.Claim, targetUser string) domain.Connection {
		t.Helper()
		conn, err := env.Engine.ProposeConnection(env.Ctx, a.ID, target.ID, "alice")
		if err != nil {
			t.Fatal(err)
		}
		conn, err = env.Engine.RespondConnection(env.Ctx, conn.ID, targetUser, true)
		if err != nil {
			t.Fatal(err)
		}
		return conn
	}
	conn := pair(b, "bob")
	silent := pair(c, "carol")

	env.advance(time.Second)
	if _, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		ConnectionID: conn.ID, SenderClaimID: a.ID, Content: "hello", AgentOrigin: true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SendWhisper(env.Ctx, "alice", conn.ID, "keep it short"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateGoal(env.Ctx, conn.ID, a.ID, "Plan the trip", "", nil); err != nil {
		t.Fatal(err)
	}
	// the peer without an endpoint is simply skipped
	if _, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		ConnectionID: silent.ID, SenderClaimID: a.ID, Content: "anyone there?", AgentOrigin: true,
	}); err != nil {
		t.Fatal(err)
	}
	n.Close()

	if len(botCh) != 2 {
		t.Fatalf("expected 2 deliveries to the peer, got %d", len(botCh))
	}
	first := <-botCh
	if first.Event != "message" || first.Type != "text" || first.Content != "hello" {
		t.Fatalf("unexpected first delivery: %+v", first)
	}
	if first.ConnectionID != conn.ID || first.From == nil || first.From.ID != a.ID {
		t.Fatalf("message should carry the sending claim, got %+v", first.From)
	}
	second := <-botCh
	if second.Event != "message" || second.Type != "goal_create" {
		t.Fatalf("unexpected second delivery: %+v", second)
	}

	// the whisper lands on the steered agent's own endpoint, not the peer's
	if len(adaCh) != 1 {
		t.Fatalf("expected 1 delivery to the whisper target, got %d", len(adaCh))
	}
	w := <-adaCh
	if w.Event != "whisper" || w.Content != "keep it short" {
		t.Fatalf("unexpected whisper delivery: %+v", w)
	}
	if w.From != nil || w.Type != "" {
		t.Fatalf("whisper delivery should not expose a sender, got %+v", w)
	}
}

func TestGoalApprovalGates(t *testing.T) {
	env, a, _, conn := pairedEnv(t)
	env.advance(time.Second)
	g, err := env.Engine.CreateGoal(env.Ctx, conn.ID, a.ID, "Plan the trip", "two weeks in May", nil)
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	if g.Status != "proposed" {
		t.Fatalf("expected proposed, got %s", g.Status)
	}
	gs, err := env.Engine.GoalGateStatus(env.Ctx, g)
	if err != nil || gs.Gate != domain.GateProposal || gs.ApprovalCount != 0 {
		t.Fatalf("fresh goal tally: %v (%+v)", err, gs)
	}
	// one approval is not enough
	g, gs, err = env.Engine.ApproveGoal(env.Ctx, g.ID, "alice", true)
	if err != nil || g.Status != "proposed" {
		t.Fatalf("after first approval: %v (%s)", err, g.Status)
	}
	if gs.ApprovalCount != 1 || gs.FullyApproved {
		t.Fatalf("expected 1 of 2 approvals, got %+v", gs)
	}
	// repeated approval by the same side stays pending
	g, gs, err = env.Engine.ApproveGoal(env.Ctx, g.ID, "alice", true)
	if err != nil || g.Status != "proposed" || gs.ApprovalCount != 1 {
		t.Fatalf("idempotent approval: %v (%s, %+v)", err, g.Status, gs)
	}
	env.advance(time.Second)
	g, gs, err = env.Engine.ApproveGoal(env.Ctx, g.ID, "bob", true)
	if err != nil || g.Status != "active" {
		t.Fatalf("after both approvals: %v (%s)", err, g.Status)
	}
	if gs.Gate != domain.GateProposal || gs.ApprovalCount != 2 || !gs.FullyApproved {
		t.Fatalf("expected full proposal round, got %+v", gs)
	}
	// the active goal now sits at the execution gate with no decisions yet
	gs, err = env.Engine.GoalGateStatus(env.Ctx, g)
	if err != nil || gs.Gate != domain.GateExecution || gs.ApprovalCount != 0 {
		t.Fatalf("execution gate tally: %v (%+v)", err, gs)
	}
	// exactly one activation notice in the thread
	msgs, err := env.Engine.ListMessages(env.Ctx, conn.ID, a.ID, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	notices := 0
	for _, m := range msgs {
		if m.Type == domain.MessageSystem && strings.Contains(m.Content, "approved this goal") {
			notices++
		}
	}
	if notices != 1 {
		t.Fatalf("expected exactly one activation notice, got %d", notices)
	}
	// strangers cannot approve
	if _, _, err := env.Engine.ApproveGoal(env.Ctx, g.ID, "carol", true); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestGoalRejectionAbandons(t *testing.T) {
	env, a, _, conn := pairedEnv(t)
	env.advance(time.Second)
	g, err := env.Engine.CreateGoal(env.Ctx, conn.ID, a.ID, "Risky plan", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	g, _, err = env.Engine.ApproveGoal(env.Ctx, g.ID, "bob", false)
	if err != nil || g.Status != "abandoned" {
		t.Fatalf("rejection: %v (%s)", err, g.Status)
	}
	// terminal: further decisions fail
	if _, _, err := env.Engine.ApproveGoal(env.Ctx, g.ID, "alice", true); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if _, err := env.Engine.UpdateGoalProgress(env.Ctx, g.ID, a.ID, 50, nil); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state on progress, got %v", err)
	}
}

func TestGoalProgressAutoCompletes(t *testing.T) {
	env, a, _, conn := pairedEnv(t)
	env.advance(time.Second)
	g, err := env.Engine.CreateGoal(env.Ctx, conn.ID, a.ID, "Ship it", "", []domain.Milestone{{Title: "draft"}})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(time.Second)
	g, err = env.Engine.UpdateGoalProgress(env.Ctx, g.ID, a.ID, 40, nil)
	if err != nil || g.Progress != 40 || g.Status != "proposed" {
		t.Fatalf("partial progress: %v (%d, %s)", err, g.Progress, g.Status)
	}
	env.advance(time.Second)
	g, err = env.Engine.UpdateGoalProgress(env.Ctx, g.ID, a.ID, 150, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g.Progress != 100 || g.Status != "completed" {
		t.Fatalf("expected clamp to 100 and completion, got %d %s", g.Progress, g.Status)
	}
	// completed goals open the execution gate: both sign-offs leave the
	// status alone and drop a notice
	g, _, err = env.Engine.ApproveGoal(env.Ctx, g.ID, "alice", true)
	if err != nil || g.Status != "completed" {
		t.Fatalf("first sign-off: %v (%s)", err, g.Status)
	}
	env.advance(time.Second)
	g, gs, err := env.Engine.ApproveGoal(env.Ctx, g.ID, "bob", true)
	if err != nil || g.Status != "completed" {
		t.Fatalf("second sign-off: %v (%s)", err, g.Status)
	}
	if gs.Gate != domain.GateExecution || !gs.FullyApproved {
		t.Fatalf("expected full execution round, got %+v", gs)
	}
	msgs, _ := env.Engine.ListMessages(env.Ctx, conn.ID, a.ID, "", 0)
	found := false
	for _, m := range msgs {
		if m.Type == domain.MessageSystem && strings.Contains(m.Content, "signed off") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sign-off notice")
	}
}

func TestGoalSyncFromMessages(t *testing.T) {
	env, a, _, conn := pairedEnv(t)
	env.advance(time.Second)
	// a goal_create message with title metadata mirrors into a goal row
	_, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		ConnectionID:  conn.ID,
		SenderClaimID: a.ID,
		Type:          domain.MessageGoalCreate,
		Content:       "Proposing: sort the photo archive",
		Metadata:      map[string]any{"title": "Sort the photo archive"},
		AgentOrigin:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	goals, err := env.Engine.ListGoals(env.Ctx, conn.ID, a.ID)
	if err != nil || len(goals) != 1 {
		t.Fatalf("expected 1 goal, got %d (%v)", len(goals), err)
	}
	g := goals[0]
	if g.Title != "Sort the photo archive" || g.Status != "proposed" {
		t.Fatalf("unexpected goal: %+v", g)
	}
	// goal_update messages move progress; 100 completes
	env.advance(time.Second)
	_, err = env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		ConnectionID:  conn.ID,
		SenderClaimID: a.ID,
		Type:          domain.MessageGoalUpdate,
		Content:       "done",
		Metadata:      map[string]any{"goal_id": g.ID, "progress": 100},
		AgentOrigin:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetGoal(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 100 || got.Status != "completed" {
		t.Fatalf("expected completed at 100, got %d %s", got.Progress, got.Status)
	}
}

func TestSnapshotPresenceAndPollAdvice(t *testing.T) {
	env, a, b, conn := pairedEnv(t)
	cfg := env.Engine.Config

	// peer silent and stale: back off to the offline rate
	env.advance(10 * time.Minute)
	snap, err := env.Engine.BuildSnapshot(env.Ctx, a.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if snap.RecommendedPollMs != cfg.Presence.PollMs.Offline {
		t.Fatalf("expected offline rate, got %d", snap.RecommendedPollMs)
	}
	if len(snap.Connections) != 1 || snap.Connections[0].Peer.Online {
		t.Fatalf("peer should be offline")
	}

	// peer heartbeat without traffic: online rate
	if err := env.Engine.Beat(env.Ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	env.advance(time.Minute)
	snap, err = env.Engine.BuildSnapshot(env.Ctx, a.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Connections[0].Peer.Online {
		t.Fatalf("peer should be online")
	}
	if snap.RecommendedPollMs != cfg.Presence.PollMs.Online {
		t.Fatalf("expected online rate, got %d", snap.RecommendedPollMs)
	}

	// fresh peer message inside the window: active rate with unread count
	env.advance(time.Minute)
	if _, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		ConnectionID: conn.ID, SenderClaimID: b.ID, Content: "ping", AgentOrigin: true,
	}); err != nil {
		t.Fatal(err)
	}
	env.advance(time.Second)
	snap, err = env.Engine.BuildSnapshot(env.Ctx, a.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if snap.RecommendedPollMs != cfg.Presence.PollMs.Active {
		t.Fatalf("expected active rate, got %d", snap.RecommendedPollMs)
	}
	if snap.Connections[0].UnreadCount != 1 {
		t.Fatalf("expected 1 unread, got %d", snap.Connections[0].UnreadCount)
	}

	// the snapshot itself is a heartbeat
	self, err := env.Engine.Repo.GetClaim(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if self.LastActiveAt == "" {
		t.Fatalf("snapshot should record a heartbeat")
	}
}

func TestPresenceWindowBoundary(t *testing.T) {
	env, a, b, _ := pairedEnv(t)
	window := env.Engine.Config.PresenceWindow()

	env.advance(10 * time.Minute)
	if err := env.Engine.Beat(env.Ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	// one second inside the window: online
	env.advance(window - time.Second)
	snap, err := env.Engine.BuildSnapshot(env.Ctx, a.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Connections[0].Peer.Online {
		t.Fatalf("peer inside the window should be online")
	}

	// exactly window-old: offline, the comparison is strict
	env.advance(time.Second)
	snap, err = env.Engine.BuildSnapshot(env.Ctx, a.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Connections[0].Peer.Online {
		t.Fatalf("peer exactly window-old should be offline")
	}
	if snap.RecommendedPollMs != env.Engine.Config.Presence.PollMs.Offline {
		t.Fatalf("expected offline rate, got %d", snap.RecommendedPollMs)
	}
}

func TestBeatUnknownClaim(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Beat(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateClaimOwnership(t *testing.T) {
	env := newTestEnv(t)
	c := env.register(t, "alice", "Ada")
	name := "Ada v2"
	if _, err := env.Engine.UpdateClaim(env.Ctx, c.ID, "bob", repo.ClaimUpdate{Name: &name}); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	got, err := env.Engine.UpdateClaim(env.Ctx, c.ID, "alice", repo.ClaimUpdate{Name: &name})
	if err != nil || got.Name != "Ada v2" {
		t.Fatalf("update: %v (%s)", err, got.Name)
	}
}
