package repo

import (
	"context"
	"database/sql"
	"errors"

	"pairline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const connectionColumns = `id, requester_claim_id, target_claim_id, status, requested_at, responded_at`

func scanConnection(scan func(dest ...any) error) (domain.Connection, error) {
	var c domain.Connection
	var responded sql.NullString
	err := scan(&c.ID, &c.RequesterClaimID, &c.TargetClaimID, &c.Status, &c.RequestedAt, &responded)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if responded.Valid {
		c.RespondedAt = &responded.String
	}
	return c, nil
}

func (r Repo) InsertConnection(ctx context.Context, tx *sql.Tx, c domain.Connection) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO connections(id,requester_claim_id,target_claim_id,status,requested_at,responded_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.RequesterClaimID, c.TargetClaimID, c.Status, c.RequestedAt, nullableStringPtr(c.RespondedAt))
	return err
}

func (r Repo) GetConnection(ctx context.Context, id string) (domain.Connection, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id=?`, id)
	return scanConnection(row.Scan)
}

// GetPairConnection returns the non-rejected connection linking the unordered
// pair, if any.
func (r Repo) GetPairConnection(ctx context.Context, claimA, claimB string) (domain.Connection, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections
WHERE status != 'rejected'
  AND ((requester_claim_id=? AND target_claim_id=?) OR (requester_claim_id=? AND target_claim_id=?))
LIMIT 1`, claimA, claimB, claimB, claimA)
	return scanConnection(row.Scan)
}

func (r Repo) listConnections(ctx context.Context, query string, args ...any) ([]domain.Connection, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Connection
	for rows.Next() {
		c, err := scanConnection(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListConnectionsForClaim returns every connection the claim participates in,
// newest request first. Filter by status with statuses; empty means all.
func (r Repo) ListConnectionsForClaim(ctx context.Context, claimID string, statuses ...string) ([]domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE (requester_claim_id=? OR target_claim_id=?)`
	args := []any{claimID, claimID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY requested_at DESC, id DESC`
	return r.listConnections(ctx, query, args...)
}

// ListConnectionsForUser aggregates connections across every claim the user
// owns, newest request first.
func (r Repo) ListConnectionsForUser(ctx context.Context, userID string) ([]domain.Connection, error) {
	return r.listConnections(ctx, `SELECT `+connectionColumns+` FROM connections
WHERE requester_claim_id IN (SELECT id FROM claims WHERE user_id=?)
   OR target_claim_id IN (SELECT id FROM claims WHERE user_id=?)
ORDER BY requested_at DESC, id DESC`, userID, userID)
}

func (r Repo) UpdateConnectionStatus(ctx context.Context, tx *sql.Tx, id, status, respondedAt string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE connections SET status=?, responded_at=? WHERE id=?`, status, respondedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const messageColumns = `seq, id, connection_id, sender_claim_id, content, type, metadata_json, visible_to, created_at`

func scanMessage(scan func(dest ...any) error) (domain.Message, error) {
	var m domain.Message
	var metadata, visibleTo sql.NullString
	err := scan(&m.Seq, &m.ID, &m.ConnectionID, &m.SenderClaimID, &m.Content, &m.Type, &metadata, &visibleTo, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if metadata.Valid {
		m.MetadataJSON = &metadata.String
	}
	if visibleTo.Valid {
		m.VisibleTo = &visibleTo.String
	}
	return m, nil
}

// InsertMessage persists a message and fills in its insertion sequence.
func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m *domain.Message) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `INSERT INTO messages(id,connection_id,sender_claim_id,content,type,metadata_json,visible_to,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.ConnectionID, m.SenderClaimID, m.Content, m.Type, nullableStringPtr(m.MetadataJSON), nullableStringPtr(m.VisibleTo), m.CreatedAt)
	if err != nil {
		return err
	}
	m.Seq, _ = res.LastInsertId()
	return nil
}

// ListMessages returns messages strictly after since (empty = from the
// start), ascending by (created_at, seq), whisper-filtered for callerClaimID.
// The filter runs in SQL so the limit counts only visible rows.
func (r Repo) ListMessages(ctx context.Context, connectionID, callerClaimID, since string, limit int) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
WHERE connection_id=? AND (type != 'whisper' OR visible_to=?)`
	args := []any{connectionID, callerClaimID}
	if since != "" {
		query += ` AND created_at > ?`
		args = append(args, since)
	}
	query += ` ORDER BY created_at ASC, seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id)
	return scanMessage(row.Scan)
}

// ListEvents returns events after cursor id, oldest first.
func (r Repo) ListEvents(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT id, ts, type, entity_kind, COALESCE(entity_id,''), actor_id, payload_json FROM events WHERE id > ? ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
