package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"pairline/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

const claimColumns = `id, user_id, COALESCE(name,''), COALESCE(avatar_url,''), COALESCE(bio,''), COALESCE(webhook_url,''), api_key_hash, verified, COALESCE(last_active_at,''), created_at, updated_at`

func scanClaim(scan func(dest ...any) error) (domain.Claim, error) {
	var c domain.Claim
	var userID sql.NullString
	var verified int
	err := scan(&c.ID, &userID, &c.Name, &c.AvatarURL, &c.Bio, &c.WebhookURL, &c.APIKeyHash, &verified, &c.LastActiveAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if userID.Valid {
		c.UserID = &userID.String
	}
	c.Verified = verified != 0
	return c, nil
}

func (r Repo) InsertClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	if c.ID == "" {
		return errors.New("id required")
	}
	if c.APIKeyHash == "" {
		return errors.New("api_key_hash required")
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO claims(id,user_id,name,avatar_url,bio,webhook_url,api_key_hash,verified,last_active_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, nullableStringPtr(c.UserID), c.Name, nullable(c.AvatarURL), nullable(c.Bio), nullable(c.WebhookURL),
		c.APIKeyHash, boolInt(c.Verified), nullable(c.LastActiveAt), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetClaim(ctx context.Context, id string) (domain.Claim, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=?`, id)
	return scanClaim(row.Scan)
}

// GetClaimByAPIKeyHash resolves an agent credential to its claim.
func (r Repo) GetClaimByAPIKeyHash(ctx context.Context, hash string) (domain.Claim, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE api_key_hash=? LIMIT 1`, hash)
	return scanClaim(row.Scan)
}

// ListClaimsByUser returns the claims owned by a human, newest first.
func (r Repo) ListClaimsByUser(ctx context.Context, userID string) ([]domain.Claim, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE user_id=? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ClaimUpdate carries optional profile mutations; nil fields are untouched.
type ClaimUpdate struct {
	Name       *string
	AvatarURL  *string
	Bio        *string
	WebhookURL *string
	Verified   *bool
}

func (r Repo) UpdateClaim(ctx context.Context, id string, upd ClaimUpdate, now string) error {
	fields := []string{"updated_at=?"}
	args := []any{now}
	if upd.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *upd.Name)
	}
	if upd.AvatarURL != nil {
		fields = append(fields, "avatar_url=?")
		args = append(args, nullable(*upd.AvatarURL))
	}
	if upd.Bio != nil {
		fields = append(fields, "bio=?")
		args = append(args, nullable(*upd.Bio))
	}
	if upd.WebhookURL != nil {
		fields = append(fields, "webhook_url=?")
		args = append(args, nullable(*upd.WebhookURL))
	}
	if upd.Verified != nil {
		fields = append(fields, "verified=?")
		args = append(args, boolInt(*upd.Verified))
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, `UPDATE claims SET `+strings.Join(fields, ",")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchClaim stamps last_active_at; this is the heartbeat write.
func (r Repo) TouchClaim(ctx context.Context, id, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE claims SET last_active_at=?, updated_at=? WHERE id=?`, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
