// Copyright 2025 James Ross
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, login, role, created_at, totp_enabled, totp_secret)
			VALUES (?, ?, ?, ?, ?, ?)`,
			u.ID, u.Login, u.Role, iso(u.CreatedAt), boolInt(u.TOTPEnabled), u.TOTPSecret)
		if err != nil {
			return errs.New("metastore.CreateUser", errs.Internal, err)
		}
		return nil
	})
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, login, role, created_at, totp_enabled, totp_secret FROM users WHERE id = ?`, id))
}

func (s *Store) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, login, role, created_at, totp_enabled, totp_secret FROM users WHERE login = ?`, login))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt string
	var totpEnabled int
	err := row.Scan(&u.ID, &u.Login, &u.Role, &createdAt, &totpEnabled, &u.TOTPSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New("metastore.GetUser", errs.NotFound, err)
	}
	if err != nil {
		return nil, errs.New("metastore.GetUser", errs.Internal, err)
	}
	u.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, errs.New("metastore.GetUser", errs.Internal, err)
	}
	u.TOTPEnabled = totpEnabled != 0
	return &u, nil
}

func (s *Store) SetUserTOTP(ctx context.Context, userID, secret string, enabled bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET totp_secret = ?, totp_enabled = ? WHERE id = ?`,
			secret, boolInt(enabled), userID)
		if err != nil {
			return errs.New("metastore.SetUserTOTP", errs.Internal, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.New("metastore.SetUserTOTP", errs.NotFound, sql.ErrNoRows)
		}
		return nil
	})
}

// CreateInvite stores a fresh one-shot invite token.
func (s *Store) CreateInvite(ctx context.Context, inv *Invite) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO invites (token, created_by, role, created_at, expires_at, redeemed_by, redeemed_at)
			VALUES (?, ?, ?, ?, ?, '', NULL)`,
			inv.Token, inv.CreatedBy, inv.Role, iso(inv.CreatedAt), iso(inv.ExpiresAt))
		if err != nil {
			return errs.New("metastore.CreateInvite", errs.Internal, err)
		}
		return nil
	})
}

// RedeemInvite atomically marks the invite redeemed and creates the
// user in one transaction, so a token can never be consumed twice: the
// UPDATE is conditioned on redeemed_by = '' and expires_at > now, and a
// zero rows-affected result fails the whole operation.
func (s *Store) RedeemInvite(ctx context.Context, token string, newUser *User) (*User, error) {
	var result *User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := iso(time.Now().UTC())
		res, err := tx.ExecContext(ctx, `
			UPDATE invites SET redeemed_by = ?, redeemed_at = ?
			WHERE token = ? AND redeemed_by = '' AND expires_at > ?`,
			newUser.ID, now, token, now)
		if err != nil {
			return errs.New("metastore.RedeemInvite", errs.Internal, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errs.New("metastore.RedeemInvite", errs.Internal, err)
		}
		if n == 0 {
			return errs.New("metastore.RedeemInvite", errs.Conflict, errors.New("invite already redeemed, expired, or unknown"))
		}

		if newUser.CreatedAt.IsZero() {
			newUser.CreatedAt = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (id, login, role, created_at, totp_enabled, totp_secret)
			VALUES (?, ?, ?, ?, 0, '')`,
			newUser.ID, newUser.Login, newUser.Role, iso(newUser.CreatedAt))
		if err != nil {
			return errs.New("metastore.RedeemInvite", errs.Internal, err)
		}
		result = newUser
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetUserRole changes a user's role, for admin user management.
func (s *Store) SetUserRole(ctx context.Context, userID string, role Role) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET role = ? WHERE id = ?`, role, userID)
		if err != nil {
			return errs.New("metastore.SetUserRole", errs.Internal, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errs.New("metastore.SetUserRole", errs.Internal, err)
		}
		if n == 0 {
			return errs.New("metastore.SetUserRole", errs.NotFound, errors.New("user not found"))
		}
		return nil
	})
}

func (s *Store) GetInvite(ctx context.Context, token string) (*Invite, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, created_by, role, created_at, expires_at, redeemed_by, redeemed_at
		FROM invites WHERE token = ?`, token)
	var inv Invite
	var createdAt, expiresAt string
	var redeemedAt sql.NullString
	err := row.Scan(&inv.Token, &inv.CreatedBy, &inv.Role, &createdAt, &expiresAt, &inv.RedeemedBy, &redeemedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New("metastore.GetInvite", errs.NotFound, err)
	}
	if err != nil {
		return nil, errs.New("metastore.GetInvite", errs.Internal, err)
	}
	if inv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, errs.New("metastore.GetInvite", errs.Internal, err)
	}
	if inv.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, errs.New("metastore.GetInvite", errs.Internal, err)
	}
	if redeemedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, redeemedAt.String)
		if err != nil {
			return nil, errs.New("metastore.GetInvite", errs.Internal, err)
		}
		inv.RedeemedAt = &t
	}
	return &inv, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, device_id, created_ip_hash, created_at, revoked_at)
			VALUES (?, ?, ?, ?, ?, NULL)`,
			sess.ID, sess.UserID, sess.DeviceID, sess.CreatedIPHash, iso(sess.CreatedAt))
		if err != nil {
			return errs.New("metastore.CreateSession", errs.Internal, err)
		}
		return nil
	})
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, device_id, created_ip_hash, created_at, revoked_at FROM sessions WHERE id = ?`, id)
	var sess Session
	var createdAt string
	var revokedAt sql.NullString
	err := row.Scan(&sess.ID, &sess.UserID, &sess.DeviceID, &sess.CreatedIPHash, &createdAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New("metastore.GetSession", errs.NotFound, err)
	}
	if err != nil {
		return nil, errs.New("metastore.GetSession", errs.Internal, err)
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, errs.New("metastore.GetSession", errs.Internal, err)
	}
	if revokedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, revokedAt.String)
		if err != nil {
			return nil, errs.New("metastore.GetSession", errs.Internal, err)
		}
		sess.RevokedAt = &t
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, device_id, created_ip_hash, created_at, revoked_at
		FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, errs.New("metastore.ListSessions", errs.Internal, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var createdAt string
		var revokedAt sql.NullString
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.DeviceID, &sess.CreatedIPHash, &createdAt, &revokedAt); err != nil {
			return nil, errs.New("metastore.ListSessions", errs.Internal, err)
		}
		if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, errs.New("metastore.ListSessions", errs.Internal, err)
		}
		if revokedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, revokedAt.String)
			if err != nil {
				return nil, errs.New("metastore.ListSessions", errs.Internal, err)
			}
			sess.RevokedAt = &t
		}
		out = append(out, &sess)
	}
	return out, nil
}

func (s *Store) RevokeSession(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
			iso(time.Now().UTC()), id)
		if err != nil {
			return errs.New("metastore.RevokeSession", errs.Internal, err)
		}
		return nil
	})
}

func (s *Store) CreateApiKey(ctx context.Context, k *ApiKey) error {
	scopes, err := json.Marshal(k.Scopes)
	if err != nil {
		return errs.New("metastore.CreateApiKey", errs.Internal, err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO api_keys (id, prefix, secret_hash, owner_id, scopes, expires_at, revoked_at)
			VALUES (?, ?, ?, ?, ?, ?, NULL)`,
			k.ID, k.Prefix, k.SecretHash, k.OwnerID, string(scopes), nullTime(k.ExpiresAt))
		if err != nil {
			return errs.New("metastore.CreateApiKey", errs.Internal, err)
		}
		return nil
	})
}

func (s *Store) GetApiKeyByPrefix(ctx context.Context, prefix string) (*ApiKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, prefix, secret_hash, owner_id, scopes, expires_at, revoked_at
		FROM api_keys WHERE prefix = ?`, prefix)
	var k ApiKey
	var scopes string
	var expiresAt, revokedAt sql.NullString
	err := row.Scan(&k.ID, &k.Prefix, &k.SecretHash, &k.OwnerID, &scopes, &expiresAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New("metastore.GetApiKeyByPrefix", errs.NotFound, err)
	}
	if err != nil {
		return nil, errs.New("metastore.GetApiKeyByPrefix", errs.Internal, err)
	}
	if err := json.Unmarshal([]byte(scopes), &k.Scopes); err != nil {
		return nil, errs.New("metastore.GetApiKeyByPrefix", errs.Internal, err)
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return nil, errs.New("metastore.GetApiKeyByPrefix", errs.Internal, err)
		}
		k.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, revokedAt.String)
		if err != nil {
			return nil, errs.New("metastore.GetApiKeyByPrefix", errs.Internal, err)
		}
		k.RevokedAt = &t
	}
	return &k, nil
}
