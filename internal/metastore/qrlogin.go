// Copyright 2025 James Ross
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

// CreateQRLoginToken stores a fresh, unredeemed QR-login token.
func (s *Store) CreateQRLoginToken(ctx context.Context, tok *QRLoginToken) error {
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO qr_logins (token, created_at, expires_at, redeemed_by, redeemed_at, session_id)
			VALUES (?, ?, ?, '', NULL, '')`,
			tok.Token, iso(tok.CreatedAt), iso(tok.ExpiresAt))
		if err != nil {
			return errs.New("metastore.CreateQRLoginToken", errs.Internal, err)
		}
		return nil
	})
}

// RedeemQRLoginToken atomically marks the token redeemed and binds the
// session id an already-authenticated device minted for the scanning
// device to pick up, the same single-use guarantee RedeemInvite gives
// invite tokens.
func (s *Store) RedeemQRLoginToken(ctx context.Context, token, redeemedBy, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := iso(time.Now().UTC())
		res, err := tx.ExecContext(ctx, `
			UPDATE qr_logins SET redeemed_by = ?, redeemed_at = ?, session_id = ?
			WHERE token = ? AND redeemed_by = '' AND expires_at > ?`,
			redeemedBy, now, sessionID, token, now)
		if err != nil {
			return errs.New("metastore.RedeemQRLoginToken", errs.Internal, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errs.New("metastore.RedeemQRLoginToken", errs.Internal, err)
		}
		if n == 0 {
			return errs.New("metastore.RedeemQRLoginToken", errs.Conflict, errors.New("qr login token already redeemed, expired, or unknown"))
		}
		return nil
	})
}

// GetQRLoginToken is polled by the device that displayed the code,
// waiting for session_id to show up once another device redeems it.
func (s *Store) GetQRLoginToken(ctx context.Context, token string) (*QRLoginToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, created_at, expires_at, redeemed_by, redeemed_at, session_id
		FROM qr_logins WHERE token = ?`, token)
	var tok QRLoginToken
	var createdAt, expiresAt string
	var redeemedAt sql.NullString
	err := row.Scan(&tok.Token, &createdAt, &expiresAt, &tok.RedeemedBy, &redeemedAt, &tok.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New("metastore.GetQRLoginToken", errs.NotFound, err)
	}
	if err != nil {
		return nil, errs.New("metastore.GetQRLoginToken", errs.Internal, err)
	}
	if tok.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, errs.New("metastore.GetQRLoginToken", errs.Internal, err)
	}
	if tok.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, errs.New("metastore.GetQRLoginToken", errs.Internal, err)
	}
	if redeemedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, redeemedAt.String)
		if err != nil {
			return nil, errs.New("metastore.GetQRLoginToken", errs.Internal, err)
		}
		tok.RedeemedAt = &t
	}
	return &tok, nil
}
