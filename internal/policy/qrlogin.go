// Copyright 2025 James Ross
package policy

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
)

const qrLoginTokenTTL = 2 * time.Minute

// QRLoginStore is the subset of metastore.Store QR-login redemption needs.
type QRLoginStore interface {
	CreateQRLoginToken(ctx context.Context, tok *metastore.QRLoginToken) error
	RedeemQRLoginToken(ctx context.Context, token, redeemedBy, sessionID string) error
	GetQRLoginToken(ctx context.Context, token string) (*metastore.QRLoginToken, error)
}

// QRLogin issues and redeems the short-lived single-use tokens a device
// displays as a QR code for an already-authenticated device to scan,
// mirroring the Invite single-use redeem pattern but scoped to an
// existing account rather than minting a new one.
type QRLogin struct {
	store QRLoginStore
}

func NewQRLogin(store QRLoginStore) *QRLogin {
	return &QRLogin{store: store}
}

// Issue mints a fresh token for the device that will render the QR code.
func (q *QRLogin) Issue(ctx context.Context) (*metastore.QRLoginToken, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return nil, errs.New("policy.QRLogin.Issue", errs.Internal, err)
	}
	tok := &metastore.QRLoginToken{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(qrLoginTokenTTL),
	}
	if err := q.store.CreateQRLoginToken(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// Redeem is called from the scanning device's already-authenticated
// session: it binds sessionID (minted by the caller for the issuing
// device to pick up) to the token, one time only.
func (q *QRLogin) Redeem(ctx context.Context, token, redeemedBy, sessionID string) error {
	return q.store.RedeemQRLoginToken(ctx, token, redeemedBy, sessionID)
}

// Poll is called by the issuing device to discover whether its
// displayed code has been scanned yet, and if so which session id it
// should now adopt.
func (q *QRLogin) Poll(ctx context.Context, token string) (sessionID string, redeemed bool, err error) {
	tok, err := q.store.GetQRLoginToken(ctx, token)
	if err != nil {
		return "", false, err
	}
	if time.Now().UTC().After(tok.ExpiresAt) {
		return "", false, errs.New("policy.QRLogin.Poll", errs.NotFound, errors.New("qr login token expired"))
	}
	if tok.RedeemedBy == "" {
		return "", false, nil
	}
	return tok.SessionID, true, nil
}
