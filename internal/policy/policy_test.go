// Copyright 2025 James Ross
package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/config"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
)

const testSessionSecret = "test-session-secret"

func newTestStore(t *testing.T) *metastore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := metastore.Open(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestResolveSessionCookie(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := &metastore.User{ID: "user-1", Login: "alice", Role: metastore.RoleEditor}
	require.NoError(t, store.CreateUser(ctx, user))
	sess := &metastore.Session{ID: "sess-1", UserID: user.ID}
	require.NoError(t, store.CreateSession(ctx, sess))

	resolver := NewResolver(store, testSessionSecret, "")
	token := SignValue(sess.ID, []byte(testSessionSecret))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "dubcast_session", Value: token})

	ident, err := resolver.Resolve(r)
	require.NoError(t, err)
	require.NotNil(t, ident)
	assert.Equal(t, user.ID, ident.UserID)
	assert.Equal(t, metastore.RoleEditor, ident.Role)
	assert.Equal(t, AuthSession, ident.Method)
}

func TestResolveSessionCookieRejectsTamperedSignature(t *testing.T) {
	store := newTestStore(t)
	resolver := NewResolver(store, testSessionSecret, "")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "dubcast_session", Value: "sess-1.not-a-real-signature"})

	ident, err := resolver.Resolve(r)
	assert.Error(t, err)
	assert.Nil(t, ident)
}

func TestResolveSessionCookieRejectsRevokedSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := &metastore.User{ID: "user-1", Login: "alice", Role: metastore.RoleViewer}
	require.NoError(t, store.CreateUser(ctx, user))
	sess := &metastore.Session{ID: "sess-1", UserID: user.ID}
	require.NoError(t, store.CreateSession(ctx, sess))
	require.NoError(t, store.RevokeSession(ctx, sess.ID))

	resolver := NewResolver(store, testSessionSecret, "")
	token := SignValue(sess.ID, []byte(testSessionSecret))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "dubcast_session", Value: token})

	_, err := resolver.Resolve(r)
	assert.Error(t, err)
}

func TestResolveBearerToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := &metastore.User{ID: "user-2", Login: "bob", Role: metastore.RoleOperator}
	require.NoError(t, store.CreateUser(ctx, user))
	sess := &metastore.Session{ID: "sess-2", UserID: user.ID}
	require.NoError(t, store.CreateSession(ctx, sess))

	resolver := NewResolver(store, testSessionSecret, "")
	token := SignValue(sess.ID, []byte(testSessionSecret))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	ident, err := resolver.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, AuthBearer, ident.Method)
	assert.Equal(t, user.ID, ident.UserID)
}

func TestResolveAPIKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := &metastore.User{ID: "user-3", Login: "carol", Role: metastore.RoleAdmin}
	require.NoError(t, store.CreateUser(ctx, user))

	secret, err := NewAPIKeySecret()
	require.NoError(t, err)
	hash, err := HashAPIKeySecret(secret)
	require.NoError(t, err)
	key := &metastore.ApiKey{ID: "key-1", Prefix: "pfx123", SecretHash: hash, OwnerID: user.ID, Scopes: []string{"admin:*"}}
	require.NoError(t, store.CreateApiKey(ctx, key))

	resolver := NewResolver(store, testSessionSecret, "")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Api-Key", key.Prefix+"."+secret)

	ident, err := resolver.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, AuthAPIKey, ident.Method)
	assert.Equal(t, user.ID, ident.UserID)
	assert.Equal(t, []string{"admin:*"}, ident.Scopes)
}

func TestResolveAPIKeyRejectsWrongSecret(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := &metastore.User{ID: "user-3", Login: "carol", Role: metastore.RoleAdmin}
	require.NoError(t, store.CreateUser(ctx, user))

	secret, err := NewAPIKeySecret()
	require.NoError(t, err)
	hash, err := HashAPIKeySecret(secret)
	require.NoError(t, err)
	key := &metastore.ApiKey{ID: "key-1", Prefix: "pfx123", SecretHash: hash, OwnerID: user.ID}
	require.NoError(t, store.CreateApiKey(ctx, key))

	resolver := NewResolver(store, testSessionSecret, "")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Api-Key", key.Prefix+".wrong-secret")

	_, err = resolver.Resolve(r)
	assert.Error(t, err)
}

func TestResolveNoCredentialReturnsNilIdentity(t *testing.T) {
	store := newTestStore(t)
	resolver := NewResolver(store, testSessionSecret, "")
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	ident, err := resolver.Resolve(r)
	assert.NoError(t, err)
	assert.Nil(t, ident)
}

func TestAllowRBAC(t *testing.T) {
	assert.True(t, Allow(metastore.RoleViewer, nil, CapReadJob))
	assert.False(t, Allow(metastore.RoleViewer, nil, CapSubmitJob))
	assert.True(t, Allow(metastore.RoleOperator, nil, CapSubmitJob))
	assert.False(t, Allow(metastore.RoleOperator, nil, CapEditJob))
	assert.True(t, Allow(metastore.RoleEditor, nil, CapEditJob))
	assert.True(t, Allow(metastore.RoleAdmin, nil, CapEditJob))
	assert.True(t, Allow(metastore.RoleAdmin, nil, Capability("anything:goes")))
}

func TestAllowResourceScopedCapability(t *testing.T) {
	readCap := JobCapability("job-1", false)
	writeCap := JobCapability("job-1", true)

	assert.True(t, Allow(metastore.RoleViewer, nil, readCap))
	assert.False(t, Allow(metastore.RoleViewer, nil, writeCap))
	assert.True(t, Allow(metastore.RoleEditor, nil, writeCap))

	assert.True(t, Allow(metastore.RoleViewer, []string{string(readCap)}, readCap))
}

func TestCSRFDoubleSubmit(t *testing.T) {
	csrf := NewCSRF("csrf-secret")
	token, err := csrf.IssueToken()
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.AddCookie(&http.Cookie{Name: csrfCookieName, Value: token})
	r.Header.Set(csrfHeaderName, token)
	assert.NoError(t, csrf.Verify(r))
}

func TestCSRFRejectsMismatchedHeader(t *testing.T) {
	csrf := NewCSRF("csrf-secret")
	token, err := csrf.IssueToken()
	require.NoError(t, err)
	other, err := csrf.IssueToken()
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.AddCookie(&http.Cookie{Name: csrfCookieName, Value: token})
	r.Header.Set(csrfHeaderName, other)
	assert.Error(t, csrf.Verify(r))
}

func TestCSRFExemptsSafeMethods(t *testing.T) {
	csrf := NewCSRF("csrf-secret")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.NoError(t, csrf.Verify(r))
}

type fakeQuotaStore struct {
	quota *metastore.Quota
}

func (f *fakeQuotaStore) GetQuota(ctx context.Context, userID string) (*metastore.Quota, error) {
	return f.quota, nil
}

func TestCheckJobSubmitEnforcesDailyCap(t *testing.T) {
	store := &fakeQuotaStore{quota: &metastore.Quota{JobsSubmittedToday: 5}}
	q := NewQuotas(store, config.Uploads{}, config.Quotas{JobsPerDayPerUser: 5}, "", 0, zap.NewNop())

	err := q.CheckJobSubmit(context.Background(), "user-1")
	assert.Error(t, err)
}

func TestCheckJobSubmitPassesUnderCap(t *testing.T) {
	store := &fakeQuotaStore{quota: &metastore.Quota{JobsSubmittedToday: 1}}
	q := NewQuotas(store, config.Uploads{}, config.Quotas{JobsPerDayPerUser: 5, MaxConcurrentPerUser: 3, DailyProcessingMinutes: 100}, "", 0, zap.NewNop())

	assert.NoError(t, q.CheckJobSubmit(context.Background(), "user-1"))
}

func TestCheckUploadInitEnforcesMaxBytes(t *testing.T) {
	store := &fakeQuotaStore{quota: &metastore.Quota{}}
	q := NewQuotas(store, config.Uploads{MaxUploadMB: 1, MaxInflightPerUser: 3, MaxStorageMBPerUser: 100}, config.Quotas{}, "", 0, zap.NewNop())

	err := q.CheckUploadInit(context.Background(), "user-1", 2<<20, 0)
	assert.Error(t, err)
}

func TestRateLimiterAllowsWithinBurstThenDenies(t *testing.T) {
	limiter := NewLimiter(map[EndpointClass]ClassLimits{ClassAuth: {RatePerSecond: 1, Burst: 2}}, nil)
	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	r.RemoteAddr = "203.0.113.5:1234"

	assert.NoError(t, limiter.Allow(r, nil, ClassAuth))
	assert.NoError(t, limiter.Allow(r, nil, ClassAuth))
	assert.Error(t, limiter.Allow(r, nil, ClassAuth))
}

func TestRateLimiterScopesByIdentity(t *testing.T) {
	limiter := NewLimiter(map[EndpointClass]ClassLimits{ClassAuth: {RatePerSecond: 1, Burst: 1}}, nil)
	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	r.RemoteAddr = "203.0.113.5:1234"

	a := &Identity{UserID: "user-a"}
	b := &Identity{UserID: "user-b"}
	assert.NoError(t, limiter.Allow(r, a, ClassAuth))
	assert.NoError(t, limiter.Allow(r, b, ClassAuth))
	assert.Error(t, limiter.Allow(r, a, ClassAuth))
}

func TestRemoteAccessGateTailscaleAllowsCGNAT(t *testing.T) {
	gate, err := NewRemoteAccessGate("tailscale", nil, "", "")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "100.64.1.5:5555"
	assert.NoError(t, gate.Check(r))
}

func TestRemoteAccessGateTailscaleRejectsPublicIP(t *testing.T) {
	gate, err := NewRemoteAccessGate("tailscale", nil, "", "")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:5555"
	assert.Error(t, gate.Check(r))
}

func TestRemoteAccessGateOffAllowsEverything(t *testing.T) {
	gate, err := NewRemoteAccessGate("off", nil, "", "")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:5555"
	assert.NoError(t, gate.Check(r))
}

func TestTOTPRoundTrip(t *testing.T) {
	secret, err := NewTOTPSecret()
	require.NoError(t, err)

	code := hotp(mustDecodeBase32(t, secret), uint64(time.Now().Unix()/30))
	assert.NoError(t, VerifyTOTP(secret, code))
}

func TestTOTPRejectsWrongCode(t *testing.T) {
	secret, err := NewTOTPSecret()
	require.NoError(t, err)
	assert.Error(t, VerifyTOTP(secret, "000000"))
}

func mustDecodeBase32(t *testing.T, secret string) []byte {
	t.Helper()
	key, err := totpDecode(secret)
	require.NoError(t, err)
	return key
}

func TestQRLoginIssueAndRedeem(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ql := NewQRLogin(store)

	tok, err := ql.Issue(ctx)
	require.NoError(t, err)

	_, redeemed, err := ql.Poll(ctx, tok.Token)
	require.NoError(t, err)
	assert.False(t, redeemed)

	require.NoError(t, ql.Redeem(ctx, tok.Token, "user-1", "sess-xyz"))

	sessID, redeemed, err := ql.Poll(ctx, tok.Token)
	require.NoError(t, err)
	assert.True(t, redeemed)
	assert.Equal(t, "sess-xyz", sessID)
}

func TestQRLoginRedeemIsSingleUse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ql := NewQRLogin(store)

	tok, err := ql.Issue(ctx)
	require.NoError(t, err)
	require.NoError(t, ql.Redeem(ctx, tok.Token, "user-1", "sess-1"))

	err = ql.Redeem(ctx, tok.Token, "user-2", "sess-2")
	assert.Error(t, err)
}
