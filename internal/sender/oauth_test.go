package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citewatch/internal/external"
	"citewatch/internal/types"
)

type fakeTokenAPI struct {
	mu sync.Mutex

	appKey string

	exchangeToken external.KakaoToken
	exchangeErr   error
	exchangeCodes []string

	refreshToken external.KakaoToken
	refreshErr   error
	refreshCalls []string

	memoErr    error
	memoTokens []string
	memos      []external.Memo
}

func (f *fakeTokenAPI) AppKey() string { return f.appKey }

func (f *fakeTokenAPI) AuthCodeURL(state string) string {
	return "https://auth.example.com/authorize?state=" + state
}

func (f *fakeTokenAPI) ExchangeCode(_ context.Context, code string) (external.KakaoToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCodes = append(f.exchangeCodes, code)
	return f.exchangeToken, f.exchangeErr
}

func (f *fakeTokenAPI) RefreshAccessToken(_ context.Context, rt string) (external.KakaoToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls = append(f.refreshCalls, rt)
	return f.refreshToken, f.refreshErr
}

func (f *fakeTokenAPI) SendMemo(_ context.Context, token string, memo external.Memo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memoTokens = append(f.memoTokens, token)
	f.memos = append(f.memos, memo)
	return f.memoErr
}

type fakeAuthorizer struct {
	code  string
	err   error
	calls int
}

func (f *fakeAuthorizer) Authorize(_ context.Context, authURL, state string) (string, error) {
	f.calls++
	return f.code, f.err
}

type recordingMetrics struct {
	mu      sync.Mutex
	results []bool
}

func (m *recordingMetrics) RecordDelivery(_ context.Context, _ string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, success)
}

var testNow = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func newTestOAuthSender(api *fakeTokenAPI, auth Authorizer) (*OAuthSender, *testclock.Clock, *recordingMetrics) {
	clk := testclock.NewClock(testNow)
	m := &recordingMetrics{}
	s := NewOAuthSender(OAuthConfig{
		API:        api,
		Authorizer: auth,
		Clock:      clk,
		Metrics:    m,
	})
	return s, clk, m
}

func fullToken() external.KakaoToken {
	return external.KakaoToken{
		AccessToken:           "access-new",
		AccessTokenExpiresIn:  6 * time.Hour,
		RefreshToken:          "refresh-new",
		RefreshTokenExpiresIn: 60 * 24 * time.Hour,
	}
}

func TestOAuthSender_AccessValidIsNoop(t *testing.T) {
	api := &fakeTokenAPI{appKey: "app"}
	auth := &fakeAuthorizer{code: "code"}
	s, _, _ := newTestOAuthSender(api, auth)
	s.ImportState(&types.CredentialLifecycle{
		AppKey:                "app",
		AccessToken:           "access-old",
		AccessTokenExpiresAt:  testNow.Add(time.Minute),
		RefreshToken:          "refresh-old",
		RefreshTokenExpiresAt: testNow.Add(time.Hour),
	})

	require.NoError(t, s.EnsureAccessToken(context.Background()))
	assert.Empty(t, api.refreshCalls)
	assert.Zero(t, auth.calls)
}

func TestOAuthSender_ExpiredAccessRefreshes(t *testing.T) {
	api := &fakeTokenAPI{
		appKey:       "app",
		refreshToken: external.KakaoToken{AccessToken: "access-2", AccessTokenExpiresIn: 6 * time.Hour},
	}
	auth := &fakeAuthorizer{code: "code"}
	s, _, _ := newTestOAuthSender(api, auth)
	s.ImportState(&types.CredentialLifecycle{
		AppKey:                "app",
		AccessToken:           "access-1",
		AccessTokenExpiresAt:  testNow.Add(-time.Second),
		RefreshToken:          "refresh-1",
		RefreshTokenExpiresAt: testNow.Add(3600 * time.Second),
	})

	require.NoError(t, s.EnsureAccessToken(context.Background()))

	assert.Equal(t, []string{"refresh-1"}, api.refreshCalls)
	assert.Zero(t, auth.calls, "a valid refresh token must not trigger the full flow")
	assert.Empty(t, api.exchangeCodes)

	st := s.ExportState()
	assert.Equal(t, "access-2", st.AccessToken)
	assert.Equal(t, testNow.Add(6*time.Hour-DefaultSafetyMargin), st.AccessTokenExpiresAt)
	assert.Equal(t, "refresh-1", st.RefreshToken, "refresh token kept when not reissued")
	assert.Equal(t, testNow.Add(3600*time.Second), st.RefreshTokenExpiresAt)
}

func TestOAuthSender_BothExpiredRunsFullAuthorization(t *testing.T) {
	api := &fakeTokenAPI{appKey: "app", exchangeToken: fullToken()}
	auth := &fakeAuthorizer{code: "fresh-code"}
	s, _, _ := newTestOAuthSender(api, auth)
	s.ImportState(&types.CredentialLifecycle{
		AppKey:                "app",
		AccessToken:           "access-1",
		AccessTokenExpiresAt:  testNow.Add(-time.Hour),
		RefreshToken:          "refresh-1",
		RefreshTokenExpiresAt: testNow.Add(-time.Second),
	})

	require.NoError(t, s.EnsureAccessToken(context.Background()))

	assert.Equal(t, 1, auth.calls)
	assert.Empty(t, api.refreshCalls)
	assert.Equal(t, []string{"fresh-code"}, api.exchangeCodes)

	st := s.ExportState()
	assert.Equal(t, "fresh-code", st.AuthorizationCode)
	assert.Equal(t, "refresh-new", st.RefreshToken)
	assert.Equal(t, testNow.Add(60*24*time.Hour-DefaultSafetyMargin), st.RefreshTokenExpiresAt)
	assert.Equal(t, "access-new", st.AccessToken)
}

func TestOAuthSender_RefreshRejectedFallsBackToAuthorization(t *testing.T) {
	api := &fakeTokenAPI{
		appKey:        "app",
		refreshErr:    types.NewAppError(types.ErrCodeUpstreamAuthFlow, "invalid_grant", external.ErrRefreshRejected),
		exchangeToken: fullToken(),
	}
	auth := &fakeAuthorizer{code: "code"}
	s, _, _ := newTestOAuthSender(api, auth)
	s.ImportState(&types.CredentialLifecycle{
		AppKey:                "app",
		RefreshToken:          "revoked",
		RefreshTokenExpiresAt: testNow.Add(time.Hour),
	})

	require.NoError(t, s.EnsureAccessToken(context.Background()))
	assert.Len(t, api.refreshCalls, 1)
	assert.Equal(t, 1, auth.calls)
	assert.Equal(t, "refresh-new", s.ExportState().RefreshToken)
}

func TestOAuthSender_TransientRefreshFailureKeepsCredentials(t *testing.T) {
	for _, code := range []types.ErrorCode{types.ErrCodeUpstreamUnavailable, types.ErrCodeUpstreamRateLimited} {
		t.Run(string(code), func(t *testing.T) {
			api := &fakeTokenAPI{
				appKey:        "app",
				refreshErr:    types.NewAppError(code, "token endpoint failed", nil),
				exchangeToken: fullToken(),
			}
			auth := &fakeAuthorizer{code: "code"}
			s, _, _ := newTestOAuthSender(api, auth)
			s.ImportState(&types.CredentialLifecycle{
				AppKey:                "app",
				AccessToken:           "access-old",
				AccessTokenExpiresAt:  testNow.Add(-time.Second),
				RefreshToken:          "refresh-good",
				RefreshTokenExpiresAt: testNow.Add(time.Hour),
			})

			err := s.EnsureAccessToken(context.Background())
			require.Error(t, err)
			assert.True(t, types.HasCode(err, code))
			assert.Zero(t, auth.calls, "a transient failure must not start authorization")
			assert.Empty(t, api.exchangeCodes)

			st := s.ExportState()
			assert.Equal(t, "refresh-good", st.RefreshToken)
			assert.Equal(t, testNow.Add(time.Hour), st.RefreshTokenExpiresAt)

			// The next attempt retries the same refresh token.
			api.refreshErr = nil
			api.refreshToken = external.KakaoToken{AccessToken: "access-2", AccessTokenExpiresIn: time.Hour}
			require.NoError(t, s.EnsureAccessToken(context.Background()))
			assert.Equal(t, []string{"refresh-good", "refresh-good"}, api.refreshCalls)
			assert.Equal(t, "access-2", s.ExportState().AccessToken)
		})
	}
}

func TestOAuthSender_ImportStateKeyMismatchDiscards(t *testing.T) {
	api := &fakeTokenAPI{appKey: "new-key"}
	s, _, _ := newTestOAuthSender(api, &fakeAuthorizer{})

	s.ImportState(&types.CredentialLifecycle{
		AppKey:                "old-key",
		AuthorizationCode:     "c",
		RefreshToken:          "r",
		RefreshTokenExpiresAt: testNow.Add(time.Hour),
		AccessToken:           "a",
		AccessTokenExpiresAt:  testNow.Add(time.Hour),
	})

	assert.Equal(t, types.CredentialLifecycle{AppKey: "new-key"}, *s.ExportState())
	assert.False(t, s.IsConnected(context.Background()))
}

func TestOAuthSender_ImportNilKeepsState(t *testing.T) {
	api := &fakeTokenAPI{appKey: "k"}
	s, _, _ := newTestOAuthSender(api, nil)
	s.ImportState(nil)
	assert.Equal(t, types.CredentialLifecycle{AppKey: "k"}, *s.ExportState())
}

func TestOAuthSender_SendDroppedWhenAuthorizationFails(t *testing.T) {
	api := &fakeTokenAPI{appKey: "app"}
	auth := &fakeAuthorizer{err: errors.New("login form not found")}
	s, _, m := newTestOAuthSender(api, auth)

	s.Send(context.Background(), types.Envelope{Subject: "s", Body: "b"})

	assert.Empty(t, api.memos, "message must be dropped without a token")
	assert.Equal(t, []bool{false}, m.results)

	err := s.Deliver(context.Background(), types.Envelope{})
	assert.True(t, types.HasCode(err, types.ErrCodeUpstreamAuthFlow))
}

func TestOAuthSender_SendUsesFreshToken(t *testing.T) {
	api := &fakeTokenAPI{appKey: "app", exchangeToken: fullToken()}
	s, _, m := newTestOAuthSender(api, &fakeAuthorizer{code: "c"})

	s.Send(context.Background(), types.Envelope{
		Subject: "Citations: 700",
		Body:    "Current citations: 700",
		Link:    "http://host:8080/citations/latest",
	})

	require.Len(t, api.memos, 1)
	assert.Equal(t, "access-new", api.memoTokens[0])
	assert.Equal(t, "Citations: 700\nCurrent citations: 700", api.memos[0].Text)
	assert.Equal(t, "http://host:8080/citations/latest", api.memos[0].WebURL)
	assert.Equal(t, []bool{true}, m.results)
	assert.True(t, s.IsConnected(context.Background()))
}

func TestOAuthSender_RejectedTokenForcesRefreshNextTime(t *testing.T) {
	api := &fakeTokenAPI{
		appKey:       "app",
		memoErr:      types.NewAppError(types.ErrCodeUpstreamSend, "401", external.ErrAccessTokenRejected),
		refreshToken: external.KakaoToken{AccessToken: "access-3", AccessTokenExpiresIn: time.Hour},
	}
	s, _, _ := newTestOAuthSender(api, &fakeAuthorizer{})
	s.ImportState(&types.CredentialLifecycle{
		AppKey:                "app",
		AccessToken:           "revoked",
		AccessTokenExpiresAt:  testNow.Add(time.Hour),
		RefreshToken:          "r",
		RefreshTokenExpiresAt: testNow.Add(24 * time.Hour),
	})

	err := s.Deliver(context.Background(), types.Envelope{Body: "x"})
	require.Error(t, err)
	assert.Empty(t, s.ExportState().AccessToken)

	api.memoErr = nil
	require.NoError(t, s.Deliver(context.Background(), types.Envelope{Body: "y"}))
	assert.Equal(t, []string{"r"}, api.refreshCalls)
	assert.Equal(t, "access-3", api.memoTokens[1])
}

func TestOAuthSender_AccessExpiresWithClock(t *testing.T) {
	api := &fakeTokenAPI{
		appKey:        "app",
		exchangeToken: fullToken(),
		refreshToken:  external.KakaoToken{AccessToken: "access-refreshed", AccessTokenExpiresIn: 6 * time.Hour},
	}
	s, clk, _ := newTestOAuthSender(api, &fakeAuthorizer{code: "c"})

	require.NoError(t, s.EnsureAccessToken(context.Background()))
	assert.Empty(t, api.refreshCalls)

	// The margin makes the token stale ten minutes early.
	clk.Advance(6*time.Hour - DefaultSafetyMargin)
	require.NoError(t, s.EnsureAccessToken(context.Background()))
	assert.Len(t, api.refreshCalls, 1)
	assert.Equal(t, "access-refreshed", s.ExportState().AccessToken)
}

func TestOAuthSender_ExportStateIsCopy(t *testing.T) {
	api := &fakeTokenAPI{appKey: "app"}
	s, _, _ := newTestOAuthSender(api, nil)

	st := s.ExportState()
	st.AccessToken = "mutated"
	assert.Empty(t, s.ExportState().AccessToken)
}
