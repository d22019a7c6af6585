package sender

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"citewatch/internal/external"
	"citewatch/internal/types"
)

// DefaultSafetyMargin is subtracted from every reported token lifetime so
// tokens are renewed before they really expire.
const DefaultSafetyMargin = 10 * time.Minute

// TokenAPI is the subset of external.KakaoClient used by OAuthSender.
type TokenAPI interface {
	AppKey() string
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (external.KakaoToken, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (external.KakaoToken, error)
	SendMemo(ctx context.Context, accessToken string, memo external.Memo) error
}

// OAuthConfig configures an OAuthSender.
type OAuthConfig struct {
	API          TokenAPI
	Authorizer   Authorizer
	SafetyMargin time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      DeliveryMetrics
}

// OAuthSender delivers through a message API guarded by three nested
// credentials: an authorization code from an interactive flow, a refresh
// token and a short-lived access token.
//
// flow serializes token renewal and delivery; mu only guards creds so that
// IsConnected and ExportState never wait on a slow authorization flow.
type OAuthSender struct {
	api        TokenAPI
	authorizer Authorizer
	margin     time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	metrics    DeliveryMetrics

	flow  sync.Mutex
	mu    sync.Mutex
	creds types.CredentialLifecycle
}

// NewOAuthSender creates a sender in the NoAuth state.
func NewOAuthSender(cfg OAuthConfig) *OAuthSender {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &OAuthSender{
		api:        cfg.API,
		authorizer: cfg.Authorizer,
		margin:     cfg.SafetyMargin,
		clock:      cfg.Clock,
		logger:     logger.With("sender", string(KindKakao)),
		metrics:    metrics,
		creds:      types.CredentialLifecycle{AppKey: cfg.API.AppKey()},
	}
}

func (s *OAuthSender) Kind() Kind { return KindKakao }

// IsConnected reports whether a usable access or refresh token is held.
func (s *OAuthSender) IsConnected(ctx context.Context) bool {
	c := s.snapshot()
	now := s.clock.Now()
	return c.AccessValid(now) || c.RefreshValid(now)
}

// EnsureAccessToken leaves a valid access token in place, renewing it with
// the refresh token when that is still valid and running the full
// authorization flow otherwise.
func (s *OAuthSender) EnsureAccessToken(ctx context.Context) error {
	s.flow.Lock()
	defer s.flow.Unlock()
	_, err := s.ensure(ctx)
	return err
}

// ensure returns the access token to use. Callers hold s.flow.
func (s *OAuthSender) ensure(ctx context.Context) (string, error) {
	c := s.snapshot()
	now := s.clock.Now()
	if c.AccessValid(now) {
		return c.AccessToken, nil
	}

	if c.RefreshValid(now) {
		s.logger.Info("refreshing access token")
		tok, err := s.api.RefreshAccessToken(ctx, c.RefreshToken)
		if err == nil {
			c = s.apply(tok)
			s.logger.Info("access token refreshed", "credentials", c)
			return c.AccessToken, nil
		}
		if !errors.Is(err, external.ErrRefreshRejected) {
			// The refresh token may still be good; retry it next time.
			s.logger.Warn("access token refresh failed, keeping credentials", "error", err)
			return "", err
		}
		s.logger.Warn("refresh token rejected, falling back to authorization", "error", err)
	}

	return s.authorize(ctx)
}

func (s *OAuthSender) authorize(ctx context.Context) (string, error) {
	s.update(func(c *types.CredentialLifecycle) { c.Reset() })
	if s.authorizer == nil {
		return "", types.NewAppError(types.ErrCodeUpstreamAuthFlow, "no authorizer configured", nil)
	}

	state := uuid.NewString()
	s.logger.Info("starting authorization flow")
	code, err := s.authorizer.Authorize(ctx, s.api.AuthCodeURL(state), state)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamAuthFlow, "authorization flow failed", err)
	}
	s.update(func(c *types.CredentialLifecycle) { c.AuthorizationCode = code })

	tok, err := s.api.ExchangeCode(ctx, code)
	if err != nil {
		return "", err
	}
	if tok.RefreshToken == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamAuthFlow, "token response carried no refresh token", nil)
	}
	c := s.apply(tok)
	s.logger.Info("authorization complete", "credentials", c)
	return c.AccessToken, nil
}

// apply stores a token response, shortening each lifetime by the margin.
func (s *OAuthSender) apply(tok external.KakaoToken) types.CredentialLifecycle {
	now := s.clock.Now()
	return s.update(func(c *types.CredentialLifecycle) {
		c.AccessToken = tok.AccessToken
		c.AccessTokenExpiresAt = now.Add(tok.AccessTokenExpiresIn - s.margin)
		if tok.RefreshToken != "" {
			c.RefreshToken = tok.RefreshToken
			c.RefreshTokenExpiresAt = now.Add(tok.RefreshTokenExpiresIn - s.margin)
		}
	})
}

func (s *OAuthSender) snapshot() types.CredentialLifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

func (s *OAuthSender) update(fn func(*types.CredentialLifecycle)) types.CredentialLifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.creds)
	return s.creds
}

// Send ensures an access token and posts the envelope. Without a token the
// message is dropped.
func (s *OAuthSender) Send(ctx context.Context, env types.Envelope) {
	err := s.Deliver(ctx, env)
	s.metrics.RecordDelivery(ctx, string(KindKakao), err == nil)
	if err != nil {
		s.logger.Error("failed to send message", "subject", env.Subject, "error", err)
		return
	}
	s.logger.Info("message sent", "subject", env.Subject)
}

// Deliver is Send with the error returned.
func (s *OAuthSender) Deliver(ctx context.Context, env types.Envelope) error {
	s.flow.Lock()
	defer s.flow.Unlock()

	token, err := s.ensure(ctx)
	if err != nil {
		return err
	}

	err = s.api.SendMemo(ctx, token, external.Memo{
		Text:   memoText(env),
		WebURL: env.Link,
	})
	if errors.Is(err, external.ErrAccessTokenRejected) {
		// Force a refresh on the next attempt.
		s.update(func(c *types.CredentialLifecycle) {
			c.AccessToken = ""
			c.AccessTokenExpiresAt = time.Time{}
		})
	}
	return err
}

// ExportState returns a copy of the credential lifecycle.
func (s *OAuthSender) ExportState() *types.CredentialLifecycle {
	c := s.snapshot()
	return &c
}

// ImportState restores persisted credentials if they belong to the
// configured application key. Otherwise the sender stays in NoAuth.
func (s *OAuthSender) ImportState(state *types.CredentialLifecycle) {
	if state == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	appKey := s.api.AppKey()
	if state.AppKey != appKey {
		s.logger.Warn("application key changed, discarding stored credentials")
		s.creds = types.CredentialLifecycle{AppKey: appKey}
		return
	}
	s.creds = *state
	s.logger.Info("restored credentials", "credentials", s.creds)
}

func memoText(env types.Envelope) string {
	if env.Subject == "" {
		return env.Body
	}
	return strings.TrimSpace(env.Subject + "\n" + env.Body)
}
