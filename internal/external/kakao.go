package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"citewatch/internal/types"
)

const (
	kakaoAuthURL  = "https://kauth.kakao.com/oauth/authorize"
	kakaoTokenURL = "https://kauth.kakao.com/oauth/token"
	kakaoMemoURL  = "https://kapi.kakao.com/v2/api/talk/memo/default/send"

	kakaoScope = "talk_message"

	// memoTextLimit is the maximum text length of a default text template.
	memoTextLimit = 200
)

// ErrAccessTokenRejected is returned by SendMemo when the API refuses the
// bearer token.
var ErrAccessTokenRejected = errors.New("access token rejected")

// ErrRefreshRejected is returned by RefreshAccessToken when the token
// endpoint answers with a client error such as invalid_grant. Transport
// failures and 5xx responses keep their upstream error code instead.
var ErrRefreshRejected = errors.New("refresh token rejected")

// KakaoConfig holds the configuration for the Kakao OAuth and message APIs.
type KakaoConfig struct {
	RestAPIKey  string
	RedirectURL string
	Logger      *slog.Logger

	// Override URLs for testing
	AuthURL  string
	TokenURL string
	MemoURL  string
}

// KakaoToken is the result of a code or refresh-token exchange. A zero
// RefreshTokenExpiresIn means the refresh token was not reissued.
type KakaoToken struct {
	AccessToken           string
	AccessTokenExpiresIn  time.Duration
	RefreshToken          string
	RefreshTokenExpiresIn time.Duration
}

// Memo is a "send to me" text message.
type Memo struct {
	Text   string
	WebURL string
}

// KakaoClient talks to the Kakao authorization server and the talk memo API.
type KakaoClient struct {
	base    *BaseClient
	oauth   *oauth2.Config
	memoURL string
	logger  *slog.Logger
}

// NewKakaoClient creates a client that routes token exchanges and message
// calls through base.
func NewKakaoClient(base *BaseClient, cfg KakaoConfig) *KakaoClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = kakaoAuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = kakaoTokenURL
	}
	memoURL := cfg.MemoURL
	if memoURL == "" {
		memoURL = kakaoMemoURL
	}

	return &KakaoClient{
		base: base,
		oauth: &oauth2.Config{
			ClientID:    cfg.RestAPIKey,
			RedirectURL: cfg.RedirectURL,
			Scopes:      []string{kakaoScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		memoURL: memoURL,
		logger:  logger,
	}
}

// AppKey returns the REST API key this client authenticates as.
func (k *KakaoClient) AppKey() string {
	return k.oauth.ClientID
}

// AuthCodeURL returns the consent page URL that redirects back with a code.
func (k *KakaoClient) AuthCodeURL(state string) string {
	return k.oauth.AuthCodeURL(state)
}

// RedirectURL returns the configured redirect URI.
func (k *KakaoClient) RedirectURL() string {
	return k.oauth.RedirectURL
}

// ExchangeCode trades a single-use authorization code for both tokens.
func (k *KakaoClient) ExchangeCode(ctx context.Context, code string) (KakaoToken, error) {
	tok, err := k.oauth.Exchange(k.oauthContext(ctx), code)
	if err != nil {
		return KakaoToken{}, types.NewAppError(types.ErrCodeUpstreamAuthFlow, "authorization code exchange failed", err)
	}
	return k.convert(tok), nil
}

// RefreshAccessToken trades a refresh token for a new access token. Kakao
// reissues the refresh token only when it is close to expiry.
func (k *KakaoClient) RefreshAccessToken(ctx context.Context, refreshToken string) (KakaoToken, error) {
	src := k.oauth.TokenSource(k.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return KakaoToken{}, classifyRefreshError(err)
	}
	kt := k.convert(tok)
	if kt.RefreshTokenExpiresIn == 0 {
		kt.RefreshToken = ""
	}
	return kt, nil
}

// classifyRefreshError separates a refused grant from an endpoint that
// could not be reached.
func classifyRefreshError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		switch {
		case status == http.StatusTooManyRequests:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "token endpoint rate limited", err)
		case rerr.ErrorCode == "invalid_grant", status >= 400 && status < 500:
			return types.NewAppError(types.ErrCodeUpstreamAuthFlow, "refresh token exchange failed",
				fmt.Errorf("%w: %w", ErrRefreshRejected, err))
		}
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "token endpoint failed", err)
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, "token endpoint unreachable", err)
}

// SendMemo posts a text template to the authenticated user's own chat.
func (k *KakaoClient) SendMemo(ctx context.Context, accessToken string, memo Memo) error {
	tmpl, err := json.Marshal(memoTemplate{
		ObjectType: "text",
		Text:       truncateRunes(memo.Text, memoTextLimit),
		Link:       memoLink{WebURL: memo.WebURL, MobileWebURL: memo.WebURL},
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode memo template", err)
	}

	form := url.Values{"template_object": {string(tmpl)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.memoURL, strings.NewReader(form.Encode()))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create memo request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := k.base.Do(req)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamSend, "memo request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode == http.StatusUnauthorized {
		return types.NewAppError(types.ErrCodeUpstreamSend, "memo API rejected the access token", ErrAccessTokenRejected)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr kakaoAPIError
		_ = json.Unmarshal(body, &apiErr)
		return types.NewAppError(types.ErrCodeUpstreamSend,
			fmt.Sprintf("memo API returned %d", resp.StatusCode),
			fmt.Errorf("code %d: %s", apiErr.Code, apiErr.Msg),
		)
	}

	var result struct {
		ResultCode int `json:"result_code"`
	}
	if err := json.Unmarshal(body, &result); err == nil && result.ResultCode != 0 {
		return types.NewAppError(types.ErrCodeUpstreamSend, fmt.Sprintf("memo API result_code %d", result.ResultCode), nil)
	}
	return nil
}

func (k *KakaoClient) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, k.base.HTTPClient())
}

func (k *KakaoClient) convert(tok *oauth2.Token) KakaoToken {
	kt := KakaoToken{
		AccessToken:           tok.AccessToken,
		RefreshToken:          tok.RefreshToken,
		AccessTokenExpiresIn:  extraSeconds(tok, "expires_in"),
		RefreshTokenExpiresIn: extraSeconds(tok, "refresh_token_expires_in"),
	}
	if kt.AccessTokenExpiresIn == 0 && !tok.Expiry.IsZero() {
		kt.AccessTokenExpiresIn = time.Until(tok.Expiry)
	}
	return kt
}

// extraSeconds reads a numeric seconds field from the raw token response.
func extraSeconds(tok *oauth2.Token, key string) time.Duration {
	var secs int64
	switch v := tok.Extra(key).(type) {
	case float64:
		secs = int64(v)
	case int64:
		secs = v
	case json.Number:
		secs, _ = v.Int64()
	case string:
		secs, _ = strconv.ParseInt(v, 10, 64)
	}
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

type memoTemplate struct {
	ObjectType string   `json:"object_type"`
	Text       string   `json:"text"`
	Link       memoLink `json:"link"`
}

type memoLink struct {
	WebURL       string `json:"web_url,omitempty"`
	MobileWebURL string `json:"mobile_web_url,omitempty"`
}

type kakaoAPIError struct {
	Msg  string `json:"msg"`
	Code int    `json:"code"`
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
