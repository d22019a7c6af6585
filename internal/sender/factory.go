package sender

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/juju/clock"

	"citewatch/internal/external"
)

// Options selects and wires one backend.
type Options struct {
	Kind Kind

	Mail MailConfig

	Kakao        external.KakaoConfig
	KakaoHTTP    *http.Client
	Authorizer   Authorizer
	SafetyMargin time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics DeliveryMetrics
}

// New builds the configured backend.
func New(opts Options) (Sender, error) {
	switch opts.Kind {
	case KindMail:
		if opts.Mail.Host == "" {
			return nil, errors.New("mail sender requires an SMTP host")
		}
		cfg := opts.Mail
		cfg.Clock = opts.Clock
		cfg.Logger = opts.Logger
		cfg.Metrics = opts.Metrics
		return NewMailSender(cfg), nil

	case KindKakao:
		if opts.Kakao.RestAPIKey == "" {
			return nil, errors.New("kakao sender requires a REST API key")
		}
		if opts.Authorizer == nil {
			return nil, errors.New("kakao sender requires an authorizer")
		}
		base := external.NewBaseClient(opts.KakaoHTTP, "kakao", external.DefaultRetryPolicy(), "citewatch/1.0")
		kc := opts.Kakao
		kc.Logger = opts.Logger
		return NewOAuthSender(OAuthConfig{
			API:          external.NewKakaoClient(base, kc),
			Authorizer:   opts.Authorizer,
			SafetyMargin: opts.SafetyMargin,
			Clock:        opts.Clock,
			Logger:       opts.Logger,
			Metrics:      opts.Metrics,
		}), nil

	default:
		return nil, fmt.Errorf("unknown sender type %q", opts.Kind)
	}
}
