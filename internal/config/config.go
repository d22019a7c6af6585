// Package config defines the process configuration for citewatch.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Secret files named by *_FILE (Lowest)
//
// Any missing required value or invalid format makes LoadConfig fail and the
// process exits before the first check.
package config

import (
	"time"

	"citewatch/internal/types"
)

// SecretString is an alias for types.SecretString so secrets stay redacted
// when the configuration is logged.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Target   TargetConfig
	Evidence EvidenceConfig
	State    StateConfig
	Server   ServerConfig
	Sender   SenderConfig
	SMTP     SMTPConfig
	Kakao    KakaoConfig
	Metrics  MetricsConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// TargetConfig describes the watched page and the polling policy.
type TargetConfig struct {
	URL       string        `envconfig:"TARGET_URL" validate:"required,url"`
	Label     string        `envconfig:"TARGET_LABEL" validate:"required"`
	Value     int64         `envconfig:"TARGET_VALUE" default:"0" validate:"gte=0"`
	Interval  time.Duration `envconfig:"CHECK_INTERVAL" default:"300s" validate:"gte=1s"`
	TableID   string        `envconfig:"TARGET_TABLE_ID" default:"gsc_rsb_st"`
	CellClass string        `envconfig:"TARGET_CELL_CLASS" default:"gsc_rsb_std"`
	Timeout   time.Duration `envconfig:"TARGET_TIMEOUT" default:"30s"`
}

// EvidenceConfig selects where page captures are kept.
type EvidenceConfig struct {
	Backend string `envconfig:"EVIDENCE_BACKEND" default:"dir" validate:"oneof=dir s3"`
	Dir     string `envconfig:"EVIDENCE_DIR" default:"screenshots"`
	Bucket  string `envconfig:"EVIDENCE_BUCKET"`
	Prefix  string `envconfig:"EVIDENCE_PREFIX" default:"screenshots/"`
}

// StateConfig selects the durable record driver.
type StateConfig struct {
	Driver string       `envconfig:"STATE_DRIVER" default:"file" validate:"oneof=file sqlite postgres"`
	Dir    string       `envconfig:"STATE_DIR" default:"."`
	DSN    SecretString `envconfig:"STATE_DSN"`
}

// ServerConfig holds the status server and the public URL parts used in
// notification links.
type ServerConfig struct {
	Addr   string `envconfig:"HTTP_ADDR" default:":8080"`
	Prefix string `envconfig:"ROUTE_PREFIX" default:"/citations"`
	// PublicDomain defaults to the host's outbound IP when empty.
	PublicDomain     string        `envconfig:"PUBLIC_DOMAIN"`
	PublicPort       int           `envconfig:"PUBLIC_PORT" default:"8080" validate:"gte=0,lte=65535"`
	UpdatesPerMinute int           `envconfig:"UPDATE_RATE_PER_MIN" default:"6" validate:"gte=1"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// SenderConfig selects the notification backend and its recipients.
type SenderConfig struct {
	Type                string   `envconfig:"SENDER" default:"smtp" validate:"oneof=smtp gmail mail kakao"`
	Recipients          []string `envconfig:"NOTIFY_RECIPIENTS" validate:"dive,email"`
	MilestoneRecipients []string `envconfig:"MILESTONE_RECIPIENTS" validate:"dive,email"`
}

// SMTPConfig holds the mail account used by the smtp sender.
type SMTPConfig struct {
	Host     string       `envconfig:"SMTP_HOST" default:"smtp.gmail.com"`
	Port     int          `envconfig:"SMTP_PORT" default:"587" validate:"gte=1,lte=65535"`
	Username string       `envconfig:"SMTP_USERNAME"`
	Password SecretString `envconfig:"SMTP_PASSWORD"`
	From     string       `envconfig:"SMTP_FROM"`
}

// KakaoConfig holds the app key and the account used to authorize it.
type KakaoConfig struct {
	RestAPIKey    SecretString  `envconfig:"KAKAO_REST_API_KEY"`
	RedirectURL   string        `envconfig:"KAKAO_REDIRECT_URL"`
	Authorizer    string        `envconfig:"KAKAO_AUTHORIZER" default:"form" validate:"oneof=form callback static"`
	LoginID       string        `envconfig:"KAKAO_LOGIN_ID"`
	LoginPassword SecretString  `envconfig:"KAKAO_LOGIN_PASSWORD"`
	AuthCode      SecretString  `envconfig:"KAKAO_AUTH_CODE"`
	AuthTimeout   time.Duration `envconfig:"KAKAO_AUTH_TIMEOUT" default:"5m"`
	SafetyMargin  time.Duration `envconfig:"KAKAO_TOKEN_MARGIN" default:"10m"`
}

// MetricsConfig toggles the CloudWatch recorder.
type MetricsConfig struct {
	Enabled   bool   `envconfig:"METRICS_ENABLED" default:"false"`
	Namespace string `envconfig:"METRIC_NAMESPACE" default:"CiteWatch"`
	Region    string `envconfig:"AWS_REGION"`
}

// NeedsAWS reports whether any configured component talks to AWS.
func (c *Config) NeedsAWS() bool {
	return c.Metrics.Enabled || c.Evidence.Backend == "s3"
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSecretResolution indicates a *_FILE secret could not be read.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
