package sender

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"citewatch/internal/types"
)

// MailConfig configures a MailSender.
type MailConfig struct {
	Host        string
	Port        int
	Username    string
	Password    types.SecretString
	From        string
	DialTimeout time.Duration
	// TLSConfig is used for STARTTLS. Nil means verify against Host.
	TLSConfig *tls.Config
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   DeliveryMetrics
}

// MailSender keeps one authenticated SMTP session open between sends and
// logs in again whenever the session has gone away. A failed login leaves
// the sender disconnected until the next Send retries.
type MailSender struct {
	cfg     MailConfig
	logger  *slog.Logger
	metrics DeliveryMetrics

	mu     sync.Mutex
	client *smtp.Client
	// connected mirrors client != nil for readers that cannot take mu.
	connected atomic.Bool
}

// NewMailSender creates a disconnected MailSender.
func NewMailSender(cfg MailConfig) *MailSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
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
	return &MailSender{
		cfg:     cfg,
		logger:  logger.With("sender", string(KindMail)),
		metrics: metrics,
	}
}

func (s *MailSender) Kind() Kind { return KindMail }

// Address returns the account messages are sent from.
func (s *MailSender) Address() string { return s.cfg.From }

// Login opens and authenticates a new session, replacing any existing one.
func (s *MailSender) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked(ctx)
}

func (s *MailSender) loginLocked(ctx context.Context) error {
	s.closeLocked()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return sendError("smtp dial failed", err)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return sendError("smtp handshake failed", err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsCfg := s.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			c.Close()
			return sendError("smtp STARTTLS failed", err)
		}
	}

	if s.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password.Unmask(), s.cfg.Host)
			if err := c.Auth(auth); err != nil {
				c.Close()
				return sendError("smtp login failed", err)
			}
		}
	}

	s.client = c
	s.connected.Store(true)
	s.logger.Info("smtp session established", "addr", addr, "user", s.cfg.Username)
	return nil
}

// IsConnected checks the session with NOOP. While a send holds the session
// it reports the last known state instead of waiting.
func (s *MailSender) IsConnected(ctx context.Context) bool {
	if !s.mu.TryLock() {
		return s.connected.Load()
	}
	defer s.mu.Unlock()
	return s.connectedLocked()
}

func (s *MailSender) connectedLocked() bool {
	if s.client == nil {
		return false
	}
	if err := s.client.Noop(); err != nil {
		s.closeLocked()
		return false
	}
	return true
}

// Send logs in if needed and delivers env. Failures are logged.
func (s *MailSender) Send(ctx context.Context, env types.Envelope) {
	err := s.Deliver(ctx, env)
	s.metrics.RecordDelivery(ctx, string(KindMail), err == nil)
	if err != nil {
		s.logger.Error("failed to send mail", "subject", env.Subject, "error", err)
		return
	}
	s.logger.Info("mail sent", "subject", env.Subject, "recipients", len(env.Recipients))
}

// Deliver is Send with the error returned.
func (s *MailSender) Deliver(ctx context.Context, env types.Envelope) error {
	if len(env.Recipients) == 0 {
		env.Recipients = []string{s.cfg.From}
	}
	msg, err := buildMessage(s.cfg.From, env, s.cfg.Clock.Now())
	if err != nil {
		return sendError("failed to build message", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connectedLocked() {
		if err := s.loginLocked(ctx); err != nil {
			return err
		}
	}

	if err := s.transmitLocked(env.Recipients, msg); err != nil {
		s.closeLocked()
		return err
	}
	return nil
}

func (s *MailSender) transmitLocked(recipients []string, msg []byte) error {
	c := s.client
	if err := c.Mail(s.cfg.From); err != nil {
		return sendError("MAIL FROM rejected", err)
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return sendError(fmt.Sprintf("RCPT TO %s rejected", rcpt), err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return sendError("DATA rejected", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return sendError("failed to write message", err)
	}
	if err := w.Close(); err != nil {
		return sendError("message rejected", err)
	}
	return nil
}

// Close ends the session.
func (s *MailSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Quit()
	s.client = nil
	s.connected.Store(false)
	return err
}

func (s *MailSender) closeLocked() {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	s.connected.Store(false)
}

// ExportState returns nil; the session is not persisted.
func (s *MailSender) ExportState() *types.CredentialLifecycle { return nil }

// ImportState is a no-op for the mail backend.
func (s *MailSender) ImportState(*types.CredentialLifecycle) {}

func sendError(msg string, err error) error {
	return types.NewAppError(types.ErrCodeUpstreamSend, msg, err)
}
