package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Authorizer runs the interactive part of an OAuth authorization-code flow:
// given the consent URL and the state it carries, it returns the code the
// authorization server redirected back with. It may be slow and may fail.
type Authorizer interface {
	Authorize(ctx context.Context, authURL, state string) (string, error)
}

var (
	// ErrNoPendingAuthorization is returned when a callback arrives while no
	// flow is waiting for one.
	ErrNoPendingAuthorization = errors.New("no authorization in progress")
	// ErrStateMismatch is returned when a callback's state does not match
	// the flow that is waiting.
	ErrStateMismatch = errors.New("authorization state mismatch")
)

// StaticAuthorizer hands out a pre-provisioned authorization code once.
type StaticAuthorizer struct {
	mu   sync.Mutex
	code string
}

// NewStaticAuthorizer returns an authorizer that yields code on first use.
func NewStaticAuthorizer(code string) *StaticAuthorizer {
	return &StaticAuthorizer{code: code}
}

func (a *StaticAuthorizer) Authorize(ctx context.Context, authURL, state string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.code == "" {
		return "", fmt.Errorf("no unused authorization code; obtain one from %s", authURL)
	}
	code := a.code
	a.code = ""
	return code, nil
}

// CallbackAuthorizer logs the consent URL and waits for the redirect to
// reach the status server, which hands the code over through Complete.
type CallbackAuthorizer struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending *pendingAuthorization
}

type pendingAuthorization struct {
	state string
	codes chan string
}

// NewCallbackAuthorizer creates an authorizer that waits up to timeout.
func NewCallbackAuthorizer(timeout time.Duration, logger *slog.Logger) *CallbackAuthorizer {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackAuthorizer{timeout: timeout, logger: logger}
}

func (a *CallbackAuthorizer) Authorize(ctx context.Context, authURL, state string) (string, error) {
	p := &pendingAuthorization{state: state, codes: make(chan string, 1)}
	a.mu.Lock()
	a.pending = p
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.pending == p {
			a.pending = nil
		}
		a.mu.Unlock()
	}()

	a.logger.Warn("authorization required, open the consent page to continue",
		"url", authURL, "timeout", a.timeout)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	select {
	case code := <-p.codes:
		return code, nil
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for authorization callback: %w", ctx.Err())
	}
}

// Complete delivers the code from the redirect to the waiting flow.
func (a *CallbackAuthorizer) Complete(state, code string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending == nil {
		return ErrNoPendingAuthorization
	}
	if a.pending.state != state {
		return ErrStateMismatch
	}
	select {
	case a.pending.codes <- code:
	default:
	}
	a.pending = nil
	return nil
}

// Pending reports whether a flow is waiting for a callback.
func (a *CallbackAuthorizer) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending != nil
}
