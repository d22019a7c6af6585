// Package sender delivers notification envelopes through one of two
// backends: a direct SMTP session or a token-authorized message API.
package sender

import (
	"context"
	"fmt"
	"strings"

	"citewatch/internal/types"
)

// Kind identifies a sender backend.
type Kind string

const (
	KindMail  Kind = "gmail"
	KindKakao Kind = "kakao"
)

// ParseKind maps a configured backend name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gmail", "smtp", "mail":
		return KindMail, nil
	case "kakao":
		return KindKakao, nil
	default:
		return "", fmt.Errorf("unknown sender type %q", s)
	}
}

// Sender delivers envelopes. Send is best effort: failures are logged and
// recorded, never returned. Backends without durable credential material
// return nil from ExportState and ignore ImportState.
type Sender interface {
	Kind() Kind
	Send(ctx context.Context, env types.Envelope)
	IsConnected(ctx context.Context) bool
	ExportState() *types.CredentialLifecycle
	ImportState(state *types.CredentialLifecycle)
}

// DeliveryMetrics records the outcome of each delivery attempt.
type DeliveryMetrics interface {
	RecordDelivery(ctx context.Context, backend string, success bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordDelivery(context.Context, string, bool) {}
