package types

import (
	"log/slog"
	"strings"
	"time"
)

// ObservationState is the durable record of the last confirmed observation.
// LastArtifactRef is set if and only if LastValue is set.
type ObservationState struct {
	LastValue       *int64
	LastArtifactRef *string
}

// NewObservationState builds a populated state for a confirmed observation.
func NewObservationState(value int64, artifactRef string) ObservationState {
	return ObservationState{LastValue: &value, LastArtifactRef: &artifactRef}
}

// IsEmpty reports whether nothing has been observed yet.
func (s ObservationState) IsEmpty() bool {
	return s.LastValue == nil
}

// Valid reports whether the value/artifact pairing invariant holds.
func (s ObservationState) Valid() bool {
	return (s.LastValue == nil) == (s.LastArtifactRef == nil)
}

// Equal reports whether v matches the last observed value. An empty state
// never matches, so the first observation always counts as a change.
func (s ObservationState) Equal(v int64) bool {
	return s.LastValue != nil && *s.LastValue == v
}

// CredentialLifecycle tracks the nested OAuth secrets of a token-based sender.
// Empty strings and zero times stand for absent values.
type CredentialLifecycle struct {
	AppKey                string
	AuthorizationCode     string
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	AccessToken           string
	AccessTokenExpiresAt  time.Time
}

// AccessValid reports whether the access token can be used at now.
func (c *CredentialLifecycle) AccessValid(now time.Time) bool {
	return c.AccessToken != "" && c.AccessTokenExpiresAt.After(now)
}

// RefreshValid reports whether the refresh token can be exchanged at now.
func (c *CredentialLifecycle) RefreshValid(now time.Time) bool {
	return c.RefreshToken != "" && c.RefreshTokenExpiresAt.After(now)
}

// Reset clears every issued secret while keeping the owning AppKey.
func (c *CredentialLifecycle) Reset() {
	*c = CredentialLifecycle{AppKey: c.AppKey}
}

// LogValue reports token presence and expiry only.
func (c CredentialLifecycle) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("has_auth_code", c.AuthorizationCode != ""),
		slog.Bool("has_refresh_token", c.RefreshToken != ""),
		slog.Time("refresh_expires_at", c.RefreshTokenExpiresAt),
		slog.Bool("has_access_token", c.AccessToken != ""),
		slog.Time("access_expires_at", c.AccessTokenExpiresAt),
	)
}

// Attachment is one file carried by an Envelope.
type Attachment struct {
	Filename  string
	MediaType string
	SubType   string
	Data      []byte
}

// ContentType returns the MIME type of the attachment.
func (a Attachment) ContentType() string {
	return a.MediaType + "/" + a.SubType
}

// Envelope is one outbound notification before backend-specific delivery.
// Link is the page a link-only backend points the reader to.
type Envelope struct {
	Subject     string
	Body        string
	Link        string
	Attachments []Attachment
	Recipients  []string
}

// MergeRecipients returns the union of the given address lists, trimmed,
// without empties or duplicates, in first-seen order.
func MergeRecipients(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, addr := range list {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			key := strings.ToLower(addr)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
