// Package store persists the detector's durable record: the last observed
// value, its evidence reference and, for token-based senders, the credential
// lifecycle. Every driver stores the same JSON document and overwrites it in
// full on Save.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"citewatch/internal/types"
)

// Driver names accepted by Open.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultFileName is the document name used by the file driver.
const DefaultFileName = "token.json"

// Store loads and saves the durable Record. Load on a store that was never
// written returns an empty Record and a nil error.
type Store interface {
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, rec Record) error
	Close() error
}

// Record is everything that survives a restart.
type Record struct {
	State       types.ObservationState
	Credentials *types.CredentialLifecycle
}

// Config selects and configures a driver.
type Config struct {
	Driver   string
	Dir      string
	FileName string
	DSN      string
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverFile:
		name := cfg.FileName
		if name == "" {
			name = DefaultFileName
		}
		return NewFileStore(cfg.Dir, name, logger), nil
	case DriverSQLite, "sqlite3":
		path := cfg.DSN
		if path == "" {
			path = filepath.Join(cfg.Dir, "state.db")
		}
		s, err := OpenSQLite(ctx, path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres, "postgresql":
		s, err := OpenPostgres(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown state driver: %q", cfg.Driver)
	}
}

// document is the persisted wire shape. Expiry fields are unix seconds.
type document struct {
	LastCitations  *int64         `json:"last_citations"`
	LastScreenshot *string        `json:"last_screenshot"`
	Kakao          *credentialDoc `json:"kakao,omitempty"`
}

type credentialDoc struct {
	RestAPIKey         string   `json:"kakao_rest_api_key"`
	AuthCode           *string  `json:"kakao_auth_code"`
	RefreshToken       *string  `json:"kakao_refresh_token"`
	RefreshTokenExpire *float64 `json:"kakao_refresh_token_expire"`
	AccessToken        *string  `json:"kakao_access_token"`
	AccessTokenExpire  *float64 `json:"kakao_access_token_expire"`
}

// Encode renders a Record as the persisted JSON document.
func Encode(rec Record) ([]byte, error) {
	doc := document{
		LastCitations:  rec.State.LastValue,
		LastScreenshot: rec.State.LastArtifactRef,
	}
	if c := rec.Credentials; c != nil {
		doc.Kakao = &credentialDoc{
			RestAPIKey:         c.AppKey,
			AuthCode:           optString(c.AuthorizationCode),
			RefreshToken:       optString(c.RefreshToken),
			RefreshTokenExpire: optUnix(c.RefreshTokenExpiresAt),
			AccessToken:        optString(c.AccessToken),
			AccessTokenExpire:  optUnix(c.AccessTokenExpiresAt),
		}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Decode parses a persisted document. A state that breaks the value/artifact
// pairing is returned empty so the next observation is treated as new.
func Decode(data []byte) (Record, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Record{}, fmt.Errorf("decoding state document: %w", err)
	}

	rec := Record{State: types.ObservationState{
		LastValue:       doc.LastCitations,
		LastArtifactRef: doc.LastScreenshot,
	}}
	if !rec.State.Valid() {
		rec.State = types.ObservationState{}
	}
	if k := doc.Kakao; k != nil {
		rec.Credentials = &types.CredentialLifecycle{
			AppKey:                k.RestAPIKey,
			AuthorizationCode:     deref(k.AuthCode),
			RefreshToken:          deref(k.RefreshToken),
			RefreshTokenExpiresAt: fromUnix(k.RefreshTokenExpire),
			AccessToken:           deref(k.AccessToken),
			AccessTokenExpiresAt:  fromUnix(k.AccessTokenExpire),
		}
	}
	return rec, nil
}

func persistenceError(msg string, err error) error {
	return types.NewAppError(types.ErrCodeInternalPersistence, msg, err)
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optUnix(t time.Time) *float64 {
	if t.IsZero() {
		return nil
	}
	v := float64(t.UnixNano()) / float64(time.Second)
	return &v
}

func fromUnix(v *float64) time.Time {
	if v == nil {
		return time.Time{}
	}
	sec, frac := math.Modf(*v)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}
