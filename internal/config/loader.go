// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone so artifact names and log timestamps agree.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Resolve <KEY>_FILE variables for keys declared on Config through the
//     SecretProvider and inject the values back into the environment.
//  4. Use envconfig to process struct tags and populate the Config struct.
//  5. Populate BuildInfo from linker-injected variables.
//  6. Validate the struct using go-playground/validator, then the
//     cross-field rules that depend on the selected backends.
//  7. Fill the public domain from the outbound interface when unset.
package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
// It wraps a ConfigErrorType and an underlying error message.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// secretFileSuffix marks a variable whose value is the path of a file
// holding the secret for the variable without the suffix. For example,
// SMTP_PASSWORD_FILE=/run/secrets/smtp fills SMTP_PASSWORD.
const secretFileSuffix = "_FILE"

type envLookup func(key string) (string, bool)

type envSet func(key, value string) error

// loaderDeps holds the injectable dependencies for the loader, enabling
// testing without mutating global state.
type loaderDeps struct {
	lookupEnv envLookup
	setEnv    envSet
	localIP   func() (string, error)
}

// defaultDeps returns the standard OS-backed dependencies.
func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		localIP:   outboundIP,
	}
}

// LoadConfig loads and validates the configuration. A nil provider reads
// secret files from the local filesystem.
func LoadConfig(provider SecretProvider) (*Config, error) {
	if provider == nil {
		provider = NewFileProvider()
	}
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv.Load does NOT override variables already in the environment.
	_ = godotenv.Load()

	if err := resolveSecretFiles(provider, deps); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	if err := checkBackends(&cfg); err != nil {
		return nil, err
	}

	if cfg.Server.PublicDomain == "" {
		ip, err := deps.localIP()
		if err != nil {
			return nil, &ConfigError{
				Type:    ErrMissingEnv,
				Message: "PUBLIC_DOMAIN is unset and the local address could not be determined",
				Err:     err,
			}
		}
		cfg.Server.PublicDomain = ip
	}

	return &cfg, nil
}

// checkBackends enforces the rules that depend on which sender, store and
// evidence backend were selected.
func checkBackends(cfg *Config) error {
	var missing []string
	require := func(ok bool, name string) {
		if !ok {
			missing = append(missing, name)
		}
	}

	switch strings.ToLower(cfg.Sender.Type) {
	case "kakao":
		require(!cfg.Kakao.RestAPIKey.IsZero(), "KAKAO_REST_API_KEY")
		require(cfg.Kakao.RedirectURL != "", "KAKAO_REDIRECT_URL")
		switch cfg.Kakao.Authorizer {
		case "form":
			require(cfg.Kakao.LoginID != "", "KAKAO_LOGIN_ID")
			require(!cfg.Kakao.LoginPassword.IsZero(), "KAKAO_LOGIN_PASSWORD")
		case "static":
			require(!cfg.Kakao.AuthCode.IsZero(), "KAKAO_AUTH_CODE")
		}
	default:
		require(cfg.SMTP.Username != "", "SMTP_USERNAME")
		require(!cfg.SMTP.Password.IsZero(), "SMTP_PASSWORD")
	}

	if cfg.State.Driver == "postgres" {
		require(!cfg.State.DSN.IsZero(), "STATE_DSN")
	}
	if cfg.Evidence.Backend == "s3" {
		require(cfg.Evidence.Bucket != "", "EVIDENCE_BUCKET")
	}

	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: fmt.Sprintf("required for the selected backends: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

// resolveSecretFiles looks up <KEY>_FILE for every key Config declares and
// sets KEY to the referenced secret. A target already present in the
// environment wins. Other *_FILE variables, such as SSL_CERT_FILE, belong
// to other programs and are left alone.
func resolveSecretFiles(provider SecretProvider, deps loaderDeps) error {
	pathToTarget := make(map[string]string)
	var paths []string

	for _, target := range configKeys() {
		path, ok := deps.lookupEnv(target + secretFileSuffix)
		if !ok || path == "" {
			continue
		}
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		if _, dup := pathToTarget[path]; !dup {
			paths = append(paths, path)
		}
		pathToTarget[path] = target
	}

	if len(paths) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("failed to resolve %d secret files", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		target := pathToTarget[path]
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, target)
			continue
		}
		if err := deps.setEnv(target, value); err != nil {
			return &ConfigError{
				Type:    ErrSecretResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("secret files not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

// configKeys returns the envconfig keys declared on Config, sorted.
func configKeys() []string {
	var keys []string
	var walk func(t reflect.Type)
	walk = func(t reflect.Type) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if key := f.Tag.Get("envconfig"); key != "" {
				keys = append(keys, key)
				continue
			}
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type)
			}
		}
	}
	walk(reflect.TypeOf(Config{}))
	sort.Strings(keys)
	return keys
}

// outboundIP returns the address of the interface used for outbound
// traffic. No packet is sent; a UDP dial only selects a route.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
