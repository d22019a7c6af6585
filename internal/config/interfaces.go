package config

import "context"

// SecretProvider resolves secret references to plaintext values. The keys
// are references such as file paths; the result maps each resolved key to
// its value and omits keys that do not exist.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
