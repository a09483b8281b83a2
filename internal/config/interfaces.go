package config

import "context"

// SecretProvider resolves secret values by key. SSMProvider serves deployed
// environments; local runs pass nil.
type SecretProvider interface {
	// GetParametersBatch returns key -> plaintext for every key it could
	// resolve. Implementations batch internally to respect API limits.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
