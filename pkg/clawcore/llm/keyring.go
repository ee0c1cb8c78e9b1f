// Package llm – keyring.go resolves provider API keys. Environment wins,
// then the OS keyring; an empty result is fine for local servers that need
// no auth.
package llm

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const keyringService = "clawcore"

// envKeysFor lists the environment variables consulted for a provider, in
// order.
func envKeysFor(provider string) []string {
	switch provider {
	case "openrouter":
		return []string{"OPENROUTER_API_KEY", "CLAWCORE_API_KEY"}
	case "vllm":
		return []string{"VLLM_API_KEY", "CLAWCORE_API_KEY"}
	default:
		return []string{"CLAWCORE_API_KEY"}
	}
}

// ResolveAPIKey finds the API key for a provider: environment variables
// first, then the system keyring. Returns "" when nothing is configured.
func ResolveAPIKey(provider string) string {
	for _, key := range envKeysFor(provider) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	if v, err := keyring.Get(keyringService, provider); err == nil {
		return strings.TrimSpace(v)
	}
	return ""
}

// StoreAPIKey saves a key in the system keyring under the provider name.
func StoreAPIKey(provider, key string) error {
	if err := keyring.Set(keyringService, provider, key); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	return nil
}

// DeleteAPIKey removes the stored key for a provider.
func DeleteAPIKey(provider string) error {
	if err := keyring.Delete(keyringService, provider); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}
