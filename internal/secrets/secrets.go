// Package secrets resolves configuration values that reference an external
// vault. Values prefixed with "gsm:" are fetched from Google Secret Manager
// via the gcloud CLI; anything else is returned as-is.
package secrets

import (
	"fmt"
	"os/exec"
	"strings"
)

const vaultPrefix = "gsm:"

// Resolver resolves secret references. The zero value uses the gcloud CLI.
type Resolver struct {
	// run executes a command and returns its stdout. Overridable in tests.
	run func(name string, args ...string) ([]byte, error)
}

// New returns a Resolver backed by the gcloud CLI.
func New() *Resolver {
	return &Resolver{
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).Output()
		},
	}
}

// Resolve returns the plaintext for a config value. Resolution failures are
// returned so callers can fail fast at startup instead of mid-batch.
func (r *Resolver) Resolve(value string) (string, error) {
	if !strings.HasPrefix(value, vaultPrefix) {
		return value, nil
	}
	name := strings.TrimPrefix(value, vaultPrefix)
	if name == "" {
		return "", fmt.Errorf("empty secret name in %q", value)
	}

	out, err := r.run("gcloud", "secrets", "versions", "access", "latest", "--secret="+name)
	if err != nil {
		return "", fmt.Errorf("fetch secret %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}
