package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkeller/mailtriage/internal/config"
)

func TestResolveAccount(t *testing.T) {
	cfg := &config.Config{
		Accounts: map[string]config.AccountConfig{
			"work": {RefreshToken: "tok"},
		},
	}

	name, acct, err := resolveAccount(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "work", name)
	assert.Equal(t, "tok", acct.RefreshToken)

	name, _, err = resolveAccount(cfg, "work")
	require.NoError(t, err)
	assert.Equal(t, "work", name)

	_, _, err = resolveAccount(cfg, "personal")
	assert.ErrorContains(t, err, "not found")
}

func TestResolveAccountAmbiguous(t *testing.T) {
	cfg := &config.Config{
		Accounts: map[string]config.AccountConfig{
			"work":     {RefreshToken: "a"},
			"personal": {RefreshToken: "b"},
		},
	}
	_, _, err := resolveAccount(cfg, "")
	assert.ErrorContains(t, err, "--account")
}
