package google

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthCodeURL(t *testing.T) {
	creds := Credentials{ClientID: "client-123", ClientSecret: "shh"}

	url := creds.AuthCodeURL()
	assert.Contains(t, url, "client-123")
	assert.Contains(t, url, "access_type=offline")
	assert.Contains(t, url, "gmail.modify")
}

func TestHTTPClientRequiresRefreshToken(t *testing.T) {
	creds := Credentials{ClientID: "client-123", ClientSecret: "shh"}

	_, err := creds.HTTPClient(context.Background(), "")
	assert.Error(t, err)
}
