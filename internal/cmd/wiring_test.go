package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stridemirror/stridemirror/internal/config"
)

func TestNewUpstreamClientAppliesConfiguredTimeout(t *testing.T) {
	cfg := &config.Config{}
	cfg.Upstream.BaseURL = "https://api.example.com"
	cfg.Upstream.Token = "token-123"
	cfg.Upstream.Timeout = 7 * time.Second
	cfg.Upstream.PageSize = 25

	client := newUpstreamClient(cfg)
	require.Equal(t, "https://api.example.com", client.BaseURL)
	require.Equal(t, "token-123", client.Token)
	require.Equal(t, 25, client.PageSize)
	require.NotNil(t, client.Client)
	require.Equal(t, 7*time.Second, client.Client.Timeout)
}

func TestNewUpstreamClientWithoutTimeout(t *testing.T) {
	cfg := &config.Config{}
	cfg.Upstream.BaseURL = "https://api.example.com"

	// No configured timeout: the adapter falls back to its built-in
	// default instead of an unbounded http.Client.
	client := newUpstreamClient(cfg)
	require.Nil(t, client.Client)
}
