// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var allEnv = []string{
	envConfigFile, envClientID, envClientSecret, envTokenURL, envScopes,
	envUpstreamURL, envIncomingToken, envPort, envListenHost, envLogLevel,
	envTokenTimeout, envUpstreamTimeout, envInsecureSkipVerify,
	envServerReadTimeout, envServerWriteTimeout, envServerIdleTimeout,
	envGracefulShutdown, envMetricsAddr,
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnv {
		t.Setenv(key, "")
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv(envClientID, "client")
	t.Setenv(envClientSecret, "secret")
	t.Setenv(envTokenURL, "https://auth.example.com/oauth/token")
	t.Setenv(envUpstreamURL, "https://api.example.com/")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	setRequired(t)

	cfg, err := Load("")

	require.NoError(t, err)
	require.Equal(t, "client", cfg.ClientID)
	require.Equal(t, "secret", cfg.ClientSecret)
	require.Equal(t, "https://auth.example.com/oauth/token", cfg.TokenURL.String())
	require.Equal(t, "https://api.example.com/", cfg.Upstream.String())
	require.Empty(t, cfg.IncomingToken)
	require.Equal(t, "0.0.0.0:8000", cfg.ListenAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, defaultTokenTimeout, cfg.TokenTimeout)
	require.Equal(t, defaultUpstreamTimeout, cfg.UpstreamTimeout)
	require.Equal(t, time.Duration(0), cfg.ServerWriteTimeout)
	require.Empty(t, cfg.MetricsAddr)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv(envIncomingToken, "inbound")
	t.Setenv(envPort, "9090")
	t.Setenv(envListenHost, "127.0.0.1")
	t.Setenv(envScopes, "read write")
	t.Setenv(envLogLevel, "DEBUG")
	t.Setenv(envTokenTimeout, "3s")
	t.Setenv(envInsecureSkipVerify, "true")

	cfg, err := Load("")

	require.NoError(t, err)
	require.Equal(t, "inbound", cfg.IncomingToken)
	require.Equal(t, "127.0.0.1:9090", cfg.ListenAddr)
	require.Equal(t, []string{"read", "write"}, cfg.Scopes)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 3*time.Second, cfg.TokenTimeout)
	require.True(t, cfg.InsecureSkipVerify)
}

func TestLoadFileWithEnvPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	content := `
oauth:
  client_id: file-client
  client_secret: file-secret
  token_url: https://auth.example.com/token
  scopes: [api]
  timeout: 2s
upstream:
  base_url: https://upstream.example.com/v2
server:
  port: 7000
  incoming_bearer_token: file-token
metrics_addr: 127.0.0.1:9100
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv(envClientSecret, "env-secret")

	cfg, err := Load(path)

	require.NoError(t, err)
	require.Equal(t, "file-client", cfg.ClientID)
	require.Equal(t, "env-secret", cfg.ClientSecret)
	require.Equal(t, []string{"api"}, cfg.Scopes)
	require.Equal(t, 2*time.Second, cfg.TokenTimeout)
	require.Equal(t, "https://upstream.example.com/v2", cfg.Upstream.String())
	require.Equal(t, "0.0.0.0:7000", cfg.ListenAddr)
	require.Equal(t, "file-token", cfg.IncomingToken)
	require.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)
}

func TestLoadFailsFast(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{name: "missing client id", key: envClientID, value: "", want: "OAUTH_CLIENT_ID is required"},
		{name: "missing secret", key: envClientSecret, value: "", want: "OAUTH_CLIENT_SECRET is required"},
		{name: "missing token url", key: envTokenURL, value: "", want: "OAUTH_TOKEN_URL is required"},
		{name: "missing upstream", key: envUpstreamURL, value: "", want: "TARGET_API_BASE_URL is required"},
		{name: "relative upstream", key: envUpstreamURL, value: "/api", want: "TARGET_API_BASE_URL must be an absolute http(s) URL"},
		{name: "bad scheme", key: envTokenURL, value: "ftp://auth.example.com", want: "OAUTH_TOKEN_URL must be an absolute http(s) URL"},
		{name: "port out of range", key: envPort, value: "70000", want: "PORT 70000 out of range"},
		{name: "duration without unit", key: envTokenTimeout, value: "10", want: `invalid PROXY_TOKEN_TIMEOUT "10": must be a duration such as 10s`},
		{name: "negative duration", key: envUpstreamTimeout, value: "-1s", want: `invalid PROXY_UPSTREAM_TIMEOUT "-1s": must not be negative`},
		{name: "malformed bool", key: envInsecureSkipVerify, value: "maybe", want: `invalid PROXY_UPSTREAM_INSECURE "maybe": must be a boolean`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			setRequired(t)
			t.Setenv(tc.key, tc.value)

			_, err := Load("")

			require.EqualError(t, err, tc.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	setRequired(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.Error(t, err)
	require.Contains(t, err.Error(), "read config file")
}

func TestLoadRejectsMalformedFileDuration(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  idle_timeout: 10\n"), 0o600))

	_, err := Load(path)

	require.EqualError(t, err, `invalid config file value for PROXY_SERVER_IDLE_TIMEOUT "10": must be a duration such as 10s`)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "OAUTH_CLIENT_ID=dotenv-client\nOAUTH_CLIENT_SECRET=dotenv-secret\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	// Register both keys for restoration, then leave the client id unset so
	// the file can supply it.
	t.Setenv(envClientID, "")
	require.NoError(t, os.Unsetenv(envClientID))
	t.Setenv(envClientSecret, "from-env")

	require.NoError(t, LoadDotEnv(path))

	require.Equal(t, "dotenv-client", os.Getenv(envClientID))
	require.Equal(t, "from-env", os.Getenv(envClientSecret))
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))
}
