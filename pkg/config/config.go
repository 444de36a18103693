// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envConfigFile         = "PROXY_CONFIG_FILE"
	envClientID           = "OAUTH_CLIENT_ID"
	envClientSecret       = "OAUTH_CLIENT_SECRET"
	envTokenURL           = "OAUTH_TOKEN_URL"
	envScopes             = "OAUTH_SCOPES"
	envUpstreamURL        = "TARGET_API_BASE_URL"
	envIncomingToken      = "INCOMING_BEARER_TOKEN"
	envPort               = "PORT"
	envListenHost         = "LISTEN_HOST"
	envLogLevel           = "PROXY_LOG_LEVEL"
	envTokenTimeout       = "PROXY_TOKEN_TIMEOUT"
	envUpstreamTimeout    = "PROXY_UPSTREAM_TIMEOUT"
	envInsecureSkipVerify = "PROXY_UPSTREAM_INSECURE"
	envServerReadTimeout  = "PROXY_SERVER_READ_TIMEOUT"
	envServerWriteTimeout = "PROXY_SERVER_WRITE_TIMEOUT"
	envServerIdleTimeout  = "PROXY_SERVER_IDLE_TIMEOUT"
	envGracefulShutdown   = "PROXY_GRACEFUL_SHUTDOWN"
	envMetricsAddr        = "PROXY_METRICS_ADDR"

	defaultPort               = 8000
	defaultListenHost         = "0.0.0.0"
	defaultLogLevel           = "info"
	defaultTokenTimeout       = 10 * time.Second
	defaultUpstreamTimeout    = 30 * time.Second
	defaultServerReadTimeout  = 30 * time.Second
	defaultServerIdleTimeout  = 120 * time.Second
	defaultGracefulShutdown   = 10 * time.Second
	defaultServerWriteTimeout = 0 // streamed bodies may take arbitrarily long
)

// Config captures runtime settings for the proxy. It is built once by Load and
// treated as read-only afterwards.
type Config struct {
	ClientID      string
	ClientSecret  string
	TokenURL      *url.URL
	Scopes        []string
	Upstream      *url.URL
	IncomingToken string

	ListenAddr  string
	MetricsAddr string
	LogLevel    string

	TokenTimeout            time.Duration
	UpstreamTimeout         time.Duration
	InsecureSkipVerify      bool
	ServerReadTimeout       time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	GracefulShutdownTimeout time.Duration
}

// fileConfig mirrors the optional YAML configuration file. Every field may be
// overridden by its environment variable.
type fileConfig struct {
	OAuth struct {
		ClientID     string   `yaml:"client_id"`
		ClientSecret string   `yaml:"client_secret"`
		TokenURL     string   `yaml:"token_url"`
		Scopes       []string `yaml:"scopes"`
		Timeout      string   `yaml:"timeout"`
	} `yaml:"oauth"`
	Upstream struct {
		BaseURL  string `yaml:"base_url"`
		Timeout  string `yaml:"timeout"`
		Insecure bool   `yaml:"insecure"`
	} `yaml:"upstream"`
	Server struct {
		Host             string `yaml:"host"`
		Port             int    `yaml:"port"`
		IncomingToken    string `yaml:"incoming_bearer_token"`
		ReadTimeout      string `yaml:"read_timeout"`
		WriteTimeout     string `yaml:"write_timeout"`
		IdleTimeout      string `yaml:"idle_timeout"`
		GracefulShutdown string `yaml:"graceful_shutdown"`
	} `yaml:"server"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads the optional YAML file at path (falling back to
// PROXY_CONFIG_FILE), applies environment overrides and validates required
// values. Missing credentials or malformed URLs fail here, before the
// listener is opened.
func Load(path string) (Config, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envConfigFile))
	}

	var fc fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	upstream, err := parseAbsURL(envUpstreamURL, getString(envUpstreamURL, fc.Upstream.BaseURL))
	if err != nil {
		return Config{}, err
	}
	tokenURL, err := parseAbsURL(envTokenURL, getString(envTokenURL, fc.OAuth.TokenURL))
	if err != nil {
		return Config{}, err
	}

	clientID := getString(envClientID, fc.OAuth.ClientID)
	if clientID == "" {
		return Config{}, errors.New("OAUTH_CLIENT_ID is required")
	}
	clientSecret := getString(envClientSecret, fc.OAuth.ClientSecret)
	if clientSecret == "" {
		return Config{}, errors.New("OAUTH_CLIENT_SECRET is required")
	}

	port := fc.Server.Port
	if port == 0 {
		port = defaultPort
	}
	if raw := strings.TrimSpace(os.Getenv(envPort)); raw != "" {
		port, err = strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PORT %q: %w", raw, err)
		}
	}
	if port < 1 || port > 65535 {
		return Config{}, fmt.Errorf("PORT %d out of range", port)
	}

	scopes := fc.OAuth.Scopes
	if raw := strings.TrimSpace(os.Getenv(envScopes)); raw != "" {
		scopes = strings.Fields(raw)
	}

	insecure, err := getBool(envInsecureSkipVerify, fc.Upstream.Insecure)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ClientID:           clientID,
		ClientSecret:       clientSecret,
		TokenURL:           tokenURL,
		Scopes:             scopes,
		Upstream:           upstream,
		IncomingToken:      getString(envIncomingToken, fc.Server.IncomingToken),
		ListenAddr:         net.JoinHostPort(getString(envListenHost, orString(fc.Server.Host, defaultListenHost)), strconv.Itoa(port)),
		MetricsAddr:        getString(envMetricsAddr, fc.MetricsAddr),
		LogLevel:           strings.ToLower(getString(envLogLevel, orString(fc.LogLevel, defaultLogLevel))),
		InsecureSkipVerify: insecure,
	}

	durations := []struct {
		dst      *time.Duration
		env      string
		file     string
		fallback time.Duration
	}{
		{&cfg.TokenTimeout, envTokenTimeout, fc.OAuth.Timeout, defaultTokenTimeout},
		{&cfg.UpstreamTimeout, envUpstreamTimeout, fc.Upstream.Timeout, defaultUpstreamTimeout},
		{&cfg.ServerReadTimeout, envServerReadTimeout, fc.Server.ReadTimeout, defaultServerReadTimeout},
		{&cfg.ServerWriteTimeout, envServerWriteTimeout, fc.Server.WriteTimeout, defaultServerWriteTimeout},
		{&cfg.ServerIdleTimeout, envServerIdleTimeout, fc.Server.IdleTimeout, defaultServerIdleTimeout},
		{&cfg.GracefulShutdownTimeout, envGracefulShutdown, fc.Server.GracefulShutdown, defaultGracefulShutdown},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.env, d.file, d.fallback); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// LoadDotEnv exports the KEY=VALUE pairs of the file at path into the process
// environment. Variables that are already set win, and a missing file is not
// an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func parseAbsURL(name, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	if !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%s must be an absolute http(s) URL", name)
	}
	return u, nil
}

func orString(val, fallback string) string {
	if val = strings.TrimSpace(val); val != "" {
		return val
	}
	return fallback
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return strings.TrimSpace(fallback)
}

func getBool(key string, fallback bool) (bool, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: must be a boolean", key, val)
	}
	return parsed, nil
}

// getDuration resolves a duration from the environment, then the config file
// value, then fallback. Malformed or negative values are rejected so a
// missing unit ("10" instead of "10s") fails at startup.
func getDuration(key, fileVal string, fallback time.Duration) (time.Duration, error) {
	source, val := key, strings.TrimSpace(os.Getenv(key))
	if val == "" {
		source, val = "config file value for "+key, strings.TrimSpace(fileVal)
	}
	if val == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be a duration such as 10s", source, val)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", source, val)
	}
	return parsed, nil
}
