package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// TokenMethodAPIToken authenticates with a static SSWS API token.
	TokenMethodAPIToken = "API_TOKEN"
	// TokenMethodOAuth2 authenticates with private-key-JWT client credentials.
	TokenMethodOAuth2 = "OAUTH2"

	defaultHTTPAddr        = ":8080"
	defaultConcurrentLimit = 18
	defaultKeepVersions    = 2
	defaultGraphDir        = "./data/graph"
	defaultMetaDBPath      = "./data/meta.db"
	defaultTenantID        = "default"
)

// Config is the process configuration loaded from the environment.
type Config struct {
	OktaOrgURL          string
	TokenMethod         string
	OktaAPIToken        string
	OAuth2ClientID      string
	OAuth2PrivateKeyPEM string
	OAuth2Scopes        []string
	ConcurrentLimit     int

	UserCustomAttributes []string

	SyncDeprovisionedUsers bool
	DeprUserCreatedAfter   *time.Time
	DeprUserUpdatedAfter   *time.Time

	GraphDir        string
	MetaDBPath      string
	KeepVersions    int
	PromoteOnErrors bool
	TenantID        string
	SyncSinceLast   bool

	HTTPAddr    string
	MetricsAddr string
}

type LoadOptions struct {
	RequireOkta bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireOkta: true})
}

// LoadOptionalOkta loads config for commands that only touch local state
// (version listing, history) and do not need Okta credentials.
func LoadOptionalOkta() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireOkta: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		OktaOrgURL:             normalizeOrgURL(os.Getenv("OKTA_ORG_URL")),
		TokenMethod:            strings.ToUpper(strings.TrimSpace(getenvDefault("TOKEN_METHOD", TokenMethodAPIToken))),
		OktaAPIToken:           strings.TrimSpace(os.Getenv("OKTA_API_TOKEN")),
		OAuth2ClientID:         strings.TrimSpace(os.Getenv("OKTA_OAUTH2_CLIENT_ID")),
		OAuth2PrivateKeyPEM:    os.Getenv("OKTA_OAUTH2_PRIVATE_KEY_PEM"),
		OAuth2Scopes:           splitList(os.Getenv("OKTA_OAUTH2_SCOPES")),
		ConcurrentLimit:        getenvIntDefault("OKTA_CONCURRENT_LIMIT", defaultConcurrentLimit),
		UserCustomAttributes:   splitList(os.Getenv("OKTA_USER_CUSTOM_ATTRIBUTES")),
		SyncDeprovisionedUsers: getenvBoolDefault("SYNC_DEPROVISIONED_USERS", false),
		GraphDir:               getenvDefault("GRAPH_DIR", defaultGraphDir),
		MetaDBPath:             getenvDefault("META_DB_PATH", defaultMetaDBPath),
		KeepVersions:           getenvIntDefault("GRAPH_KEEP_VERSIONS", defaultKeepVersions),
		PromoteOnErrors:        getenvBoolDefault("PROMOTE_ON_ERRORS", true),
		TenantID:               getenvDefault("TENANT_ID", defaultTenantID),
		SyncSinceLast:          getenvBoolDefault("SYNC_SINCE_LAST", false),
		HTTPAddr:               getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:            strings.TrimSpace(os.Getenv("METRICS_ADDR")),
	}

	var err error
	if cfg.DeprUserCreatedAfter, err = parseDateEnv("DEPR_USER_CREATED_AFTER"); err != nil {
		return Config{}, err
	}
	if cfg.DeprUserUpdatedAfter, err = parseDateEnv("DEPR_USER_UPDATED_AFTER"); err != nil {
		return Config{}, err
	}

	if opts.RequireOkta {
		if err := cfg.validateOkta(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func (c Config) validateOkta() error {
	if c.OktaOrgURL == "" {
		return errors.New("OKTA_ORG_URL is required")
	}
	switch c.TokenMethod {
	case TokenMethodAPIToken:
		if c.OktaAPIToken == "" {
			return errors.New("OKTA_API_TOKEN is required when TOKEN_METHOD=API_TOKEN")
		}
	case TokenMethodOAuth2:
		if c.OAuth2ClientID == "" {
			return errors.New("OKTA_OAUTH2_CLIENT_ID is required when TOKEN_METHOD=OAUTH2")
		}
		if strings.TrimSpace(c.OAuth2PrivateKeyPEM) == "" {
			return errors.New("OKTA_OAUTH2_PRIVATE_KEY_PEM is required when TOKEN_METHOD=OAUTH2")
		}
		if len(c.OAuth2Scopes) == 0 {
			return errors.New("OKTA_OAUTH2_SCOPES is required when TOKEN_METHOD=OAUTH2")
		}
	default:
		return fmt.Errorf("TOKEN_METHOD must be one of: %s, %s", TokenMethodAPIToken, TokenMethodOAuth2)
	}
	return nil
}

func normalizeOrgURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return strings.TrimRight(raw, "/")
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseDateEnv(key string) (*time.Time, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, fmt.Errorf("%s must be YYYY-MM-DD: %w", key, err)
	}
	t = t.UTC()
	return &t, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvBoolDefault(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return def
	}
}
