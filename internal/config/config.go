package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/remote"
	"github.com/spf13/viper"
)

const (
	envPrefix = "GRAVITY_SYNC"
	opLoad    = "config.load"

	defaultHTTPAddress      = "127.0.0.1:8787"
	defaultDatabasePath     = "gravity-sync.db"
	defaultLogLevel         = "info"
	defaultAuthType         = string(auth.TypeAPIKey)
	defaultSyncInterval     = 5 * time.Minute
	defaultFullSyncInterval = 24 * time.Hour
	defaultPageLimit        = 1000
	defaultAckTimeout       = 15 * time.Second
	defaultConnectTimeout   = 10 * time.Second
	defaultMinBackoff       = time.Second
	defaultMaxBackoff       = time.Minute
	defaultAdminTokenTTL    = 30 * time.Minute

	appSyncAPIHost      = "appsync-api"
	appSyncRealtimeHost = "appsync-realtime-api"
	realtimePathSuffix  = "/realtime"
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	APIEndpoint      string
	RealtimeEndpoint string
	AuthType         auth.Type
	APIKey           string
	Token            string
	Region           string

	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string

	DatabasePath string
	LogLevel     string
	LogFile      string

	Models           []remote.Schema
	SyncInterval     time.Duration
	FullSyncInterval time.Duration
	PageLimit        int

	AckTimeout     time.Duration
	ConnectTimeout time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration

	HTTPAddress        string
	AdminSigningSecret string
	AdminTokenTTL      time.Duration
}

// ModelNames lists the configured model names in declaration order.
func (c AppConfig) ModelNames() []model.ModelName {
	names := make([]model.ModelName, 0, len(c.Models))
	for _, schema := range c.Models {
		names = append(names, schema.Name)
	}
	return names
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("api.auth_type", defaultAuthType)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.full_interval", defaultFullSyncInterval)
	configViper.SetDefault("sync.page_limit", defaultPageLimit)
	configViper.SetDefault("subscription.ack_timeout", defaultAckTimeout)
	configViper.SetDefault("subscription.connect_timeout", defaultConnectTimeout)
	configViper.SetDefault("retry.min_backoff", defaultMinBackoff)
	configViper.SetDefault("retry.max_backoff", defaultMaxBackoff)
	configViper.SetDefault("admin.token_ttl", defaultAdminTokenTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		APIEndpoint:        strings.TrimSpace(configViper.GetString("api.endpoint")),
		RealtimeEndpoint:   strings.TrimSpace(configViper.GetString("api.realtime_endpoint")),
		AuthType:           auth.Type(strings.ToLower(strings.TrimSpace(configViper.GetString("api.auth_type")))),
		APIKey:             configViper.GetString("api.key"),
		Token:              configViper.GetString("api.token"),
		Region:             strings.TrimSpace(configViper.GetString("api.region")),
		AWSAccessKeyID:     configViper.GetString("aws.access_key_id"),
		AWSSecretAccessKey: configViper.GetString("aws.secret_access_key"),
		AWSSessionToken:    configViper.GetString("aws.session_token"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFile:            strings.TrimSpace(configViper.GetString("log.file")),
		SyncInterval:       configViper.GetDuration("sync.interval"),
		FullSyncInterval:   configViper.GetDuration("sync.full_interval"),
		PageLimit:          configViper.GetInt("sync.page_limit"),
		AckTimeout:         configViper.GetDuration("subscription.ack_timeout"),
		ConnectTimeout:     configViper.GetDuration("subscription.connect_timeout"),
		MinBackoff:         configViper.GetDuration("retry.min_backoff"),
		MaxBackoff:         configViper.GetDuration("retry.max_backoff"),
		HTTPAddress:        strings.TrimSpace(configViper.GetString("http.address")),
		AdminSigningSecret: configViper.GetString("admin.signing_secret"),
		AdminTokenTTL:      configViper.GetDuration("admin.token_ttl"),
	}

	models, err := ParseModels(configViper.GetStringSlice("sync.models"))
	if err != nil {
		return AppConfig{}, err
	}
	cfg.Models = models

	if cfg.RealtimeEndpoint == "" && cfg.APIEndpoint != "" {
		realtime, err := DeriveRealtimeEndpoint(cfg.APIEndpoint)
		if err != nil {
			return AppConfig{}, err
		}
		cfg.RealtimeEndpoint = realtime
	}
	if cfg.Region == "" {
		cfg.Region = regionFromEndpoint(cfg.APIEndpoint)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ParseModels turns entries of the form "Name:field,field" into schemas.
// An entry may hold several declarations separated by ';'.
func ParseModels(entries []string) ([]remote.Schema, error) {
	var schemas []remote.Schema
	seen := make(map[model.ModelName]struct{})
	for _, entry := range entries {
		for _, declaration := range strings.Split(entry, ";") {
			declaration = strings.TrimSpace(declaration)
			if declaration == "" {
				continue
			}
			name, fieldList, _ := strings.Cut(declaration, ":")
			schema, err := remote.NewSchema(name, strings.Split(fieldList, ","))
			if err != nil {
				return nil, invalid("invalid_model", fmt.Errorf("sync.models entry %q: %w", declaration, err))
			}
			if _, duplicate := seen[schema.Name]; duplicate {
				return nil, invalid("duplicate_model", fmt.Errorf("sync.models declares %s twice", schema.Name))
			}
			seen[schema.Name] = struct{}{}
			schemas = append(schemas, schema)
		}
	}
	return schemas, nil
}

// DeriveRealtimeEndpoint maps a GraphQL HTTP endpoint to its realtime websocket endpoint.
func DeriveRealtimeEndpoint(apiEndpoint string) (string, error) {
	parsed, err := url.Parse(apiEndpoint)
	if err != nil || parsed.Host == "" {
		return "", invalid("invalid_endpoint", fmt.Errorf("api.endpoint %q is not an absolute url", apiEndpoint))
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	default:
		return "", invalid("invalid_endpoint", fmt.Errorf("api.endpoint scheme %q is not http(s)", parsed.Scheme))
	}
	if strings.Contains(parsed.Host, appSyncAPIHost) {
		parsed.Host = strings.Replace(parsed.Host, appSyncAPIHost, appSyncRealtimeHost, 1)
	} else {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/") + realtimePathSuffix
	}
	return parsed.String(), nil
}

// regionFromEndpoint reads the region out of <id>.appsync-api.<region>.amazonaws.com.
func regionFromEndpoint(apiEndpoint string) string {
	parsed, err := url.Parse(apiEndpoint)
	if err != nil {
		return ""
	}
	labels := strings.Split(parsed.Hostname(), ".")
	for index, label := range labels {
		if label == appSyncAPIHost && index+1 < len(labels) {
			return labels[index+1]
		}
	}
	return ""
}

func (c AppConfig) validate() error {
	if c.APIEndpoint == "" {
		return invalid("missing_endpoint", fmt.Errorf("api.endpoint is required"))
	}
	if parsed, err := url.Parse(c.APIEndpoint); err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		return invalid("invalid_endpoint", fmt.Errorf("api.endpoint %q must be an http(s) url", c.APIEndpoint))
	}
	if parsed, err := url.Parse(c.RealtimeEndpoint); err != nil || (parsed.Scheme != "wss" && parsed.Scheme != "ws") {
		return invalid("invalid_realtime_endpoint", fmt.Errorf("api.realtime_endpoint %q must be a ws(s) url", c.RealtimeEndpoint))
	}
	switch c.AuthType {
	case auth.TypeAPIKey:
		if strings.TrimSpace(c.APIKey) == "" {
			return invalid("missing_api_key", fmt.Errorf("api.key is required for api_key auth"))
		}
	case auth.TypeToken:
		if strings.TrimSpace(c.Token) == "" {
			return invalid("missing_token", fmt.Errorf("api.token is required for token auth"))
		}
	case auth.TypeIAM:
		if c.Region == "" {
			return invalid("missing_region", fmt.Errorf("api.region is required for iam auth"))
		}
		if (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
			return invalid("partial_credentials", fmt.Errorf("aws.access_key_id and aws.secret_access_key must be set together"))
		}
	default:
		return invalid("unknown_auth_type", fmt.Errorf("api.auth_type %q is not one of api_key, iam, token", c.AuthType))
	}
	if len(c.Models) == 0 {
		return invalid("missing_models", fmt.Errorf("sync.models must declare at least one model"))
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return invalid("missing_database_path", fmt.Errorf("database.path is required"))
	}
	if c.SyncInterval <= 0 || c.FullSyncInterval <= 0 {
		return invalid("invalid_interval", fmt.Errorf("sync.interval and sync.full_interval must be positive"))
	}
	if c.PageLimit <= 0 {
		return invalid("invalid_page_limit", fmt.Errorf("sync.page_limit must be positive"))
	}
	if c.AckTimeout <= 0 || c.ConnectTimeout <= 0 {
		return invalid("invalid_timeout", fmt.Errorf("subscription timeouts must be positive"))
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return invalid("invalid_backoff", fmt.Errorf("retry.min_backoff must be positive and not above retry.max_backoff"))
	}
	if c.HTTPAddress != "" && strings.TrimSpace(c.AdminSigningSecret) == "" {
		return invalid("missing_signing_secret", fmt.Errorf("admin.signing_secret is required when http.address is set"))
	}
	return nil
}

func invalid(reason string, cause error) error {
	return model.NewError(model.ErrConfiguration, opLoad, reason, cause)
}
