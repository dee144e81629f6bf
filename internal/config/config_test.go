package config

import (
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/spf13/viper"
)

const testEndpoint = "https://abc123.appsync-api.eu-west-1.amazonaws.com/graphql"

func validViper() *viper.Viper {
	configViper := NewViper()
	configViper.Set("api.endpoint", testEndpoint)
	configViper.Set("api.key", "da2-secret")
	configViper.Set("sync.models", []string{"Todo:title,done", "Note:body"})
	configViper.Set("admin.signing_secret", "admin-secret")
	return configViper
}

func TestLoadAppliesDefaultsAndDerivesEndpoints(t *testing.T) {
	cfg, err := Load(validViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RealtimeEndpoint != "wss://abc123.appsync-realtime-api.eu-west-1.amazonaws.com/graphql" {
		t.Fatalf("unexpected realtime endpoint %q", cfg.RealtimeEndpoint)
	}
	if cfg.Region != "eu-west-1" {
		t.Fatalf("unexpected region %q", cfg.Region)
	}
	if cfg.AuthType != auth.TypeAPIKey {
		t.Fatalf("unexpected auth type %q", cfg.AuthType)
	}
	if cfg.SyncInterval != defaultSyncInterval || cfg.FullSyncInterval != defaultFullSyncInterval {
		t.Fatalf("unexpected intervals %s / %s", cfg.SyncInterval, cfg.FullSyncInterval)
	}
	if cfg.MinBackoff != time.Second || cfg.MaxBackoff != time.Minute {
		t.Fatalf("unexpected backoff %s..%s", cfg.MinBackoff, cfg.MaxBackoff)
	}
	names := cfg.ModelNames()
	if len(names) != 2 || names[0] != "Todo" || names[1] != "Note" {
		t.Fatalf("unexpected models %v", names)
	}
	if fields := cfg.Models[0].Fields; len(fields) != 2 || fields[0] != "title" || fields[1] != "done" {
		t.Fatalf("unexpected Todo fields %v", fields)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*viper.Viper)
		reason string
	}{
		{name: "missing endpoint", mutate: func(v *viper.Viper) { v.Set("api.endpoint", "") }, reason: "missing_endpoint"},
		{name: "missing api key", mutate: func(v *viper.Viper) { v.Set("api.key", "") }, reason: "missing_api_key"},
		{name: "token without token", mutate: func(v *viper.Viper) { v.Set("api.auth_type", "token") }, reason: "missing_token"},
		{name: "unknown auth type", mutate: func(v *viper.Viper) { v.Set("api.auth_type", "oidc") }, reason: "unknown_auth_type"},
		{name: "partial aws credentials", mutate: func(v *viper.Viper) {
			v.Set("api.auth_type", "iam")
			v.Set("aws.access_key_id", "AKIA")
		}, reason: "partial_credentials"},
		{name: "no models", mutate: func(v *viper.Viper) { v.Set("sync.models", []string{}) }, reason: "missing_models"},
		{name: "duplicate model", mutate: func(v *viper.Viper) { v.Set("sync.models", []string{"Todo:title;Todo:done"}) }, reason: "duplicate_model"},
		{name: "reserved field", mutate: func(v *viper.Viper) { v.Set("sync.models", []string{"Todo:_version"}) }, reason: "invalid_model"},
		{name: "inverted backoff", mutate: func(v *viper.Viper) { v.Set("retry.min_backoff", "2m") }, reason: "invalid_backoff"},
		{name: "admin without secret", mutate: func(v *viper.Viper) { v.Set("admin.signing_secret", "") }, reason: "missing_signing_secret"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := validViper()
			testCase.mutate(configViper)
			_, err := Load(configViper)
			if !errors.Is(err, model.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if code := model.ErrorCode(err); code != opLoad+"."+testCase.reason {
				t.Fatalf("unexpected error code %q", code)
			}
		})
	}
}

func TestLoadAllowsDisabledAdminAPI(t *testing.T) {
	configViper := validViper()
	configViper.Set("http.address", "")
	configViper.Set("admin.signing_secret", "")
	if _, err := Load(configViper); err != nil {
		t.Fatalf("expected admin api to be optional, got %v", err)
	}
}

func TestDeriveRealtimeEndpoint(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{input: testEndpoint, expected: "wss://abc123.appsync-realtime-api.eu-west-1.amazonaws.com/graphql"},
		{input: "https://api.example.com/graphql", expected: "wss://api.example.com/graphql/realtime"},
		{input: "http://localhost:20002/graphql", expected: "ws://localhost:20002/graphql/realtime"},
	}
	for _, testCase := range testCases {
		derived, err := DeriveRealtimeEndpoint(testCase.input)
		if err != nil {
			t.Fatalf("derive %q: %v", testCase.input, err)
		}
		if derived != testCase.expected {
			t.Fatalf("derive %q: got %q, want %q", testCase.input, derived, testCase.expected)
		}
	}
	if _, err := DeriveRealtimeEndpoint("ftp://example.com"); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("expected configuration error for ftp scheme, got %v", err)
	}
}

func TestApplyDefaultsBindsEnvironment(t *testing.T) {
	t.Setenv("GRAVITY_SYNC_API_ENDPOINT", "https://env.appsync-api.us-east-2.amazonaws.com/graphql")
	t.Setenv("GRAVITY_SYNC_API_KEY", "da2-env")
	t.Setenv("GRAVITY_SYNC_SYNC_MODELS", "Todo:title Note:body")
	t.Setenv("GRAVITY_SYNC_ADMIN_SIGNING_SECRET", "env-secret")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if cfg.Region != "us-east-2" {
		t.Fatalf("unexpected region %q", cfg.Region)
	}
	if len(cfg.Models) != 2 {
		t.Fatalf("expected two models from env, got %d", len(cfg.Models))
	}
}
