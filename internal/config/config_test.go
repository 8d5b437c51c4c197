package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/localmem/memproxy/internal/errortypes"
)

func TestDefaults(t *testing.T) {
	cfg := NewConfig()
	if cfg.Remote.SessionPath != "/sse" {
		t.Errorf("session path = %q", cfg.Remote.SessionPath)
	}
	if cfg.Remote.IdentityHeader != "X-User-ID" {
		t.Errorf("identity header = %q", cfg.Remote.IdentityHeader)
	}
	if cfg.Proxy.Transport != "stdio" {
		t.Errorf("transport = %q", cfg.Proxy.Transport)
	}
	if cfg.Proxy.DefaultUserID != "admin_default" {
		t.Errorf("default user = %q", cfg.Proxy.DefaultUserID)
	}
	if !cfg.DirectMode() {
		t.Error("no remote configured should mean direct mode")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfigWithPath(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfigWithPath: %v", err)
	}
	if cfg.Session.IdleTTLMinutes != DefaultIdleTTLMinutes {
		t.Errorf("idle ttl = %d", cfg.Session.IdleTTLMinutes)
	}
}

func TestLoadMissingFileAppliesEnv(t *testing.T) {
	t.Setenv("MEMPROXY_LOG_LEVEL", "debug")
	t.Setenv("MEMPROXY_HTTP_ADDR", ":9999")

	cfg, err := LoadConfigWithPath(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfigWithPath: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, env must apply without a config file", cfg.Logging.Level)
	}
	if cfg.Proxy.HTTPAddr != ":9999" {
		t.Errorf("http addr = %q, env must apply without a config file", cfg.Proxy.HTTPAddr)
	}
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := NewConfig()
	cfg.Remote.BaseURL = "http://toolhost:8080"
	cfg.Session.IdleTTLMinutes = 5
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}
	if cfg.GetConfigPath() != path {
		t.Errorf("config path = %q, want %q", cfg.GetConfigPath(), path)
	}

	loaded, err := LoadConfigWithPath(path)
	if err != nil {
		t.Fatalf("reloading saved config: %v", err)
	}
	if loaded.Remote.BaseURL != "http://toolhost:8080" {
		t.Errorf("remote base url = %q", loaded.Remote.BaseURL)
	}
	if loaded.Session.IdleTTLMinutes != 5 {
		t.Errorf("idle ttl = %d", loaded.Session.IdleTTLMinutes)
	}
	if loaded.GetConfigPath() != path {
		t.Errorf("loaded config path = %q", loaded.GetConfigPath())
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"remote": {"base_url": "http://toolhost:8080"},
		"proxy": {"transport": "both", "http_addr": ":9000"},
		"logging": {"level": "debug"}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigWithPath(path)
	if err != nil {
		t.Fatalf("LoadConfigWithPath: %v", err)
	}
	if cfg.Remote.BaseURL != "http://toolhost:8080" {
		t.Errorf("remote base url = %q", cfg.Remote.BaseURL)
	}
	if cfg.DirectMode() {
		t.Error("remote configured, direct mode must be off")
	}
	if cfg.Proxy.Transport != "both" {
		t.Errorf("transport = %q", cfg.Proxy.Transport)
	}
	if cfg.Proxy.HTTPAddr != ":9000" {
		t.Errorf("http addr = %q", cfg.Proxy.HTTPAddr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	// Untouched fields keep their defaults.
	if cfg.Remote.SessionPath != DefaultSessionPath {
		t.Errorf("session path = %q", cfg.Remote.SessionPath)
	}
}

func TestValidateRejectsBadDefaultUser(t *testing.T) {
	cfg := NewConfig()
	cfg.Proxy.DefaultUserID = "bad user!"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("malformed default user accepted")
	}
	if errortypes.TypeOf(err) != errortypes.ErrorTypeConfig {
		t.Errorf("error type = %v, want config", errortypes.TypeOf(err))
	}
}

func TestValidateRejectsBadTransport(t *testing.T) {
	cfg := NewConfig()
	cfg.Proxy.Transport = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown transport accepted")
	}
}

func TestValidateRequiresSomeBackend(t *testing.T) {
	cfg := NewConfig()
	cfg.Store.BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("config with neither remote nor store accepted")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := NewConfig()
	if cfg.RemoteTimeout().Seconds() != float64(DefaultTimeoutSeconds) {
		t.Errorf("remote timeout = %v", cfg.RemoteTimeout())
	}
	if cfg.SessionIdleTTL().Minutes() != float64(DefaultIdleTTLMinutes) {
		t.Errorf("idle ttl = %v", cfg.SessionIdleTTL())
	}
}
