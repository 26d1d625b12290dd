package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Validate ---

func TestValidate_DefaultsAreValid(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestValidate_CallTimeout(t *testing.T) {
	cfg := Defaults()
	cfg.Automation.CallTimeoutSeconds = 0
	assert.Error(t, Validate(cfg))
}

func TestValidate_ReadyPoll(t *testing.T) {
	cfg := Defaults()
	cfg.Delivery.ReadyPollAttempts = 0
	assert.Error(t, Validate(cfg))
}

func TestValidate_RandomDelayRange(t *testing.T) {
	cfg := Defaults()
	cfg.Batch.RandomDelayMinMs = 5000
	cfg.Batch.RandomDelayMaxMs = 1000
	assert.Error(t, Validate(cfg))
}

func TestValidate_LockNeedsPathOnlyWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.Lock.DBPath = ""
	assert.Error(t, Validate(cfg))

	cfg.Lock.Enabled = false
	assert.NoError(t, Validate(cfg))
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 70000
	assert.Error(t, Validate(cfg))
}

func TestValidate_LogLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "INFO", "warn", "error", ""} {
		cfg := Defaults()
		cfg.General.LogLevel = lvl
		assert.NoError(t, Validate(cfg), lvl)
	}
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	assert.Error(t, Validate(cfg))
}

// --- Load / Save ---

func TestLoadSave_RoundTripJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Defaults()
	cfg.Batch.SendDelaySeconds = 7
	cfg.Server.APIKey = "secret-key-123456"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7.0, loaded.Batch.SendDelaySeconds)
	assert.Equal(t, "secret-key-123456", loaded.Server.APIKey)
}

func TestLoadSave_RoundTripYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Defaults()
	cfg.Download.ReadTimeoutSeconds = 45
	cfg.Server.CORSOrigins = []string{"http://localhost:5678"}
	require.NoError(t, Save(path, cfg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "argsFileThreshold: 4000")
	assert.NotContains(t, string(raw), `"4000"`)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45, loaded.Download.ReadTimeoutSeconds)
	assert.Equal(t, cfg.Download.MaxSizeBytes, loaded.Download.MaxSizeBytes)
	assert.Equal(t, cfg.Automation.ArgsFileThreshold, loaded.Automation.ArgsFileThreshold)
	assert.Equal(t, []string{"http://localhost:5678"}, loaded.Server.CORSOrigins)
}

func TestLoad_PartialYAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wxsend.yml")
	yml := "automation:\n  pythonPath: py\nbatch:\n  randomDelay: false\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "py", cfg.Automation.PythonPath)
	assert.False(t, cfg.Batch.RandomDelay)
	assert.Equal(t, 60, cfg.Automation.CallTimeoutSeconds)
	assert.Equal(t, 8192, cfg.Download.ChunkSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadOrDefaults_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefaults(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "python", cfg.Automation.PythonPath)
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"delivery":{"cleanupAttempts":0}}`), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanupAttempts")
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("WXSEND_TEST_KEY", "from-env")
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"server":{"apiKey":"${WXSEND_TEST_KEY}"},"automation":{"pythonPath":"${WXSEND_TEST_PY:-python3}"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.APIKey)
	assert.Equal(t, "python3", cfg.Automation.PythonPath)
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("WXSEND_A", "alpha")
	t.Setenv("WXSEND_EMPTY", "")

	tests := []struct {
		in, want string
	}{
		{"${WXSEND_A}", "alpha"},
		{"${WXSEND_UNSET_X:-fallback}", "fallback"},
		{"${WXSEND_A:-fallback}", "alpha"},
		{"${WXSEND_EMPTY:-used}", "used"},
		{"${WXSEND_UNSET_X}", "${WXSEND_UNSET_X}"},
		{"$WXSEND_A", "$WXSEND_A"},
		{"a=${WXSEND_A} b=${WXSEND_UNSET_X:-2}", "a=alpha b=2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandEnvVars(tt.in), tt.in)
	}
}

// --- Accessor ---

func TestGetByPath(t *testing.T) {
	cfg := Defaults()
	v, err := GetByPath(cfg, "delivery.readyPollAttempts")
	require.NoError(t, err)
	assert.Equal(t, 6, v)

	v, err = GetByPath(cfg, "batch")
	require.NoError(t, err)
	assert.Equal(t, cfg.Batch, v)

	_, err = GetByPath(cfg, "delivery.nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanupAttempts", "lists the section's keys")
}

func TestGetByPath_UnknownSection(t *testing.T) {
	_, err := GetByPath(Defaults(), "agent.model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown section "agent"`)
	assert.Contains(t, err.Error(), "automation, batch, delivery, download, general, journal, lock, server")
}

func TestSetByPath_Conversions(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, SetByPath(cfg, "batch.randomDelay", "false"))
	require.NoError(t, SetByPath(cfg, "download.readTimeoutSeconds", "90"))
	require.NoError(t, SetByPath(cfg, "download.maxSizeBytes", "1048576"))
	require.NoError(t, SetByPath(cfg, "batch.sendDelaySeconds", "1.5"))
	require.NoError(t, SetByPath(cfg, "automation.pythonPath", "py"))
	require.NoError(t, SetByPath(cfg, "automation.helperPath", "/opt/wx/helper.py"))
	require.NoError(t, SetByPath(cfg, "server.apiKey", "12345678"))
	require.NoError(t, SetByPath(cfg, "server.corsOrigins", "http://a.test, http://b.test"))

	assert.False(t, cfg.Batch.RandomDelay)
	assert.Equal(t, 90, cfg.Download.ReadTimeoutSeconds)
	assert.Equal(t, int64(1048576), cfg.Download.MaxSizeBytes)
	assert.Equal(t, 1.5, cfg.Batch.SendDelaySeconds)
	assert.Equal(t, "py", cfg.Automation.PythonPath)
	assert.Equal(t, "/opt/wx/helper.py", cfg.Automation.HelperPath)
	assert.Equal(t, "12345678", cfg.Server.APIKey, "numeric-looking keys stay strings")
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.CORSOrigins)
}

func TestSetByPath_Rejects(t *testing.T) {
	cfg := Defaults()
	tests := []struct {
		path, value, want string
	}{
		{"lock.enabled", "maybe", "true or false"},
		{"server.port", "eighty", "whole number"},
		{"batch.sendDelaySeconds", "soon", "a number"},
		{"server.hostname", "x", `unknown key "hostname" in server`},
		{"browser.headless", "true", "unknown section"},
		{"server", "x", "server.<key>"},
		{"server.port.extra", "1", "server.<key>"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := SetByPath(cfg, tt.path, tt.value)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.Equal(t, Defaults().Server.Port, cfg.Server.Port)
}

func TestSanitize_MasksAPIKey(t *testing.T) {
	cfg := Defaults()
	cfg.Server.APIKey = "abcd1234efgh5678"
	s := Sanitize(cfg)
	assert.Equal(t, "abcd****5678", s.Server.APIKey)
	assert.Equal(t, "abcd1234efgh5678", cfg.Server.APIKey, "input config must be untouched")

	cfg.Server.APIKey = "short"
	assert.Equal(t, "***", Sanitize(cfg).Server.APIKey)
}

func TestListPaths_ReturnsLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	assert.Contains(t, paths, "lock.enabled")
	assert.Contains(t, paths, "delivery.cleanupAttempts")
	assert.NotContains(t, paths, "delivery")
}
