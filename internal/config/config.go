package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wxsend.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Automation AutomationConfig `json:"automation"`
	Download   DownloadConfig   `json:"download"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Batch      BatchConfig      `json:"batch"`
	Lock       LockConfig       `json:"lock"`
	Journal    JournalConfig    `json:"journal"`
	Server     ServerConfig     `json:"server"`
}

type GeneralConfig struct {
	Workspace  string `json:"workspace"`
	ScratchDir string `json:"scratchDir,omitempty"` // temp files; default: OS temp dir
	LogLevel   string `json:"logLevel"`
	LogFile    string `json:"logFile,omitempty"`
}

// AutomationConfig describes how the wxauto helper process is launched.
type AutomationConfig struct {
	PythonPath         string `json:"pythonPath"`
	HelperPath         string `json:"helperPath,omitempty"` // default: <workspace>/wxauto_helper.py, written on demand
	CallTimeoutSeconds int    `json:"callTimeoutSeconds"`
	ArgsFileThreshold  int    `json:"argsFileThreshold"` // encoded args above this many bytes go through a temp file
	FileHelperName     string `json:"fileHelperName,omitempty"`
}

type DownloadConfig struct {
	ConnectTimeoutSeconds         int    `json:"connectTimeoutSeconds"`
	ReadTimeoutSeconds            int    `json:"readTimeoutSeconds"`
	InsecureConnectTimeoutSeconds int    `json:"insecureConnectTimeoutSeconds"`
	InsecureReadTimeoutSeconds    int    `json:"insecureReadTimeoutSeconds"`
	ChunkSize                     int    `json:"chunkSize"`
	MaxSizeBytes                  int64  `json:"maxSizeBytes"`
	UserAgent                     string `json:"userAgent,omitempty"`
}

type DeliveryConfig struct {
	ReadyPollIntervalMs int `json:"readyPollIntervalMs"`
	ReadyPollAttempts   int `json:"readyPollAttempts"`
	CleanupAttempts     int `json:"cleanupAttempts"`
	CleanupDelayMs      int `json:"cleanupDelayMs"`      // before every removal attempt
	CleanupRetryDelayMs int `json:"cleanupRetryDelayMs"` // after a failed attempt
}

type BatchConfig struct {
	SendDelaySeconds float64 `json:"sendDelaySeconds"`
	RandomDelay      bool    `json:"randomDelay"`
	RandomDelayMinMs int     `json:"randomDelayMinMs"`
	RandomDelayMaxMs int     `json:"randomDelayMaxMs"`
}

// LockConfig configures the cross-process session lock around client calls.
type LockConfig struct {
	Enabled            bool   `json:"enabled"`
	DBPath             string `json:"dbPath"`
	WaitTimeoutSeconds int    `json:"waitTimeoutSeconds"`
	StaleAfterSeconds  int    `json:"staleAfterSeconds"`
}

// JournalConfig configures the optional record of send outcomes.
type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// ServerConfig configures the HTTP gateway (wxsend serve).
type ServerConfig struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	APIKey       string   `json:"apiKey,omitempty"`
	MaxBodyBytes int64    `json:"maxBodyBytes"`
	CORSOrigins  []string `json:"corsOrigins,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.wxsend).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wxsend"
	}
	return filepath.Join(home, ".wxsend")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML (by extension) config file on top of Defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.ExpandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefaults loads path, falling back to Defaults when the file does not exist.
func LoadOrDefaults(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		cfg := Defaults()
		cfg.ExpandPaths()
		return cfg, nil
	}
	return Load(path)
}

// ExpandPaths resolves ~/ in every path field.
func (c *Config) ExpandPaths() {
	c.General.Workspace = ExpandPath(c.General.Workspace)
	c.General.ScratchDir = ExpandPath(c.General.ScratchDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Automation.HelperPath = ExpandPath(c.Automation.HelperPath)
	c.Lock.DBPath = ExpandPath(c.Lock.DBPath)
	c.Journal.DBPath = ExpandPath(c.Journal.DBPath)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		if data, err = jsonToYAML(data); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Automation.PythonPath == "" {
		errs = append(errs, "automation.pythonPath is required")
	}
	if cfg.Automation.CallTimeoutSeconds < 1 {
		errs = append(errs, "automation.callTimeoutSeconds must be >= 1")
	}
	if cfg.Automation.ArgsFileThreshold < 0 {
		errs = append(errs, "automation.argsFileThreshold must be >= 0")
	}

	if cfg.Download.ConnectTimeoutSeconds < 1 || cfg.Download.ReadTimeoutSeconds < 1 {
		errs = append(errs, "download timeouts must be >= 1")
	}
	if cfg.Download.InsecureConnectTimeoutSeconds < 1 || cfg.Download.InsecureReadTimeoutSeconds < 1 {
		errs = append(errs, "download insecure timeouts must be >= 1")
	}
	if cfg.Download.ChunkSize < 512 {
		errs = append(errs, "download.chunkSize must be >= 512")
	}
	if cfg.Download.MaxSizeBytes < 0 {
		errs = append(errs, "download.maxSizeBytes must be >= 0 (0 = unlimited)")
	}

	if cfg.Delivery.ReadyPollAttempts < 1 || cfg.Delivery.ReadyPollIntervalMs < 1 {
		errs = append(errs, "delivery ready poll interval and attempts must be >= 1")
	}
	if cfg.Delivery.CleanupAttempts < 1 {
		errs = append(errs, "delivery.cleanupAttempts must be >= 1")
	}
	if cfg.Delivery.CleanupDelayMs < 0 || cfg.Delivery.CleanupRetryDelayMs < 0 {
		errs = append(errs, "delivery cleanup delays must be >= 0")
	}

	if cfg.Batch.SendDelaySeconds < 0 {
		errs = append(errs, "batch.sendDelaySeconds must be >= 0")
	}
	if cfg.Batch.RandomDelayMinMs < 0 || cfg.Batch.RandomDelayMaxMs < cfg.Batch.RandomDelayMinMs {
		errs = append(errs, "batch random delay range is invalid")
	}

	if cfg.Lock.Enabled {
		if cfg.Lock.DBPath == "" {
			errs = append(errs, "lock.dbPath is required when the lock is enabled")
		}
		if cfg.Lock.WaitTimeoutSeconds < 1 || cfg.Lock.StaleAfterSeconds < 1 {
			errs = append(errs, "lock timeouts must be >= 1")
		}
	}
	if cfg.Journal.Enabled && cfg.Journal.DBPath == "" {
		errs = append(errs, "journal.dbPath is required when the journal is enabled")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.MaxBodyBytes < 1024 {
		errs = append(errs, "server.maxBodyBytes must be >= 1024")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON re-encodes YAML as JSON so the json struct tags stay the only schema.
func yamlToJSON(data []byte) ([]byte, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func jsonToYAML(data []byte) ([]byte, error) {
	// json.Number keeps large integers out of exponent notation.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return yaml.Marshal(plainNumbers(m))
}

// plainNumbers replaces json.Number values with int64 or float64 so yaml
// writes them as numbers rather than quoted strings.
func plainNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = plainNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = plainNumbers(e)
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	return v
}
