package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/agentgate.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// GatewayConfig describes runtime options for the agentgate daemon.
type GatewayConfig struct {
	Environment string
	ListenAddr  string

	LogFile  string
	LogLevel string

	// Backend CLI invocation
	BackendCLIPath       string
	BackendTimeout       time.Duration
	BackendDefaultModel  string
	DefaultPermissionMode string

	// Model catalog
	ModelCatalogFile string

	// Session store
	SessionTTL         time.Duration
	SessionMaxCount    int
	SessionSweepEvery  time.Duration
	SessionMaxTurns    int

	// Streaming
	StreamChunkDeadline time.Duration
	StreamBufferSize    int

	// Usage ledger
	LedgerPath string

	// Rate limiting
	RateLimitEnabled bool
	RateLimitPerMin  int
	RateLimitBurst   int

	// Credential resolution preferences
	UseBedrock bool
	UseVertex  bool
}

// LoadGatewayConfig reads the current environment and loads the appropriate
// gateway config file, applying env var overrides last.
func LoadGatewayConfig(root string) (GatewayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return GatewayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return GatewayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := GatewayConfig{
		Environment:           s.Environment,
		ListenAddr:            firstNonEmpty(os.Getenv("AGENTGATE_LISTEN"), merged["listen_addr"], ":8080"),
		LogFile:               firstNonEmpty(os.Getenv("AGENTGATE_LOG_FILE"), merged["log_file"]),
		LogLevel:              firstNonEmpty(merged["log_level"], "info"),
		BackendCLIPath:        firstNonEmpty(os.Getenv("AGENTGATE_BACKEND_CLI"), merged["backend_cli"], "agent"),
		BackendTimeout:        parseOptionalDuration(merged["backend_timeout"], 10*time.Minute),
		BackendDefaultModel:   firstNonEmpty(merged["backend_default_model"], "sonnet"),
		DefaultPermissionMode: firstNonEmpty(merged["permission_mode"], "default"),
		ModelCatalogFile:      firstNonEmpty(os.Getenv("AGENTGATE_MODEL_CATALOG"), merged["model_catalog_file"]),
		SessionTTL:            parseOptionalDuration(merged["session_ttl"], time.Hour),
		SessionMaxCount:       parseOptionalInt(merged["session_max_count"], 1000),
		SessionSweepEvery:     parseOptionalDuration(merged["session_sweep_every"], 5*time.Minute),
		SessionMaxTurns:       parseOptionalInt(merged["session_max_turns"], 0),
		StreamChunkDeadline:   parseOptionalDuration(merged["stream_chunk_deadline"], 2*time.Minute),
		StreamBufferSize:      parseOptionalInt(merged["stream_buffer_size"], 16),
		LedgerPath:            firstNonEmpty(os.Getenv("AGENTGATE_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		RateLimitEnabled:      parseOptionalBool(firstNonEmpty(os.Getenv("AGENTGATE_RATE_LIMIT"), merged["rate_limit_enabled"]), false),
		RateLimitPerMin:       parseOptionalInt(merged["rate_limit_per_min"], 60),
		RateLimitBurst:        parseOptionalInt(merged["rate_limit_burst"], 10),
		UseBedrock:            parseBool(firstNonEmpty(os.Getenv("AGENTGATE_USE_BEDROCK"), merged["use_bedrock"])),
		UseVertex:             parseBool(firstNonEmpty(os.Getenv("AGENTGATE_USE_VERTEX"), merged["use_vertex"])),
	}

	if cfg.SessionMaxCount < 1 {
		return GatewayConfig{}, fmt.Errorf("session_max_count must be positive, got %d", cfg.SessionMaxCount)
	}
	if cfg.StreamBufferSize < 1 {
		cfg.StreamBufferSize = 1
	}
	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func parseOptionalDuration(v string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the per-user default sqlite ledger location.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentgate-usage.db"
	}
	return filepath.Join(home, ".agentgate", "usage.db")
}
