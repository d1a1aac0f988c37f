package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/YoshitsuguKoike/orchestra/internal/app/config"
)

// EnvPrefix prefixes every environment override, e.g. ORCHESTRA_AGENT_BIN.
const EnvPrefix = "ORCHESTRA"

// SettingFile is the optional configuration file inside the home directory.
const SettingFile = "setting.yaml"

// Setting keys.
const (
	KeyAgentBin         = "agent_bin"
	KeyAgentArgs        = "agent_args"
	KeyAgentTimeout     = "agent_timeout"
	KeyLogLevel         = "log_level"
	KeyLogFormat        = "log_format"
	KeyMaxModifiedFiles = "max_modified_files"
	KeyRecentCommits    = "recent_commits"
	KeyWorkflow         = "workflow"
	KeyMaxTransitions   = "max_transitions"
	KeyServeAddr        = "serve_addr"
)

var keys = []string{
	KeyAgentBin, KeyAgentArgs, KeyAgentTimeout, KeyLogLevel, KeyLogFormat,
	KeyMaxModifiedFiles, KeyRecentCommits, KeyWorkflow, KeyMaxTransitions, KeyServeAddr,
}

// defaults returns the built-in values. The workflow path depends on home.
func defaults(home string) map[string]any {
	return map[string]any{
		KeyAgentBin:         "claude",
		KeyAgentArgs:        []string{"--dangerously-skip-permissions", "--output-format", "json", "-p"},
		KeyAgentTimeout:     "30m",
		KeyLogLevel:         "warn",
		KeyLogFormat:        "console",
		KeyMaxModifiedFiles: 20,
		KeyRecentCommits:    5,
		KeyWorkflow:         filepath.Join(home, "etc", "workflow.yaml"),
		KeyMaxTransitions:   25,
		KeyServeAddr:        "127.0.0.1:7777",
	}
}

// LoadSettings loads configuration for the project rooted at home.
// Priority: setting.yaml > ORCHESTRA_* environment > defaults
func LoadSettings(home string) (*config.AppConfig, error) {
	v := viper.New()
	for k, val := range defaults(home) {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	configSource := "default"
	for _, k := range keys {
		if _, ok := os.LookupEnv(EnvPrefix + "_" + strings.ToUpper(k)); ok {
			configSource = "env"
			break
		}
	}

	settingPath := filepath.Join(home, SettingFile)
	file := viper.New()
	file.SetConfigFile(settingPath)
	file.SetConfigType("yaml")
	if err := file.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to parse %s: %w", settingPath, err)
		}
		settingPath = ""
	} else {
		// Values from the file win over the environment.
		for _, k := range keys {
			if file.IsSet(k) {
				v.Set(k, file.Get(k))
			}
		}
		configSource = "file"
	}

	timeout, err := parseTimeout(v.GetString(KeyAgentTimeout))
	if err != nil {
		return nil, err
	}
	args := v.GetStringSlice(KeyAgentArgs)

	cfg := config.NewAppConfig(
		home,
		v.GetString(KeyAgentBin),
		args,
		timeout,
		strings.ToLower(v.GetString(KeyLogLevel)),
		strings.ToLower(v.GetString(KeyLogFormat)),
		v.GetInt(KeyMaxModifiedFiles),
		v.GetInt(KeyRecentCommits),
		v.GetString(KeyWorkflow),
		v.GetInt(KeyMaxTransitions),
		v.GetString(KeyServeAddr),
		configSource,
		settingPath,
	)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseTimeout accepts a Go duration ("90s", "30m") or a bare number of seconds.
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", KeyAgentTimeout, s)
	}
	return d, nil
}

func validate(cfg *config.AppConfig) error {
	switch {
	case cfg.AgentTimeout() <= 0:
		return fmt.Errorf("%s must be positive", KeyAgentTimeout)
	case cfg.MaxModifiedFiles() < 0:
		return fmt.Errorf("%s must not be negative", KeyMaxModifiedFiles)
	case cfg.RecentCommits() < 0:
		return fmt.Errorf("%s must not be negative", KeyRecentCommits)
	}
	switch cfg.LogFormat() {
	case "console", "json":
	default:
		return fmt.Errorf("%s: unknown format %q (allowed: console, json)", KeyLogFormat, cfg.LogFormat())
	}
	return nil
}

// CreateDefaultSettings renders a setting.yaml with every default spelled out.
func CreateDefaultSettings(home string) []byte {
	data, _ := yaml.Marshal(defaults(home))
	return data
}
