package config

import "time"

// Config provides read-only access to application configuration.
// The app layer depends on this interface, not on where values came from.
type Config interface {
	// Core settings
	Home() string        // Base directory (.orchestra)
	AgentBin() string    // Agent binary (agent_bin)
	AgentArgs() []string // Argument template for the agent (agent_args)
	AgentTimeout() time.Duration

	// Logging
	LogLevel() string  // debug, info, warn, error
	LogFormat() string // console or json

	// Status cache
	MaxModifiedFiles() int
	RecentCommits() int

	// Workflow
	Workflow() string // Workflow definition path
	MaxTransitions() int

	// Server
	ServeAddr() string

	// Metadata
	ConfigSource() string // "file", "env" or "default"
	SettingPath() string  // Path to setting.yaml if one was read
}

// AppConfig is the concrete implementation of Config.
type AppConfig struct {
	home         string
	agentBin     string
	agentArgs    []string
	agentTimeout time.Duration

	logLevel  string
	logFormat string

	maxModifiedFiles int
	recentCommits    int

	workflow       string
	maxTransitions int

	serveAddr string

	configSource string
	settingPath  string
}

// NewAppConfig creates a new AppConfig with the given values.
func NewAppConfig(
	home, agentBin string,
	agentArgs []string,
	agentTimeout time.Duration,
	logLevel, logFormat string,
	maxModifiedFiles, recentCommits int,
	workflow string,
	maxTransitions int,
	serveAddr string,
	configSource, settingPath string,
) *AppConfig {
	return &AppConfig{
		home:             home,
		agentBin:         agentBin,
		agentArgs:        append([]string(nil), agentArgs...),
		agentTimeout:     agentTimeout,
		logLevel:         logLevel,
		logFormat:        logFormat,
		maxModifiedFiles: maxModifiedFiles,
		recentCommits:    recentCommits,
		workflow:         workflow,
		maxTransitions:   maxTransitions,
		serveAddr:        serveAddr,
		configSource:     configSource,
		settingPath:      settingPath,
	}
}

// Home returns the base directory.
func (c *AppConfig) Home() string {
	return c.home
}

// AgentBin returns the agent binary path.
func (c *AppConfig) AgentBin() string {
	return c.agentBin
}

// AgentArgs returns a copy of the agent argument template.
func (c *AppConfig) AgentArgs() []string {
	return append([]string(nil), c.agentArgs...)
}

// AgentTimeout returns the default per-phase agent timeout.
func (c *AppConfig) AgentTimeout() time.Duration {
	return c.agentTimeout
}

func (c *AppConfig) LogLevel() string {
	return c.logLevel
}

func (c *AppConfig) LogFormat() string {
	return c.logFormat
}

// MaxModifiedFiles returns how many modified paths a status lists.
func (c *AppConfig) MaxModifiedFiles() int {
	return c.maxModifiedFiles
}

// RecentCommits returns how many commit subjects a status lists.
func (c *AppConfig) RecentCommits() int {
	return c.recentCommits
}

// Workflow returns the workflow definition path.
func (c *AppConfig) Workflow() string {
	return c.workflow
}

func (c *AppConfig) MaxTransitions() int {
	return c.maxTransitions
}

func (c *AppConfig) ServeAddr() string {
	return c.serveAddr
}

// ConfigSource returns the source of configuration.
func (c *AppConfig) ConfigSource() string {
	return c.configSource
}

// SettingPath returns the path to setting.yaml if it was loaded.
func (c *AppConfig) SettingPath() string {
	return c.settingPath
}
