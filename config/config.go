package config

import (
	"agentrunner/log"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agentrunner"), nil
}

// Config represents the application configuration
type Config struct {
	// DefaultProgram is the agent CLI started for new tasks.
	DefaultProgram string `json:"default_program"`
	// SkipPermissions passes the permission-skip flag to the agent CLI.
	SkipPermissions bool `json:"skip_permissions"`
	// MaxIterations is the default iteration cap for feature-mode tasks.
	MaxIterations int `json:"max_iterations"`
	// IterationTimeoutMinutes bounds a single feature-mode iteration before the
	// stuck process is force-killed.
	IterationTimeoutMinutes int `json:"iteration_timeout_minutes"`
	// TokenRetryMinutes is the delay before resuming after a token/rate-limit failure.
	TokenRetryMinutes int `json:"token_retry_minutes"`
	// OutputBufferCap is the rolling character cap on each task's output buffer.
	OutputBufferCap int `json:"output_buffer_cap"`
	// MaxConcurrentTasks bounds how many tasks run subprocesses at once;
	// further submissions queue until a slot frees.
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
	// AutoCommit commits the working tree after a feature-mode task completes.
	AutoCommit bool `json:"auto_commit"`
	// UseMessageBus joins tasks to the file-based agent message bus.
	UseMessageBus bool `json:"use_message_bus"`
	// MessageBusDir is the directory holding bus presence files.
	MessageBusDir string `json:"message_bus_dir"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultProgram:          "claude",
		SkipPermissions:         false,
		MaxIterations:           50,
		IterationTimeoutMinutes: 30,
		TokenRetryMinutes:       5,
		OutputBufferCap:         100_000,
		MaxConcurrentTasks:      3,
		AutoCommit:              false,
		UseMessageBus:           false,
		MessageBusDir:           "",
	}
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	return &config
}

// SaveConfig saves the configuration to disk
func SaveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}
