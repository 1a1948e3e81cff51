// Package config loads the jeeves core's runtime configuration: the
// filesystem roots the Run Manager and Sandbox Manager operate on, the
// default provider/model, and timeout and concurrency defaults. Config
// file values are overridden by JEEVES_* environment variables,
// mirroring the precedence order of the wider tool family this core
// belongs to. cmd/jeeves passes only the directory roots on to the Run
// Manager; the provider, model, timeout, iteration and concurrency
// values are loaded but not applied to a run, which uses the Run
// Manager's built-in defaults and the issue's own issue.json settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// TaskExecution holds task-execution settings read from the config.
// The Run Manager takes mode and cap from issue.json only, so these
// values are not applied to an issue.
type TaskExecution struct {
	Mode             string `yaml:"mode" mapstructure:"mode"`
	MaxParallelTasks int    `yaml:"max_parallel_tasks" mapstructure:"max_parallel_tasks"`
}

// Config is the fully resolved core configuration.
type Config struct {
	DataDir      string `yaml:"data_dir" mapstructure:"data_dir"`
	PromptsDir   string `yaml:"prompts_dir" mapstructure:"prompts_dir"`
	WorkflowsDir string `yaml:"workflows_dir" mapstructure:"workflows_dir"`
	RepoRoot     string `yaml:"repo_root" mapstructure:"repo_root"`

	DefaultProvider string `yaml:"default_provider" mapstructure:"default_provider"`
	DefaultModel    string `yaml:"default_model" mapstructure:"default_model"`

	InactivityTimeoutSec float64 `yaml:"inactivity_timeout_sec" mapstructure:"inactivity_timeout_sec"`
	IterationTimeoutSec  float64 `yaml:"iteration_timeout_sec" mapstructure:"iteration_timeout_sec"`
	MaxIterations        float64 `yaml:"max_iterations" mapstructure:"max_iterations"`

	Concurrency struct {
		MaxParallelTasks int `yaml:"max_parallel_tasks" mapstructure:"max_parallel_tasks"`
	} `yaml:"concurrency" mapstructure:"concurrency"`

	TaskExecution TaskExecution `yaml:"task_execution" mapstructure:"task_execution"`

	Debug bool `yaml:"debug" mapstructure:"debug"`
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("data_dir", filepath.Join(home, ".jeeves"))
	v.SetDefault("prompts_dir", filepath.Join(home, ".jeeves", "prompts"))
	v.SetDefault("workflows_dir", filepath.Join(home, ".jeeves", "workflows"))
	v.SetDefault("repo_root", "")

	v.SetDefault("default_provider", "claude")
	v.SetDefault("default_model", "")

	v.SetDefault("inactivity_timeout_sec", 600)
	v.SetDefault("iteration_timeout_sec", 3600)
	v.SetDefault("max_iterations", 10)

	v.SetDefault("concurrency.max_parallel_tasks", 3)
	v.SetDefault("task_execution.mode", "sequential")
	v.SetDefault("task_execution.max_parallel_tasks", 3)

	v.SetDefault("debug", false)
}

func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("data_dir", "JEEVES_DATA_DIR")
	_ = v.BindEnv("prompts_dir", "JEEVES_PROMPTS_DIR")
	_ = v.BindEnv("workflows_dir", "JEEVES_WORKFLOWS_DIR")
	_ = v.BindEnv("repo_root", "JEEVES_REPO_ROOT")
	_ = v.BindEnv("default_provider", "JEEVES_PROVIDER")
	_ = v.BindEnv("default_model", "JEEVES_MODEL")
	_ = v.BindEnv("inactivity_timeout_sec", "JEEVES_INACTIVITY_TIMEOUT_SEC")
	_ = v.BindEnv("iteration_timeout_sec", "JEEVES_ITERATION_TIMEOUT_SEC")
	_ = v.BindEnv("max_iterations", "JEEVES_MAX_ITERATIONS")
	_ = v.BindEnv("concurrency.max_parallel_tasks", "JEEVES_MAX_PARALLEL_TASKS")
	_ = v.BindEnv("debug", "JEEVES_DEBUG")
}

// Load resolves the config file at cfgFile (or, if empty, ./config.yaml
// when present, else $XDG_CONFIG_HOME/jeeves/config.yaml, with
// ~/.config standing in for an unset XDG_CONFIG_HOME), applies JEEVES_*
// environment overrides, and returns
// the resolved Config. A missing config file is not an error: defaults
// and environment variables still apply.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if cwd, err := os.Getwd(); err == nil {
			if _, err := os.Stat(filepath.Join(cwd, "config.yaml")); err == nil {
				v.AddConfigPath(cwd)
			}
		}
		v.AddConfigPath(defaultConfigDir())
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "jeeves")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "jeeves")
}
