// Package config loads the TOML configuration file and turns it into
// supervisor options.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/sidekick/internal/logger"
	"github.com/loykin/sidekick/internal/probe"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/supervisor"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	LogLevel        string        `toml:"log_level" mapstructure:"log_level"`
	DataDir         string        `toml:"data_dir" mapstructure:"data_dir"`
	Journal         string        `toml:"journal" mapstructure:"journal"`
	Listen          string        `toml:"listen" mapstructure:"listen"`
	BackendPatterns []string      `toml:"backend_patterns" mapstructure:"backend_patterns"`
	Log             *LogConfig    `toml:"log" mapstructure:"log"`
	Health          *HealthConfig `toml:"health" mapstructure:"health"`
	Primary         *ProcConfig   `toml:"primary" mapstructure:"primary"`
	Auxiliary       *ProcConfig   `toml:"auxiliary" mapstructure:"auxiliary"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type HealthConfig struct {
	Attempts int           `toml:"attempts" mapstructure:"attempts"`
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
	Settle   time.Duration `toml:"settle" mapstructure:"settle"`
}

type ProcConfig struct {
	Name     string     `toml:"name" mapstructure:"name"`
	Command  string     `toml:"command" mapstructure:"command"`
	Args     []string   `toml:"args" mapstructure:"args"`
	WorkDir  string     `toml:"workdir" mapstructure:"workdir"`
	Env      []string   `toml:"env" mapstructure:"env"`
	Port     int        `toml:"port" mapstructure:"port"`
	PortFlag string     `toml:"port_flag" mapstructure:"port_flag"`
	URL      string     `toml:"url" mapstructure:"url"`
	TaskKill bool       `toml:"task_kill" mapstructure:"task_kill"`
	Probe    bool       `toml:"probe" mapstructure:"probe"`
	Log      *LogConfig `toml:"log" mapstructure:"log"`
}

// Load parses the TOML file at path and validates it.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	if fc.Primary == nil || fc.Primary.Command == "" {
		return nil, fmt.Errorf("config: primary process requires a command")
	}
	if fc.Primary.Name == "" {
		fc.Primary.Name = "primary"
	}
	if fc.Auxiliary != nil && fc.Auxiliary.Command != "" && fc.Auxiliary.Name == "" {
		fc.Auxiliary.Name = "auxiliary"
	}
	return &fc, nil
}

// JournalPath resolves the lifecycle journal location. A relative journal
// name lands under data_dir; an empty one defaults to sidekick.db there.
// No data_dir and no journal disables journaling.
func (fc *FileConfig) JournalPath() string {
	j := fc.Journal
	if j == "" {
		if fc.DataDir == "" {
			return ""
		}
		j = "sidekick.db"
	}
	if !filepath.IsAbs(j) && fc.DataDir != "" {
		j = filepath.Join(fc.DataDir, j)
	}
	return j
}

// Options maps the file onto supervisor options.
func (fc *FileConfig) Options() supervisor.Options {
	opts := supervisor.Options{
		BackendPatterns: fc.BackendPatterns,
	}
	if fc.Health != nil {
		opts.Health = probe.Policy{
			Attempts: fc.Health.Attempts,
			Interval: fc.Health.Interval,
			Settle:   fc.Health.Settle,
		}
	}
	if fc.Primary != nil {
		opts.Primary = fc.processOptions(*fc.Primary)
	}
	if fc.Auxiliary != nil && fc.Auxiliary.Command != "" {
		opts.Auxiliary = fc.processOptions(*fc.Auxiliary)
	}
	return opts
}

func (fc *FileConfig) processOptions(pc ProcConfig) supervisor.ProcessOptions {
	return supervisor.ProcessOptions{
		Spec: process.Spec{
			Name:        pc.Name,
			Command:     pc.Command,
			Args:        pc.Args,
			WorkDir:     pc.WorkDir,
			Env:         pc.Env,
			UseTaskKill: pc.TaskKill,
			Log:         fc.mergedLog(pc.Log),
		},
		PreferredPort: pc.Port,
		PortFlag:      pc.PortFlag,
		URL:           pc.URL,
		Probe:         pc.Probe,
	}
}

// mergedLog starts from the top-level log defaults and overrides with the
// per-process section.
func (fc *FileConfig) mergedLog(pl *LogConfig) logger.Config {
	var cfg logger.Config
	if fc.Log != nil {
		cfg = logger.Config{
			Dir:        fc.Log.Dir,
			StdoutPath: fc.Log.Stdout,
			StderrPath: fc.Log.Stderr,
			MaxSizeMB:  fc.Log.MaxSizeMB,
			MaxBackups: fc.Log.MaxBackups,
			MaxAgeDays: fc.Log.MaxAgeDays,
			Compress:   fc.Log.Compress,
		}
	}
	if pl == nil {
		return cfg
	}
	if pl.Dir != "" {
		cfg.Dir = pl.Dir
	}
	if pl.Stdout != "" {
		cfg.StdoutPath = pl.Stdout
	}
	if pl.Stderr != "" {
		cfg.StderrPath = pl.Stderr
	}
	if pl.MaxSizeMB != 0 {
		cfg.MaxSizeMB = pl.MaxSizeMB
	}
	if pl.MaxBackups != 0 {
		cfg.MaxBackups = pl.MaxBackups
	}
	if pl.MaxAgeDays != 0 {
		cfg.MaxAgeDays = pl.MaxAgeDays
	}
	if pl.Compress {
		cfg.Compress = true
	}
	return cfg
}
