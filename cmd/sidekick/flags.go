package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type RunFlags struct {
	ConfigPath string
	Listen     string // overrides the config file's listen address
	LogLevel   string // overrides the config file's log_level
}

type CheckFlags struct {
	ConfigPath string
	Patterns   []string
	Timeout    time.Duration
}
