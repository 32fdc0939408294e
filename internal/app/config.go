package app

import (
	"errors"
	"time"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	GraphPath    string // hcl graph definition
	Serve        bool
	ListenAddr   string
	SnapshotPath string
	CallTimeout  time.Duration

	LogFormat string
	LogLevel  string
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.GraphPath == "" && !cfg.Serve {
		return nil, errors.New("GraphPath is required unless serving")
	}
	if cfg.Serve && cfg.ListenAddr == "" {
		return nil, errors.New("ListenAddr cannot be empty when serving")
	}
	if cfg.CallTimeout < 0 {
		return nil, errors.New("CallTimeout cannot be negative")
	}
	return &cfg, nil
}
