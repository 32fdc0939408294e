package app

import (
	"context"
	"io"
	"log/slog"

	"github.com/dimfeld/ergo-sub000/internal/ctxlog"
	"github.com/dimfeld/ergo-sub000/internal/engine"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW   io.Writer
	logW   io.Writer
	logger *slog.Logger
	config *Config
	engine *engine.Engine
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and engine.
func NewApp(outW, logW io.Writer, config *Config) (*App, error) {
	logger := newLogger(config.LogLevel, config.LogFormat, logW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	eng, err := engine.New(ctx, engine.Options{CallTimeout: config.CallTimeout})
	if err != nil {
		return nil, err
	}
	logger.Debug("Engine and sandbox initialized.")

	return &App{
		outW:   outW,
		logW:   logW,
		logger: logger,
		config: config,
		engine: eng,
	}, nil
}

// Engine returns the application's engine. This is primarily for testing.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Close tears down the engine and its sandbox.
func (a *App) Close() {
	a.engine.Close()
}
