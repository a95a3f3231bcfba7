package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/cam3ron2/pr-insights/internal/app"
	"github.com/cam3ron2/pr-insights/internal/config"
	"github.com/cam3ron2/pr-insights/internal/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const telemetryShutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "pr-insights: %v\n", err)
		os.Exit(1)
	}
}

// environment is the process-wide state every command runs on.
type environment struct {
	cfg       *config.Config
	logger    *zap.Logger
	runtime   *app.Runtime
	telemetry telemetry.Runtime
	stderr    io.Writer
}

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	envFile    string
}

func bootstrap(opts *options, stderr io.Writer) (*environment, error) {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	configFile, err := os.Open(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer func() {
		_ = configFile.Close()
	}()

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.Server.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      telemetry.DefaultServiceName,
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
		Logger:           logger,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	env := &environment{
		cfg:       cfg,
		logger:    logger,
		telemetry: telemetryRuntime,
		stderr:    stderr,
	}
	runtime, err := app.NewRuntimeFromConfig(cfg, logger)
	if err != nil {
		env.close()
		return nil, fmt.Errorf("build runtime: %w", err)
	}
	env.runtime = runtime
	return env, nil
}

// shutdown stops the runtime within the configured timeout and then closes
// telemetry and the logger.
func (e *environment) shutdown() error {
	var err error
	if e.runtime != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout)
		err = e.runtime.Shutdown(ctx)
		cancel()
		if err != nil {
			err = fmt.Errorf("runtime shutdown: %w", err)
		}
	}
	e.close()
	return err
}

func (e *environment) close() {
	if e.telemetry.Shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		_ = e.telemetry.Shutdown(ctx)
		cancel()
	}
	if syncErr := e.logger.Sync(); syncErr != nil && !shouldIgnoreLoggerSyncError(syncErr) {
		_, _ = fmt.Fprintf(e.stderr, "pr-insights: sync logger: %v\n", syncErr)
	}
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// shouldIgnoreLoggerSyncError reports sync failures that stdout/stderr return
// when they are not regular files.
func shouldIgnoreLoggerSyncError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
