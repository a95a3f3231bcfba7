package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cam3ron2/pr-insights/internal/enhance"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "config/local.yaml"
	defaultEnvFile    = "config/.env"
)

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "pr-insights",
		Short:         "Attribute who closed each pull request and serve statistics over the result",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", defaultEnvFile, "optional dotenv file for variables not already set")

	cmd.AddCommand(
		newServeCommand(opts),
		newStatusCommand(opts),
		newEnhanceCommand(opts),
	)
	return cmd
}

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control surface, statistics API and metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
}

func newStatusCommand(opts *options) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report close-actor coverage of the record files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := bootstrap(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			status, statusErr := env.runtime.Auditor().CheckExistingDataStatus(cmd.Context())
			if err := env.shutdown(); err != nil && statusErr == nil {
				statusErr = err
			}
			if statusErr != nil {
				return fmt.Errorf("check data status: %w", statusErr)
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			return writeStatusTable(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the status as JSON")
	return cmd
}

func newEnhanceCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "enhance",
		Short: "Run one enhancement job in the foreground and print its final progress",
		Long: "Run one enhancement job in the foreground. SIGINT or SIGTERM stops the job at " +
			"the next batch boundary; records attributed so far are kept.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := bootstrap(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			progress, runErr := runEnhance(cmd.Context(), env)
			if err := env.shutdown(); err != nil && runErr == nil {
				runErr = err
			}
			if runErr != nil {
				return runErr
			}
			if err := writeJSON(cmd.OutOrStdout(), progress); err != nil {
				return err
			}
			if progress.Status == enhance.StatusError {
				return fmt.Errorf("enhancement job failed: %s", progress.Error)
			}
			return nil
		},
	}
}

func runServe(cmd *cobra.Command, opts *options) error {
	env, err := bootstrap(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              env.cfg.Server.ListenAddr,
		Handler:           env.runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serverErrCh := make(chan error, 1)
	go func() {
		env.logger.Info("http server starting", zap.String("addr", env.cfg.Server.ListenAddr))
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			serverErrCh <- serveErr
		}
		close(serverErrCh)
	}()

	var runErr error
	select {
	case <-rootCtx.Done():
		env.logger.Info("shutdown signal received")
	case serveErr := <-serverErrCh:
		if serveErr != nil {
			runErr = fmt.Errorf("http server failed: %w", serveErr)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), env.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("http server shutdown: %w", err)
	}
	env.logger.Info("shutdown complete")
	if err := env.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// runEnhance starts a job and waits for it. A signal stops the job and then
// waits for the worker to persist what it attributed.
func runEnhance(ctx context.Context, env *environment) (enhance.Progress, error) {
	orchestrator := env.runtime.Orchestrator()

	signalCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := orchestrator.Start(signalCtx); err != nil {
		return enhance.Progress{}, fmt.Errorf("start enhancement job: %w", err)
	}
	if err := orchestrator.Wait(signalCtx); err != nil {
		env.logger.Info("stopping enhancement job")
		if stopErr := orchestrator.Stop(); stopErr != nil && !errors.Is(stopErr, enhance.ErrNotRunning) {
			return orchestrator.Progress(), fmt.Errorf("stop enhancement job: %w", stopErr)
		}
		if err := orchestrator.Wait(context.Background()); err != nil {
			return orchestrator.Progress(), fmt.Errorf("wait for enhancement job: %w", err)
		}
	}
	return orchestrator.Progress(), nil
}

func writeJSON(out io.Writer, payload any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(payload); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func writeStatusTable(out io.Writer, status enhance.DataStatus) error {
	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(writer, "KIND\tFILE\tATTRIBUTED\tTOTAL\tCOVERAGE")
	for _, file := range status.Files {
		switch {
		case file.Missing:
			_, _ = fmt.Fprintf(writer, "%s\t%s\t-\t-\tmissing\n", file.Kind, file.File)
		case file.Placeholder:
			_, _ = fmt.Fprintf(writer, "%s\t%s\t-\t-\tplaceholder\n", file.Kind, file.File)
		default:
			_, _ = fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%.2f%%\n",
				file.Kind, file.File, file.EnhancedPRs, file.TotalPRs, file.CoveragePercentage)
		}
	}
	_, _ = fmt.Fprintf(writer, "combined\t\t%d\t%d\t%.2f%%\n",
		status.EnhancedPRs, status.TotalPRs, status.CoveragePercentage)
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	_, _ = fmt.Fprintf(out, "enhanced: %t\n", status.IsEnhanced)
	return nil
}
