package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	supervisor "github.com/oarkflow/gateway-supervisor"
	"github.com/oarkflow/gateway-supervisor/bucket"
	"github.com/oarkflow/gateway-supervisor/localsandbox"
)

func newServeCmd() *cobra.Command {
	var (
		noEnsure bool
		keep     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and its control server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			logger, err := supervisor.SetupLogging(cfg.Logging)
			if err != nil {
				return err
			}
			release, err := supervisor.AcquirePIDFile(cfg.Server.PIDFile)
			if err != nil {
				return err
			}
			defer release()
			logger.Info("Supervisor: starting", slog.String("config", cfgFile), slog.String("addr", cfg.Server.Addr))

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			store, err := bucket.FromConfig(ctx, cfg.Storage)
			if err != nil {
				return fmt.Errorf("configuring durable storage: %w", err)
			}
			if store == nil {
				logger.Info("Supervisor: durable storage not configured", slog.Any("missing", cfg.Storage.Missing()))
			}
			sb := localsandbox.New(localsandbox.Config{
				Shell:  cfg.Sandbox.Shell,
				LogDir: cfg.Sandbox.LogDir,
				Logger: logger,
			})
			sup, err := supervisor.New(supervisor.Options{
				Config:  cfg,
				Sandbox: sb,
				Store:   store,
				Logger:  logger,
			})
			if err != nil {
				return err
			}

			var wg sync.WaitGroup
			if cfg.Secrets.EnvFile != "" {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := sup.WatchSecrets(ctx); err != nil {
						logger.Error("Watcher: stopped", slog.String("err", err.Error()))
					}
				}()
			}
			if !noEnsure {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := sup.EnsureGateway(ctx); err != nil {
						logger.Error("Supervisor: initial gateway start failed", slog.String("err", err.Error()))
					}
				}()
			}
			serveErr := make(chan error, 1)
			go func() { serveErr <- sup.Serve(ctx, cfg.Server.Addr) }()

			sigC := make(chan os.Signal, 1)
			signal.Notify(sigC, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigC)
			for {
				select {
				case sig := <-sigC:
					if sig == syscall.SIGHUP {
						logger.Info("Supervisor: SIGHUP received, restarting gateway")
						wg.Add(1)
						go func() {
							defer wg.Done()
							if _, err := sup.Restart(ctx); err != nil {
								logger.Error("Supervisor: restart failed", slog.String("err", err.Error()))
							}
						}()
						continue
					}
					logger.Info("Supervisor: shutdown signal received, exiting")
					cancel()
					err := <-serveErr
					wg.Wait()
					shutdown(sb, keep, logger)
					return err
				case err := <-serveErr:
					cancel()
					wg.Wait()
					shutdown(sb, keep, logger)
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVar(&noEnsure, "no-ensure", false, "Do not start the gateway until the first request")
	cmd.Flags().BoolVar(&keep, "keep-gateway", false, "Leave gateway processes running on exit")
	return cmd
}

func shutdown(sb *localsandbox.Sandbox, keep bool, logger *slog.Logger) {
	if keep {
		return
	}
	logger.Info("Supervisor: stopping sandbox processes")
	sb.Close()
}

// loadConfig falls back to defaults when the default config file is absent.
func loadConfig(path string) (*supervisor.Config, error) {
	cfg, err := supervisor.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "config %s not found, using defaults\n", path)
		return supervisor.DefaultConfig(), nil
	}
	return nil, err
}
