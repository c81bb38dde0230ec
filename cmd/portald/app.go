package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/portald"
	"pkt.systems/portald/internal/browser"
	"pkt.systems/portald/internal/svcfields"
)

// launcherFactory builds the browser-automation engine for the server.
// The stock binary carries no engine; embedders replace this from their
// own main package (or skip the CLI entirely and call portald.NewServer
// with WithLauncher).
var launcherFactory func(logger pslog.Logger) (browser.Launcher, error)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("PORTALD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "portald")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg portald.Config

	cmd := &cobra.Command{
		Use:           "portald",
		Short:         "portald serializes student-portal extraction behind a distributed per-identity lock",
		SilenceErrors: true,
		Example: `
  # In-memory lock store (single instance, tests/dev only)
  portald --store mem://

  # Redis lock store shared by several instances
  PORTALD_STORE=redis://localhost:6379/0 portald

  # Persistent credential key bundle
  portald --store redis://localhost:6379/0 --credential-bundle /var/lib/portald/credentials.pem`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to portald",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			bindConfig(&cfg)

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			if launcherFactory == nil {
				return errors.New("no browser-automation engine linked into this binary; build with a launcherFactory or embed portald.NewServer directly")
			}
			launcher, err := launcherFactory(logger)
			if err != nil {
				return fmt.Errorf("build automation engine: %w", err)
			}

			server, err := portald.NewServer(cfg,
				portald.WithLogger(logger),
				portald.WithLauncher(launcher),
			)
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "path to YAML config file")
	flags.String("listen", portald.DefaultListen, "listen address")
	flags.String("listen-proto", portald.DefaultListenProto, "listen network (tcp, tcp4, tcp6)")
	flags.String("metrics-listen", portald.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("store", portald.DefaultStore, "lock store URL (mem://, redis://host:port/db)")
	flags.String("portal-url", "", "portal root URL (empty selects the built-in default)")
	flags.String("credential-bundle", "", "path to PEM bundle holding the credential key (empty mints an ephemeral key)")
	flags.Duration("lock-staleness", portald.DefaultLockStaleness, "age after which a held lock stamp is presumed abandoned")
	flags.Duration("lock-poll", portald.DefaultLockPoll, "lock acquisition polling interval")
	flags.Duration("lock-wait", portald.DefaultLockWait, "maximum time to wait for the identity lock")
	flags.Duration("request-deadline", portald.DefaultRequestDeadline, "end-to-end request deadline enforced by the watchdog")
	flags.Duration("probe-timeout", portald.DefaultProbeTimeout, "timeout for the non-destructive session probe")
	flags.Duration("element-timeout", portald.DefaultElementTimeout, "timeout for ordinary page element waits")
	flags.String("step-policy", portald.DefaultStepPolicy, "pipeline behaviour on a soft step failure (continue or abort)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("PORTALD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	flags.VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *portald.Config) {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.Store = viper.GetString("store")
	cfg.PortalURL = viper.GetString("portal-url")
	cfg.CredentialBundle = viper.GetString("credential-bundle")
	cfg.LockStaleness = viper.GetDuration("lock-staleness")
	cfg.LockPoll = viper.GetDuration("lock-poll")
	cfg.LockWait = viper.GetDuration("lock-wait")
	cfg.RequestDeadline = viper.GetDuration("request-deadline")
	cfg.ProbeTimeout = viper.GetDuration("probe-timeout")
	cfg.ElementTimeout = viper.GetDuration("element-timeout")
	cfg.StepPolicy = viper.GetString("step-policy")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
