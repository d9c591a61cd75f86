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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/proverd"
	"pkt.systems/proverd/internal/svcfields"
	"pkt.systems/pslog"
)

const defaultConfigFileName = "proverd.yaml"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("PROVERD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "proverd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
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

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".proverd", defaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
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
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg proverd.Config

	cmd := &cobra.Command{
		Use:           "proverd",
		Short:         "proverd is a single-binary gateway that supervises a pool of proof-assistant workers and routes sessions to them",
		SilenceErrors: true,
		Example: `
  # Eight pet-server workers starting at port 9500
  proverd --pool-size 8 --worker-command "pet-server --port {port}"

  # Disk-backed store so extra gateway-only processes can share the pool
  proverd --store disk:///var/lib/proverd --worker-command "pet-server --port {port}"

  # Extra routing process against the shared store (no supervisor)
  proverd --store disk:///var/lib/proverd --gateway-only --listen :9475

  # Restart workers above 4 GiB resident memory
  proverd --memory-ceiling 4GiB --worker-command "pet-server --port {port}"
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to proverd",
				"app", "proverd",
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

			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := proverd.NewServer(cfg, proverd.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
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

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.proverd/"+defaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", proverd.DefaultListen, "gateway listen address")
	flags.String("metrics-listen", proverd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", proverd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("store", proverd.DefaultStore, "coordination store URL (mem://, disk:///path)")
	flags.Int("pool-size", proverd.DefaultPoolSize, "number of worker slots")
	flags.Int("base-port", proverd.DefaultBasePort, "first worker listen port; slot i gets base-port+i")
	flags.String("worker-command", "", "worker command template; {port} is replaced with the slot's port")
	flags.Bool("gateway-only", false, "skip the supervisor and only route over a shared store")
	memoryCeilingDefault := humanizeMB(proverd.DefaultMemoryCeilingMB)
	flags.String("memory-ceiling", memoryCeilingDefault, "per-worker resident memory restart threshold (e.g. 4GiB; 0 disables)")
	flags.Duration("readiness-grace", 0, "how long a fresh worker may take to answer its readiness probe (0 uses default)")
	flags.Duration("sample-interval", 0, "worker memory sampling cadence (0 uses default)")
	flags.Duration("drain-timeout", 0, "how long a restart waits for the in-flight request (0 uses default)")
	flags.Duration("restart-backoff-base", 0, "initial delay between failed worker relaunches (0 uses default)")
	flags.Duration("restart-backoff-max", 0, "maximum delay between failed worker relaunches (0 uses default)")
	flags.Float64("restart-backoff-multiplier", 0, "backoff multiplier between failed worker relaunches (0 uses default)")
	flags.Int("max-restart-attempts", 0, "consecutive failed relaunches before a slot is marked dead (0 uses default)")
	flags.Duration("worker-timeout", proverd.DefaultWorkerTimeout, "per-request worker call timeout")
	flags.Duration("lock-ttl", 0, "worker lock TTL; must exceed worker-timeout (0 uses default)")
	flags.Duration("session-ttl", proverd.DefaultSessionTTL, "evict sessions idle longer than this (0 disables)")
	flags.Duration("sweeper-interval", proverd.DefaultSweeperInterval, "idle-session sweep cadence")
	flags.Duration("shutdown-timeout", proverd.DefaultShutdownTimeout, "overall graceful shutdown timeout")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable OpenTelemetry spans on gateway handlers")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		var flag *pflag.Flag
		if flag = flags.Lookup(name); flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("PROVERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "store",
		"pool-size", "base-port", "worker-command", "gateway-only",
		"memory-ceiling", "readiness-grace", "sample-interval", "drain-timeout",
		"restart-backoff-base", "restart-backoff-max", "restart-backoff-multiplier", "max-restart-attempts",
		"worker-timeout", "lock-ttl", "session-ttl", "sweeper-interval", "shutdown-timeout",
		"otlp-endpoint", "disable-http-tracing", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *proverd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.Store = viper.GetString("store")
	cfg.PoolSize = viper.GetInt("pool-size")
	cfg.BasePort = viper.GetInt("base-port")
	cfg.WorkerCommand = splitCommand(viper.GetString("worker-command"))
	cfg.GatewayOnly = viper.GetBool("gateway-only")
	switch ceiling := strings.TrimSpace(viper.GetString("memory-ceiling")); ceiling {
	case "":
	case "0":
		// Validate treats zero as unset, so an explicit disable goes negative.
		cfg.MemoryCeilingMB = -1
	default:
		size, err := humanize.ParseBytes(ceiling)
		if err != nil {
			return fmt.Errorf("parse memory-ceiling: %w", err)
		}
		cfg.MemoryCeilingMB = float64(size) / (1 << 20)
	}
	cfg.ReadinessGrace = viper.GetDuration("readiness-grace")
	cfg.SampleInterval = viper.GetDuration("sample-interval")
	cfg.DrainTimeout = viper.GetDuration("drain-timeout")
	cfg.RestartBackoffBase = viper.GetDuration("restart-backoff-base")
	cfg.RestartBackoffMax = viper.GetDuration("restart-backoff-max")
	cfg.RestartBackoffMultiplier = viper.GetFloat64("restart-backoff-multiplier")
	cfg.MaxRestartAttempts = viper.GetInt("max-restart-attempts")
	cfg.WorkerTimeout = viper.GetDuration("worker-timeout")
	cfg.LockTTL = viper.GetDuration("lock-ttl")
	cfg.SessionTTL = viper.GetDuration("session-ttl")
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = -1
	}
	cfg.SweeperInterval = viper.GetDuration("sweeper-interval")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = proverd.DefaultShutdownTimeout
	}
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	return nil
}

// splitCommand breaks a worker command template into argv on whitespace.
// Worker commands with embedded spaces in arguments should use a wrapper
// script instead.
func splitCommand(command string) []string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func humanizeMB(mb float64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(mb)*(1<<20)), " ", "")
}
