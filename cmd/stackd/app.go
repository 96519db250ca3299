package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/stackd"
	"pkt.systems/stackd/internal/confwatch"
	"pkt.systems/stackd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("STACKD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "stackd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := stackd.DefaultConfigPath(); err == nil {
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
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg stackd.Config

	cmd := &cobra.Command{
		Use:           "stackd",
		Short:         "stackd is a TCP stack broker: a bounded LIFO shared by one-shot push and pop connections",
		SilenceErrors: true,
		Example: `
  # Serve on the default port with the default limits
  stackd

  # Tighter eviction and a Prometheus endpoint
  stackd --evict-after 2s --metrics-listen :9343

  # Serve on a unix socket and reload evict-after from the config file
  stackd --listen /run/stackd.sock --listen-proto unix --watch-config

  # Push and pop from another shell
  stackd push hello
  stackd pop
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to stackd",
				"app", "stackd",
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

			if level, ok := pslog.ParseLevel(logLevelSetting()); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := stackd.NewServer(cfg, stackd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := server.Config().ShutdownTimeout

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if viper.GetBool("watch-config") {
				if configFile == "" {
					cliLogger.Warn("config watch requested without a config file; ignoring")
				} else {
					watcher, err := confwatch.New(configFile, func(context.Context) error {
						d, changed, err := reloadEvictAfter(configFile, server.SetEvictAfter)
						switch {
						case err != nil:
							return err
						case changed:
							cliLogger.Info("config reload applied", "evict_after", d)
						case d > 0:
							cliLogger.Debug("config reload unchanged", "evict_after", d)
						}
						return nil
					}, confwatch.WithLogger(logger))
					if err != nil {
						return err
					}
					go func() {
						if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							cliLogger.Warn("config watch stopped", "error", err)
						}
					}()
				}
			}

			if err := server.Start(); err != nil && !errors.Is(err, stackd.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.stackd/"+stackd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error, none)")
	clientCfg := addClientConnectionFlags(cmd)

	flags := cmd.Flags()
	flags.String("listen", stackd.DefaultListen, "listen address (socket path when --listen-proto=unix)")
	flags.String("listen-proto", stackd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.Int("max-connections", stackd.DefaultMaxConnections, "maximum simultaneously admitted connections")
	flags.Int("stack-capacity", stackd.DefaultStackCapacity, "maximum number of items held on the stack")
	flags.Duration("evict-after", stackd.DefaultEvictAfter, "age at which the oldest connection is evicted to admit a new one at the connection limit")
	flags.String("read-buffer", humanizeBytes(stackd.DefaultReadBufferSize), "per-connection read buffer size (e.g. 512B, 4KiB)")
	flags.Duration("write-timeout", stackd.DefaultWriteTimeout, "deadline for writing a reply")
	flags.Duration("busy-linger", stackd.DefaultBusyLinger, "how long a rejected connection is drained after the busy byte")
	flags.Duration("shutdown-timeout", stackd.DefaultShutdownTimeout, "graceful shutdown budget")
	flags.String("metrics-listen", stackd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables; default off)")
	flags.String("pprof-listen", stackd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("watch-config", false, "reload evict-after when the config file changes")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("STACKD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level",
		"listen", "listen-proto", "max-connections", "stack-capacity", "evict-after",
		"read-buffer", "write-timeout", "busy-linger", "shutdown-timeout",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"watch-config",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newPushCommand(clientCfg, baseLogger))
	cmd.AddCommand(newPopCommand(clientCfg, baseLogger))
	cmd.AddCommand(newBenchCommand(clientCfg, baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func logLevelSetting() string {
	level := strings.TrimSpace(viper.GetString("log-level"))
	if level == "" {
		return "info"
	}
	return level
}

func bindConfig(cfg *stackd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MaxConnections = viper.GetInt("max-connections")
	cfg.StackCapacity = viper.GetInt("stack-capacity")
	cfg.EvictAfter = viper.GetDuration("evict-after")
	if readBuf := strings.TrimSpace(viper.GetString("read-buffer")); readBuf != "" {
		size, err := humanize.ParseBytes(readBuf)
		if err != nil {
			return fmt.Errorf("parse read-buffer: %w", err)
		}
		cfg.ReadBufferSize = int(size)
	}
	cfg.WriteTimeout = viper.GetDuration("write-timeout")
	cfg.BusyLinger = viper.GetDuration("busy-linger")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.MetricsListenSet = viper.IsSet("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.PprofListenSet = viper.IsSet("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return nil
}

// reloadEvictAfter re-reads path and applies its evict-after value. It
// returns the value read and whether apply reported a change; a file without
// the key leaves the running value untouched.
func reloadEvictAfter(path string, apply func(d time.Duration) bool) (time.Duration, bool, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return 0, false, fmt.Errorf("read config file %q: %w", path, err)
	}
	if !v.IsSet("evict-after") {
		return 0, false, nil
	}
	d := v.GetDuration("evict-after")
	if d <= 0 {
		return 0, false, fmt.Errorf("config: evict-after must be > 0 (got %q)", v.GetString("evict-after"))
	}
	return d, apply(d), nil
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
