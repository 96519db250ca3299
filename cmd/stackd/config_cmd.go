package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/stackd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage stackd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.stackd/" + stackd.DefaultConfigFileName
	if path, err := stackd.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default stackd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				path, err := stackd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string `yaml:"listen"`
	ListenProto            string `yaml:"listen-proto"`
	MaxConnections         int    `yaml:"max-connections"`
	StackCapacity          int    `yaml:"stack-capacity"`
	EvictAfter             string `yaml:"evict-after"`
	ReadBuffer             string `yaml:"read-buffer"`
	WriteTimeout           string `yaml:"write-timeout"`
	BusyLinger             string `yaml:"busy-linger"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	LogLevel               string `yaml:"log-level"`
	WatchConfig            bool   `yaml:"watch-config"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Listen:                 stackd.DefaultListen,
		ListenProto:            stackd.DefaultListenProto,
		MaxConnections:         stackd.DefaultMaxConnections,
		StackCapacity:          stackd.DefaultStackCapacity,
		EvictAfter:             stackd.DefaultEvictAfter.String(),
		ReadBuffer:             humanizeBytes(stackd.DefaultReadBufferSize),
		WriteTimeout:           stackd.DefaultWriteTimeout.String(),
		BusyLinger:             stackd.DefaultBusyLinger.String(),
		ShutdownTimeout:        stackd.DefaultShutdownTimeout.String(),
		MetricsListen:          stackd.DefaultMetricsListen,
		PprofListen:            stackd.DefaultPprofListen,
		EnableProfilingMetrics: false,
		OTLPEndpoint:           "",
		LogLevel:               "info",
		WatchConfig:            false,
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
