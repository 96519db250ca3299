package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"
	"pkt.systems/stackd/client"
	"pkt.systems/stackd/internal/svcfields"
)

const defaultClientServer = "127.0.0.1:9342"

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	server      string
	timeout     time.Duration
	dialTimeout time.Duration
}

func addClientConnectionFlags(cmd *cobra.Command) *clientCLIConfig {
	cfg := &clientCLIConfig{}
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultClientServer, "stackd server address (host:port, tcp://host:port or unix:///path)")
	flags.Duration("timeout", 0, "per-request timeout including time spent parked (0 waits indefinitely)")
	flags.Duration("dial-timeout", client.DefaultDialTimeout, "connection establishment timeout")
	mustBindFlag("client.server", "STACKD_SERVER", flags.Lookup("server"))
	mustBindFlag("client.timeout", "STACKD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag("client.dial-timeout", "STACKD_CLIENT_DIAL_TIMEOUT", flags.Lookup("dial-timeout"))
	return cfg
}

func (c *clientCLIConfig) load() {
	c.server = strings.TrimSpace(viper.GetString("client.server"))
	if c.server == "" {
		c.server = defaultClientServer
	}
	c.timeout = viper.GetDuration("client.timeout")
	c.dialTimeout = viper.GetDuration("client.dial-timeout")
}

func (c *clientCLIConfig) newClient(baseLogger pslog.Logger) (*client.Client, pslog.Logger, error) {
	c.load()
	logger := svcfields.WithSubsystem(baseLogger, "cli.client")
	if level, ok := pslog.ParseLevel(logLevelSetting()); ok {
		logger = logger.LogLevel(level)
	}
	cli, err := client.New(c.server,
		client.WithLogger(logger),
		client.WithTimeout(c.timeout),
		client.WithDialTimeout(c.dialTimeout),
	)
	if err != nil {
		return nil, nil, err
	}
	return cli, logger, nil
}

// describeClientError turns the protocol's sentinel outcomes into CLI
// friendly messages.
func describeClientError(op string, err error) error {
	switch {
	case errors.Is(err, client.ErrBusy):
		return fmt.Errorf("%s: server busy, retry later", op)
	case errors.Is(err, client.ErrClosed):
		return fmt.Errorf("%s: connection closed without reply (evicted or shutting down)", op)
	case errors.Is(err, client.ErrPayloadTooLarge):
		return fmt.Errorf("%s: payload exceeds %d bytes", op, client.MaxPayload)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func readPayloadArg(arg string, stdin io.Reader) ([]byte, error) {
	if arg != "-" {
		return []byte(arg), nil
	}
	data, err := io.ReadAll(io.LimitReader(stdin, client.MaxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return data, nil
}

func newPushCommand(cfg *clientCLIConfig, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <payload|->",
		Short: "Push one item onto the stack (\"-\" reads the item from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			payload, err := readPayloadArg(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			cli, logger, err := cfg.newClient(baseLogger)
			if err != nil {
				return err
			}
			start := time.Now()
			if err := cli.Push(cmd.Context(), payload); err != nil {
				return describeClientError("push", err)
			}
			logger.Debug("push complete", "server", cfg.server, "bytes", len(payload), "elapsed", time.Since(start))
			return nil
		},
	}
	return cmd
}

type popResult struct {
	Bytes   int    `yaml:"bytes"`
	Size    string `yaml:"size"`
	Payload string `yaml:"payload"`
	Elapsed string `yaml:"elapsed"`
}

func newPopCommand(cfg *clientCLIConfig, baseLogger pslog.Logger) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "pop",
		Short: "Pop the top item from the stack, waiting while it is empty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			switch output {
			case "raw", "yaml":
			default:
				return fmt.Errorf("--output must be raw or yaml (got %q)", output)
			}
			cli, logger, err := cfg.newClient(baseLogger)
			if err != nil {
				return err
			}
			start := time.Now()
			item, err := cli.Pop(cmd.Context())
			if err != nil {
				return describeClientError("pop", err)
			}
			elapsed := time.Since(start)
			logger.Debug("pop complete", "server", cfg.server, "bytes", len(item), "elapsed", elapsed)
			return writePopResult(cmd.OutOrStdout(), output, item, elapsed)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "raw", "output format (raw, yaml)")
	return cmd
}

func writePopResult(w io.Writer, output string, item []byte, elapsed time.Duration) error {
	if output == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(popResult{
			Bytes:   len(item),
			Size:    humanizeBytes(int64(len(item))),
			Payload: string(item),
			Elapsed: elapsed.String(),
		}); err != nil {
			return err
		}
		return enc.Close()
	}
	if _, err := w.Write(item); err != nil {
		return err
	}
	if w == os.Stdout && len(item) > 0 && item[len(item)-1] != '\n' {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}
