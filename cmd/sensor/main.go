package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Amr204/Analytical-Intelligence/internal/sensor"
	"github.com/Amr204/Analytical-Intelligence/internal/tailer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sensor",
		Short: "Endpoint sensor shipping logs and flows to the analyzer",
		Long: `The sensor tails local log files and ships their contents to the
central analyzer over its ingestion API. One subcommand per source:
auth logs, IDS EVE logs and flow-export logs.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("server", "http://localhost:8080", "analyzer base URL")
	root.PersistentFlags().String("key", "", "shared ingest key")
	root.PersistentFlags().String("device-id", "", "unique device identifier (required)")
	root.PersistentFlags().String("hostname", "", "reported hostname (default: OS hostname)")
	root.PersistentFlags().String("device-ip", "", "reported device IP")
	root.PersistentFlags().Bool("from-beginning", false, "read the file from the start instead of the end")
	root.PersistentFlags().String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")

	viper.SetEnvPrefix("SENSOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.BindPFlags(root.PersistentFlags())

	root.AddCommand(
		newTailCmd("auth", "/var/log/auth.log", "Ship auth log lines",
			func(c *sensor.Client) func(context.Context, string) error { return c.PostAuthLine }),
		newTailCmd("ids", "/var/log/suricata/eve.json", "Ship IDS EVE alerts",
			func(c *sensor.Client) func(context.Context, string) error { return c.PostIDSLine }),
		newTailCmd("flow", "/var/log/flows.jsonl", "Ship flow-export records",
			func(c *sensor.Client) func(context.Context, string) error { return c.PostFlowLine }),
	)
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}

// newTailCmd builds one tail-and-ship subcommand.
func newTailCmd(name, defaultPath, short string, sendFn func(*sensor.Client) func(context.Context, string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name + " [file]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultPath
			if len(args) == 1 {
				path = args[0]
			}
			return runTail(cmd.Context(), name, path, sendFn)
		},
	}
	return cmd
}

func runTail(parent context.Context, source, path string, sendFn func(*sensor.Client) func(context.Context, string) error) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(viper.GetString("log-level")),
	}))
	slog.SetDefault(logger)

	deviceID := viper.GetString("device-id")
	if deviceID == "" {
		return fmt.Errorf("--device-id is required (or SENSOR_DEVICE_ID)")
	}

	client := sensor.NewClient(
		viper.GetString("server"),
		viper.GetString("key"),
		deviceID,
		viper.GetString("hostname"),
		viper.GetString("device-ip"),
		logger,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t := tailer.New(path, 1000, logger)
	if viper.GetBool("from-beginning") {
		t.FromBeginning()
	}
	defer t.Stop()

	logger.Info("Sensor started",
		"source", source,
		"file", path,
		"server", viper.GetString("server"),
		"device_id", deviceID)

	sensor.Ship(ctx, t.Start(ctx), sendFn(client), logger)
	logger.Info("Sensor stopped", "source", source)
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
