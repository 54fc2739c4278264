// SPDX-License-Identifier: GPL-3.0-or-later

// Command tcpchain simulates one TCP flow across a chain of
// point-to-point links with a lossy interface.
//
// With no flags, it runs the default four-node scenario and writes
// sixth.cwnd, sixth.pcap, and animation.xml in the current directory.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/rbmk-project/tcpchain/netsim"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	cmd := newRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "tcpchain: %s\n", err)
		return 1
	}
	return 0
}

// options contains the command line flags.
type options struct {
	configFile  string
	logFormat   string
	logLevel    string
	metricsFile string
	outputDir   string
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "tcpchain",
		Short:         "Simulate a TCP flow across a chain of lossy links",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd.Context(), opts, stdout, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "YAML scenario configuration file")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	root.Flags().StringVarP(&opts.outputDir, "output-dir", "o", ".", "directory for the output files (empty disables them)")
	root.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this file")

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			dump, err := config.Dumps()
			if err != nil {
				return err
			}
			_, err = io.WriteString(stdout, dump)
			return err
		},
	})
	return root
}

// loadConfig returns the default configuration when path is empty.
func loadConfig(path string) (*netsim.Config, error) {
	if path == "" {
		return netsim.DefaultConfig(), nil
	}
	return netsim.ReadConfigFile(path)
}

// newLogger creates the logger selected by the flags.
func newLogger(opts *options, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	handlerOptions := &slog.HandlerOptions{Level: level}
	switch opts.logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOptions)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOptions)), nil
	default:
		return nil, fmt.Errorf("--log-format: unknown format %q", opts.logFormat)
	}
}

// summary is the run summary printed on the standard output.
type summary struct {
	SimulationID    string        `yaml:"simulationId"`
	PacketsSent     uint32        `yaml:"packetsSent"`
	SendFailures    uint32        `yaml:"sendFailures"`
	BytesReceived   uint64        `yaml:"bytesReceived"`
	Drops           int           `yaml:"drops"`
	QueueDrops      int           `yaml:"queueDrops"`
	CwndSamples     int           `yaml:"cwndSamples"`
	Retransmitted   uint64        `yaml:"bytesRetransmitted"`
	FastRetransmits uint64        `yaml:"fastRetransmits"`
	Timeouts        uint64        `yaml:"timeouts"`
	EndTime         time.Duration `yaml:"endTime"`
}

func runScenario(ctx context.Context, opts *options, stdout, stderr io.Writer) error {
	logger, err := newLogger(opts, stderr)
	if err != nil {
		return err
	}
	config, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}
	if opts.outputDir != "" {
		if err := os.MkdirAll(opts.outputDir, 0755); err != nil {
			return err
		}
	}
	var metrics *netsim.Metrics
	if opts.metricsFile != "" {
		metrics = netsim.NewMetrics()
	}

	scenario, err := netsim.NewScenario(config, &netsim.ScenarioOptions{
		OutputDir: opts.outputDir,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	result, err := scenario.Run(ctx)
	if err != nil {
		return err
	}
	if metrics != nil {
		if err := metrics.WriteToTextfile(opts.metricsFile); err != nil {
			return err
		}
	}

	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(&summary{
		SimulationID:    result.SimulationID,
		PacketsSent:     result.PacketsSent,
		SendFailures:    result.SendFailures,
		BytesReceived:   result.BytesReceived,
		Drops:           result.Drops,
		QueueDrops:      result.QueueDrops,
		CwndSamples:     result.CwndSamples,
		Retransmitted:   result.TCP.BytesRetransmitted,
		FastRetransmits: result.TCP.FastRetransmits,
		Timeouts:        result.TCP.Timeouts,
		EndTime:         result.EndTime,
	}); err != nil {
		return err
	}
	return enc.Close()
}
