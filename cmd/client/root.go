package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/PaulBabatuyi/SensorCollector/internal/server"
)

const chunkSize = 64 * 1024 // 64KB chunks

// clientOptions are the flags shared by every subcommand.
type clientOptions struct {
	baseURL  string
	grpcAddr string
	useGRPC  bool
	apiKey   string
	// timeout bounds lookups; uploads run as long as the file takes
	timeout time.Duration
}

func (o *clientOptions) ingestClient() (*server.IngestClient, func(), error) {
	conn, err := grpc.NewClient(o.grpcAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	return server.NewIngestClient(conn, o.apiKey), func() { conn.Close() }, nil
}

func newRootCommand() *cobra.Command {
	opts := &clientOptions{}

	rootCmd := &cobra.Command{
		Use:           "collector-client",
		Short:         "Send audio samples and IP lookups to a sensor collector",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.apiKey == "" {
				opts.apiKey = os.Getenv("COLLECTOR_API_KEY")
			}
			if opts.apiKey == "" {
				return fmt.Errorf("an API key is required (--api-key or COLLECTOR_API_KEY)")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "server", "http://localhost:8080", "Collector HTTP base URL")
	rootCmd.PersistentFlags().StringVar(&opts.grpcAddr, "grpc-addr", "localhost:50051", "Collector gRPC address")
	rootCmd.PersistentFlags().BoolVar(&opts.useGRPC, "grpc", false, "Use the gRPC API instead of HTTP")
	rootCmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", "", "Shared API key (default $COLLECTOR_API_KEY)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Timeout for lookups")

	rootCmd.AddCommand(newUploadCommand(opts))
	rootCmd.AddCommand(newLocateCommand(opts))

	return rootCmd
}

// signalContext ends on Ctrl-C so an interrupted upload is abandoned cleanly.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
