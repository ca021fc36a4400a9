// Package main is the entry point for the EWS relay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/ews-relay/internal/config"
	"github.com/shineum/ews-relay/internal/metrics"
	"github.com/shineum/ews-relay/internal/parser"
	"github.com/shineum/ews-relay/internal/provider"
	"github.com/shineum/ews-relay/internal/provider/exchange"
	"github.com/shineum/ews-relay/internal/provider/graph"
	"github.com/shineum/ews-relay/internal/provider/ses"
	"github.com/shineum/ews-relay/internal/provider/stdout"
	"github.com/shineum/ews-relay/internal/smtp"
	relaytls "github.com/shineum/ews-relay/internal/tls"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "ews-relay",
		Short:        "SMTP relay delivering mail through Exchange Web Services",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file (optional)")

	serve := serveCmd(&configPath)
	root.RunE = serve.RunE
	root.AddCommand(serve, sendCmd(&configPath), transportsCmd())
	return root
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP listener (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			setupLogger(cfg.Logging.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

func sendCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "send <file.eml>",
		Short: "Deliver one raw RFC 5322 message through the configured transport",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			setupLogger(cfg.Logging.Level)

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read message: %w", err)
			}
			msg, err := parser.Parse(raw)
			if err != nil {
				return err
			}

			p, err := newRegistry().New(cmd.Context(), cfg.ProviderName(), cfg)
			if err != nil {
				return err
			}
			n, err := p.Send(cmd.Context(), msg)
			metrics.ObserveDelivery(p.Name(), n, err)
			if err != nil {
				return fmt.Errorf("delivery via %s failed: %w", p.Name(), err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d recipient(s) via %s\n", n, p.Name())
			return nil
		},
	}
}

func transportsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transports",
		Short: "List the registered delivery transports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(newRegistry().Names(), "\n"))
			return nil
		},
	}
}

// serve runs the SMTP listener, and the metrics endpoint when configured,
// until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	tlsConfig, err := relaytls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	prov, err := newRegistry().New(ctx, cfg.ProviderName(), cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		go func() {
			if err := metrics.Serve(ctx, ln); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:        cfg.SMTP.Listen,
		Hostname:          cfg.SMTP.Hostname,
		Provider:          prov,
		TLSConfig:         tlsConfig,
		AuthUsername:      cfg.SMTP.Username,
		AuthPassword:      cfg.SMTP.Password,
		MaxMessageBytes:   int64(cfg.SMTP.MaxMessageSize),
		AllowInsecureAuth: cfg.SMTP.AllowInsecureAuth,
	})

	slog.Info("starting ews-relay",
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"max_message_size", cfg.SMTP.MaxMessageSize.String(),
	)

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("ews-relay stopped")
	return nil
}

// newRegistry returns a registry holding every built-in transport.
func newRegistry() *provider.Registry {
	r := provider.NewRegistry()
	exchange.Register(r)
	graph.Register(r)
	ses.Register(r)
	stdout.Register(r)
	return r
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
