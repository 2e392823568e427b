// Package main provides the CLI entry point for the SOCKS5 proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JoshCap20/simple-socks5/internal/config"
	"github.com/JoshCap20/simple-socks5/internal/logging"
	"github.com/JoshCap20/simple-socks5/internal/metrics"
	"github.com/JoshCap20/simple-socks5/internal/socks5"
	"github.com/JoshCap20/simple-socks5/internal/sysinfo"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "simple-socks5",
		Short: "A standalone SOCKS5 proxy server",
		Long: `simple-socks5 is a standalone SOCKS5 proxy server implementing
RFC 1928 (SOCKS Protocol Version 5) and RFC 1929 (Username/Password
Authentication), with CONNECT and UDP ASSOCIATE support.`,
		Version: sysinfo.Version,
	}

	serve := serveCmd()
	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(hashPasswordCmd())

	// Running the binary without a subcommand behaves like `serve`.
	rootCmd.Flags().AddFlagSet(serve.Flags())
	rootCmd.RunE = serve.RunE
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath     string
		host           string
		port           int
		maxConnections int
		logLevel       string
		logFormat      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SOCKS5 proxy",
		Long:  "Start the SOCKS5 proxy server with the given configuration file, flags, and environment overrides.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			applyFlagOverrides(cfg, cmd, host, port, maxConnections, logLevel, logFormat)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

			var (
				reqObserver    socks5.RequestObserver
				dnsObserver    func(cacheHit, failed bool)
				metricsServer  *metrics.Server
				metricsErrChan <-chan error
			)
			if cfg.Metrics.Enabled {
				m := metrics.NewMetrics()
				reqObserver = metrics.NewObserver(m)
				dnsObserver = m.RecordDNSLookup
				metricsServer = metrics.NewServer(cfg.Metrics.Address, prometheus.DefaultGatherer)
				metricsErrChan = metricsServer.Start()
				logger.Info("metrics server listening", logging.KeyAddress, cfg.Metrics.Address)
			}

			resolver := socks5.NewResolver(cfg.DNS.Timeout, cfg.DNS.CacheSize)
			if dnsObserver != nil {
				resolver.SetLookupObserver(dnsObserver)
			}

			authenticators := socks5.BuildAuthenticators(socks5.AuthConfig{
				Required:    cfg.Auth.Required,
				Users:       cfg.PlaintextUsers(),
				HashedUsers: cfg.HashedUsers(),
			})

			srv := socks5.NewServer(socks5.ServerConfig{
				Address:        cfg.Server.Address(),
				MaxConnections: cfg.Server.MaxConnections,
				Logger:         logger,
				Metrics:        reqObserver,
				Handler: socks5.HandlerConfig{
					Authenticators: authenticators,
					Resolver:       resolver,
					ResolveTimeout: cfg.DNS.Timeout,
					ConnectTimeout: cfg.Server.ConnectTimeout,
					UDPIdleTimeout: cfg.UDP.IdleTimeout,
					UDPForward:     cfg.UDP.ForwardTimeout,
					EnableUDP:      cfg.UDP.Enabled,
					Logger:         logger,
					Metrics:        reqObserver,
				},
			})

			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			logger.Info("SOCKS5 proxy listening",
				logging.KeyAddress, srv.Address().String(),
				logging.KeyCount, cfg.Server.MaxConnections)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("received signal, shutting down", "signal", sig.String())
			case err := <-metricsErrChan:
				if err != nil {
					logger.Error("metrics server failed", logging.KeyError, err)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if metricsServer != nil {
				if err := metricsServer.Stop(ctx); err != nil {
					logger.Warn("metrics server shutdown error", logging.KeyError, err)
				}
			}

			if err := srv.StopWithContext(ctx); err != nil {
				logger.Error("shutdown error", logging.KeyError, err)
				return err
			}

			logger.Info("stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")
	cmd.Flags().IntVar(&maxConnections, "max-connections", 0, "Maximum concurrent connections (overrides config)")
	cmd.Flags().StringVar(&logLevel, "logging-level", "", "disabled, debug, info, warning, error, critical (overrides config)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "text or json (overrides config)")

	return cmd
}

// applyFlagOverrides layers explicitly-set CLI flags on top of the loaded
// config, following flags > environment > file > defaults precedence.
func applyFlagOverrides(cfg *config.Config, cmd *cobra.Command, host string, port, maxConnections int, logLevel, logFormat string) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = host
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if cmd.Flags().Changed("max-connections") {
		cfg.Server.MaxConnections = maxConnections
	}
	if cmd.Flags().Changed("logging-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
}

func hashPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Generate a bcrypt hash for a password",
		Long:  "Prompt for a password (without echoing it) and print its bcrypt hash, for use as auth.users[].password_hash in the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Password: ")
			pw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}

			fmt.Fprint(os.Stderr, "Confirm password: ")
			confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}

			if string(pw) != string(confirm) {
				return fmt.Errorf("passwords do not match")
			}

			hash, err := socks5.HashPassword(string(pw))
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}

			fmt.Println(hash)
			return nil
		},
	}

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("simple-socks5 %s\n", sysinfo.Version)
			fmt.Printf("started: %s\n", humanize.Time(sysinfo.StartTime()))
			return nil
		},
	}
}
