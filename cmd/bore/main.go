package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/anyhost/bore/internal/client"
	"github.com/anyhost/bore/internal/common"
	"github.com/anyhost/bore/internal/protocol"
)

var (
	configFile     string
	logLevel       string
	server         string
	localHost      string
	remotePort     uint16
	controlPort    uint16
	secret         string
	secretPrompt   bool
	maxConnections int
	reconnect      bool
	metricsAddr    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "bore",
	Short:         "Expose local TCP ports through a remote relay server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var localCmd = &cobra.Command{
	Use:   "local <LOCAL_PORT>",
	Short: "Start a local proxy to the remote server",
	Long: `Start a local proxy to the remote server.

The relay assigns a public port on its host; every connection made to that
port is forwarded to the local service.

Examples:
  bore local 8000 --to bore.example.com
  bore local 8000 --to bore.example.com --port 9000 --secret s3cret
  bore local 8000 --to wss://relay.example.com/tunnel`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLocal,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	localCmd.Flags().StringVarP(&server, "to", "t", "", "Address of the remote server")
	localCmd.Flags().StringVarP(&localHost, "local-host", "l", "localhost", "The local host to expose")
	localCmd.Flags().Uint16VarP(&remotePort, "port", "p", 0, "Optional port on the remote server to select")
	localCmd.Flags().Uint16Var(&controlPort, "control-port", protocol.ControlPort, "Control port of the remote server")
	localCmd.Flags().StringVarP(&secret, "secret", "s", "", "Optional secret for authentication (or BORE_SECRET)")
	localCmd.Flags().BoolVar(&secretPrompt, "secret-prompt", false, "Read the secret from the terminal")
	localCmd.Flags().IntVar(&maxConnections, "max-connections", 0, "Maximum concurrent tunneled connections (0 = unlimited)")
	localCmd.Flags().BoolVar(&reconnect, "reconnect", false, "Re-establish the tunnel when the session ends")
	localCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(localCmd)
}

func runLocal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		metricsServer := startMetrics(cfg.Metrics.Addr, logger)
		defer metricsServer.Close()
	}

	return supervise(ctx, cfg, logger)
}

// loadConfig reads the config file, if any, and applies flags on top.
func loadConfig(cmd *cobra.Command, args []string) (*common.ClientConfig, error) {
	cfg := common.DefaultClientConfig()
	if configFile != "" {
		loaded, err := common.LoadClientConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if len(args) > 0 {
		port, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil || port == 0 {
			return nil, fmt.Errorf("invalid port: %s", args[0])
		}
		cfg.LocalPort = uint16(port)
	}

	flags := cmd.Flags()
	if flags.Changed("to") {
		cfg.Server = server
	}
	if flags.Changed("local-host") {
		cfg.LocalHost = localHost
	}
	if flags.Changed("port") {
		cfg.RemotePort = remotePort
	}
	if flags.Changed("control-port") {
		cfg.ControlPort = controlPort
	}
	if flags.Changed("max-connections") {
		cfg.MaxConnections = maxConnections
	}
	if flags.Changed("reconnect") {
		cfg.Reconnect.Enabled = reconnect
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Enabled = metricsAddr != ""
		cfg.Metrics.Addr = metricsAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}

	switch {
	case flags.Changed("secret"):
		cfg.Secret = secret
	case secretPrompt:
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, errors.New("--secret-prompt requires an interactive terminal")
		}
		s, err := promptSecret(os.Stderr, func() ([]byte, error) { return term.ReadPassword(fd) })
		if err != nil {
			return nil, err
		}
		cfg.Secret = s
	case cfg.Secret == "":
		cfg.Secret = os.Getenv("BORE_SECRET")
	}

	return cfg, nil
}

// promptSecret asks for the secret on w and reads it with readPassword.
// The secret is used exactly as typed, like one given with --secret.
func promptSecret(w io.Writer, readPassword func() ([]byte, error)) (string, error) {
	fmt.Fprint(w, "Secret: ")
	data, err := readPassword()
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return string(data), nil
}

// supervise runs sessions until ctx is cancelled. Without reconnect it runs
// exactly one.
func supervise(ctx context.Context, cfg *common.ClientConfig, logger *slog.Logger) error {
	backoff := client.NewReconnector(&cfg.Reconnect, logger)

	for {
		err := runSession(ctx, cfg, logger, backoff)
		if ctx.Err() != nil {
			logger.Info("shutting down...")
			return nil
		}
		if !cfg.Reconnect.Enabled {
			return err
		}
		// A wrong or missing secret will not fix itself.
		if errors.Is(err, protocol.ErrAuth) {
			return err
		}
		if err == nil {
			err = errors.New("server closed the session")
		}
		logger.Warn("session ended", slog.Any("error", err))
		if !backoff.Wait(ctx) {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("giving up after %d attempts: %w", backoff.Attempts()-1, err)
		}
	}
}

func runSession(ctx context.Context, cfg *common.ClientConfig, logger *slog.Logger, backoff *client.Reconnector) error {
	c, err := client.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	backoff.Reset()

	fmt.Println()
	fmt.Printf("  Forwarding %s -> %s:%d\n", c.PublicAddr(), cfg.LocalHost, cfg.LocalPort)
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	return c.Listen()
}

func startMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}()
	return srv
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler)
}
