package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/philsphicas/ctmprelay/internal/config"
	"github.com/philsphicas/ctmprelay/internal/metrics"
	"github.com/philsphicas/ctmprelay/internal/server"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Accept one source connection and any number of destination
connections. Every valid CTMP frame read from the source is forwarded,
byte for byte, to all destinations connected at that moment.

Settings are resolved from built-in defaults, then the config file, then
CTMPRELAY_* environment variables, then flags given on the command line.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	d := config.Defaults()
	cmd.Flags().String("source-addr", d.Listen.Source, "source listen address")
	cmd.Flags().String("dest-addr", d.Listen.Dest, "destination listen address")
	cmd.Flags().String("dest-ws-addr", "", "WebSocket destination listen address; disabled if empty")
	cmd.Flags().Int("max-payload", d.Limits.MaxPayload, "largest accepted payload in bytes")
	cmd.Flags().Int("max-resync-bytes", d.Limits.MaxResyncBytes, "bytes discarded while resyncing before the source is closed")
	cmd.Flags().Duration("write-timeout", d.Limits.WriteTimeout.D(), "timeout for a single frame write to a destination")
	cmd.Flags().Int("queue-depth", d.Limits.QueueDepth, "frames a destination may lag behind before it is evicted")
	cmd.Flags().Int("pool-size", d.Limits.PoolSize, "max concurrent connections")
	cmd.Flags().Duration("queue-wait", d.Limits.QueueWait.D(), "how long a new connection waits for a free worker")
	cmd.Flags().Duration("tcp-keepalive", d.Limits.TCPKeepAlive.D(), "TCP keepalive interval (0 = disabled)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, metricsLn, err := resolveMetrics(cfg.Metrics.Addr)
	if err != nil {
		return err
	}

	srv, err := server.New(serverConfig(cfg, logger, m))
	if err != nil {
		if metricsLn != nil {
			_ = metricsLn.Close()
		}
		return err
	}

	if m != nil {
		go func() {
			if err := m.Serve(ctx, metricsLn, logger, srv.Status); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("ctmprelay starting", "version", version)
	return srv.Serve(ctx)
}

// resolveConfig layers defaults, the config file (--config or
// CTMPRELAY_CONFIG), CTMPRELAY_* environment variables and explicitly set
// flags, in that order, and validates the result.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Defaults()

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("CTMPRELAY_CONFIG")
	}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}

	envString(&cfg.Listen.Source, "CTMPRELAY_SOURCE_ADDR")
	envString(&cfg.Listen.Dest, "CTMPRELAY_DEST_ADDR")
	envString(&cfg.Listen.DestWS, "CTMPRELAY_DEST_WS_ADDR")
	envString(&cfg.Metrics.Addr, "CTMPRELAY_METRICS_ADDR")
	envString(&cfg.Logging.Level, "CTMPRELAY_LOG_LEVEL")

	flags := cmd.Flags()
	flagString(cmd, &cfg.Listen.Source, "source-addr")
	flagString(cmd, &cfg.Listen.Dest, "dest-addr")
	flagString(cmd, &cfg.Listen.DestWS, "dest-ws-addr")
	flagString(cmd, &cfg.Metrics.Addr, "metrics-addr")
	flagString(cmd, &cfg.Logging.Level, "log-level")
	flagString(cmd, &cfg.Logging.Format, "log-format")
	if flags.Changed("max-payload") {
		cfg.Limits.MaxPayload, _ = flags.GetInt("max-payload")
	}
	if flags.Changed("max-resync-bytes") {
		cfg.Limits.MaxResyncBytes, _ = flags.GetInt("max-resync-bytes")
	}
	if flags.Changed("queue-depth") {
		cfg.Limits.QueueDepth, _ = flags.GetInt("queue-depth")
	}
	if flags.Changed("pool-size") {
		cfg.Limits.PoolSize, _ = flags.GetInt("pool-size")
	}
	flagDuration(cmd, &cfg.Limits.WriteTimeout, "write-timeout")
	flagDuration(cmd, &cfg.Limits.QueueWait, "queue-wait")
	flagDuration(cmd, &cfg.Limits.TCPKeepAlive, "tcp-keepalive")

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func serverConfig(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) server.Config {
	queueWait := cfg.Limits.QueueWait.D()
	if queueWait == 0 {
		// Zero in the config means no wait; the pool reads zero as its default.
		queueWait = -1
	}
	tcpKeepAlive := cfg.Limits.TCPKeepAlive.D()
	if tcpKeepAlive == 0 {
		tcpKeepAlive = -1
	}
	return server.Config{
		SourceAddr:     cfg.Listen.Source,
		DestAddr:       cfg.Listen.Dest,
		DestWSAddr:     cfg.Listen.DestWS,
		MaxPayload:     cfg.Limits.MaxPayload,
		MaxResyncBytes: cfg.Limits.MaxResyncBytes,
		WriteTimeout:   cfg.Limits.WriteTimeout.D(),
		QueueDepth:     cfg.Limits.QueueDepth,
		PoolSize:       cfg.Limits.PoolSize,
		QueueWait:      queueWait,
		TCPKeepAlive:   tcpKeepAlive,
		Logger:         logger,
		Metrics:        m,
	}
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func flagString(cmd *cobra.Command, dst *string, name string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}

func flagDuration(cmd *cobra.Command, dst *config.Duration, name string) {
	if cmd.Flags().Changed(name) {
		d, _ := cmd.Flags().GetDuration(name)
		*dst = config.Duration(d)
	}
}
