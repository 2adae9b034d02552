package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	serverrun "github.com/eric-buaa-cn/smyte-db/internal/cmd/server"
	cfgpkg "github.com/eric-buaa-cn/smyte-db/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, logLevel, logFormat string

	rootCmd := &cobra.Command{
		Use:           "smyte-db",
		Short:         "smyte-db storage service",
		Long:          "smyte-db serves the Redis protocol over sharded pebble column families, fed by stream consumers and scheduled tasks.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text|json")

	load := func(cmd *cobra.Command) (cfgpkg.Config, error) {
		cfg, err := cfgpkg.Load(configPath)
		if err != nil {
			return cfg, err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if logFormat != "" {
			cfg.Logging.Format = logFormat
		}
		if err := applyServeFlags(cmd, &cfg); err != nil {
			return cfg, err
		}
		return cfg, cfgpkg.Validate(&cfg)
	}

	// serve
	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Provision storage and serve RESP",
		Aliases: []string{"start", "run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)

	// config show
	configCmd := &cobra.Command{Use: "config", Short: "Configuration commands"}
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
	addServeFlags(configShowCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)

	// health
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Query /healthz of a running process",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return checkHealth(cmd.OutOrStdout(), addr)
		},
	}
	healthCmd.Flags().String("addr", envDefault("SMYTE_HEALTH_ADDR", "http://127.0.0.1:9050"), "Health endpoint base URL")
	rootCmd.AddCommand(healthCmd)

	return rootCmd
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("data-dir", "", "Storage root directory")
	f.String("db-paths", "", "JSON list of {path,targetSizeBytes} placements")
	f.String("cf-group-configs", "", "JSON list of column family groups to create")
	f.String("drop-cf-group-configs", "", "JSON list of column family groups to drop")
	f.Bool("create-if-missing-one-off", false, "Allow new families on an existing engine once the version timestamp passes")
	f.Int64("version-timestamp-ms", 0, "Version timestamp of this deployment in ms")
	f.String("fsync", "", "Fsync mode: always|interval|never")
	f.Duration("fsync-interval", 0, "Group commit window when --fsync=interval")
	f.Int("port", 0, "RESP listen port")
	f.Duration("idle-timeout", 0, "Close connections idle for this long")
	f.String("role", "", "Replication role: master|replica")
	f.Bool("health", true, "Serve the health and metrics endpoint")
	f.Int("health-port", 0, "Health HTTP port")
	f.Int("health-grpc-port", 0, "Health gRPC port (0 disables)")
	f.String("brokers", "", "Comma separated NATS URLs; empty uses the embedded log")
	f.String("producer-configs", "", "JSON list of producer specs")
	f.String("consumer-configs", "", "JSON list of consumer specs")
}

// applyServeFlags overrides cfg with the flags set on the command line.
func applyServeFlags(cmd *cobra.Command, cfg *cfgpkg.Config) error {
	f := cmd.Flags()
	var err error
	str := func(name string, dst *string) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetInt(name)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetDuration(name)
		}
	}
	flag := func(name string, dst *bool) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetBool(name)
		}
	}

	str("data-dir", &cfg.Storage.DBPath)
	str("db-paths", &cfg.Storage.DBPaths)
	str("cf-group-configs", &cfg.Storage.CFGroupConfigs)
	str("drop-cf-group-configs", &cfg.Storage.DropCFGroupConfigs)
	flag("create-if-missing-one-off", &cfg.Storage.CreateIfMissingOneOff)
	if err == nil && f.Changed("version-timestamp-ms") {
		cfg.Storage.VersionTimestampMs, err = f.GetInt64("version-timestamp-ms")
	}
	str("fsync", &cfg.Storage.Fsync)
	dur("fsync-interval", &cfg.Storage.FsyncInterval)
	num("port", &cfg.Server.Port)
	dur("idle-timeout", &cfg.Server.ConnectionIdleTimeout)
	str("role", &cfg.Server.Role)
	flag("health", &cfg.Health.Enabled)
	num("health-port", &cfg.Health.HTTPPort)
	num("health-grpc-port", &cfg.Health.GRPCPort)
	str("brokers", &cfg.Streaming.BrokerList)
	str("producer-configs", &cfg.Streaming.ProducerConfigs)
	str("consumer-configs", &cfg.Streaming.ConsumerConfigs)
	return err
}

func checkHealth(out io.Writer, base string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(out, string(body))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: %s", resp.Status)
	}
	return nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
