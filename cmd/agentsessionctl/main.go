package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rs/zerolog"

	"github.com/relaycode/agentsession/client"
	"github.com/relaycode/agentsession/storage"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentsessionctl",
		Short: "Command-line client for the agent session streaming library",
	}

	f := rootCmd.PersistentFlags()
	f.String("api-key", "", "Service API key")
	f.String("base-url", "", "Service base URL (default: the library's built-in default)")
	f.String("cache-root", ".", "directory for the local activity/session cache")
	f.String("storage-backend", "log", "storage backend: log or sqlite")
	f.Int("polling-interval-ms", 2000, "polling interval in milliseconds")
	f.Int("request-timeout-ms", 30000, "per-request timeout in milliseconds")
	f.Bool("verbose", false, "enable debug logging")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("api_key", "api-key")
	bindFlag("base_url", "base-url")
	bindFlag("cache_root", "cache-root")
	bindFlag("storage_backend", "storage-backend")
	bindFlag("polling_interval_ms", "polling-interval-ms")
	bindFlag("request_timeout_ms", "request-timeout-ms")
	bindFlag("verbose", "verbose")

	viper.SetEnvPrefix("AGENTSESSION")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(
		newSyncCmd(),
		newHydrateCmd(),
		newStreamCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func newClient(ctx context.Context) (*client.Client, error) {
	return client.New(ctx, client.Config{
		APIKey:          viper.GetString("api_key"),
		BaseURL:         viper.GetString("base_url"),
		CacheRoot:       viper.GetString("cache_root"),
		StorageBackend:  storage.Backend(viper.GetString("storage_backend")),
		PollingInterval: time.Duration(viper.GetInt("polling_interval_ms")) * time.Millisecond,
		RequestTimeout:  time.Duration(viper.GetInt("request_timeout_ms")) * time.Millisecond,
		Logger:          newLogger(),
	})
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func newSyncCmd() *cobra.Command {
	var depth string
	var incremental bool
	var limit int
	var sessionID string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull remote session metadata (and optionally activities) into the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			c, err := newClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck

			result, err := c.Sync(ctx, client.SyncOptions{
				Depth:       client.SyncDepth(depth),
				Incremental: incremental,
				Limit:       limit,
				SessionID:   sessionID,
			})
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			fmt.Printf("synced %d sessions, %d activities\n", result.SessionsSynced, result.ActivitiesSynced)
			return nil
		},
	}
	cmd.Flags().StringVar(&depth, "depth", "metadata", "sync depth: metadata or activities")
	cmd.Flags().BoolVar(&incremental, "incremental", true, "stop once remote sessions are no newer than the local index")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum sessions to sync (0 = unlimited)")
	cmd.Flags().StringVar(&sessionID, "session", "", "sync only this session id")
	return cmd
}

func newHydrateCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "hydrate",
		Short: "Drain a session's Updates until network quiescence",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("hydrate: --session is required")
			}
			ctx, cancel := signalContext()
			defer cancel()

			c, err := newClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck

			sess, err := c.Session(ctx, sessionID)
			if err != nil {
				return err
			}
			count, err := sess.Hydrate(ctx)
			if err != nil {
				return fmt.Errorf("hydrate: %w", err)
			}
			fmt.Printf("hydrated %d new activities for session %s\n", count, sessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to hydrate")
	return cmd
}

func newStreamCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Replay a session's history then follow it live",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("stream: --session is required")
			}
			ctx, cancel := signalContext()
			defer cancel()

			c, err := newClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck

			sess, err := c.Session(ctx, sessionID)
			if err != nil {
				return err
			}
			for a, err := range sess.Stream(ctx) {
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("stream: %w", err)
				}
				fmt.Printf("[%s] %s %s\n", a.CreateTime, a.Originator, a.Type)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to stream")
	return cmd
}
