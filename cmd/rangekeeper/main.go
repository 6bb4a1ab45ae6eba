package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	rkhttp "github.com/pg-sharding/rangekeeper/http"
	"github.com/pg-sharding/rangekeeper/pkg"
	"github.com/pg-sharding/rangekeeper/pkg/cluster"
	"github.com/pg-sharding/rangekeeper/pkg/config"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/spf13/cobra"
)

var (
	cfgPath   string
	logLevel  string
	prettyLog bool

	endpoint string
)

var rootCmd = &cobra.Command{
	Use:     "rangekeeper",
	Short:   "chunk migration and range ownership tracker",
	Version: pkg.RangekeeperVersionRevision(),
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve --config `path-to-config`",
	Short: "run shards, the migration coordinator and the admin api",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgStr, err := config.LoadKeeperCfg(cfgPath)
		if err != nil {
			return err
		}
		cfg := config.KeeperConfig()
		if cmd.Flags().Changed("pretty-log") {
			cfg.PrettyLogging = prettyLog
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		rklog.Zero = rklog.NewZeroLogger(cfg.LogFile, cfg.LogLevel, cfg.PrettyLogging)
		rklog.Zero.Info().Str("version", pkg.RangekeeperVersionRevision()).Msg("rangekeeper: starting")
		rklog.Zero.Debug().Msg(cfgStr)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := cluster.New(*cfg, clockwork.NewRealClock())
		if err != nil {
			return err
		}
		defer func() {
			if err := c.Close(); err != nil {
				rklog.Zero.Error().Err(err).Msg("rangekeeper: close failed")
			}
		}()
		if err := c.Start(ctx); err != nil {
			return err
		}
		go reloadOnSighup(ctx)

		err = rkhttp.NewServer(cfg.HttpAddr, c).Run(ctx)
		rklog.Zero.Info().Msg("rangekeeper: stopped")
		return err
	},
}

// reloadOnSighup re-reads logging settings from the config file.
func reloadOnSighup(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
		}
		if _, err := config.LoadKeeperCfg(cfgPath); err != nil {
			rklog.Zero.Error().Err(err).Msg("rangekeeper: reload config failed")
			continue
		}
		cfg := config.KeeperConfig()
		rklog.ReloadLogger(cfg.LogFile, cfg.PrettyLogging)
		if err := rklog.UpdateZeroLogLevel(cfg.LogLevel); err != nil {
			rklog.Zero.Error().Err(err).Msg("rangekeeper: update log level failed")
		}
		rklog.Zero.Info().Str("level", cfg.LogLevel).Msg("rangekeeper: reloaded logging")
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&endpoint, "endpoint", "e", "localhost:7010", "admin api address")

	serveCmd.Flags().StringVarP(&cfgPath, "config", "c", "/etc/rangekeeper/config.yaml", "path to config file")
	serveCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	serveCmd.Flags().BoolVarP(&prettyLog, "pretty-log", "P", false, "write logs in human readable form")
	rootCmd.AddCommand(serveCmd)

	shardCollectionCmd.Flags().StringVar(&shardKey, "key", "", "shard key field")
	shardCollectionCmd.Flags().StringVar(&hashName, "hash", "", "hash function for a hashed shard key (murmur, city)")
	shardCollectionCmd.Flags().StringVar(&shardID, "shard", "", "shard owning the initial chunks")
	shardCollectionCmd.Flags().StringSliceVar(&splitPoints, "split", nil, "initial split points")
	_ = shardCollectionCmd.MarkFlagRequired("key")
	_ = shardCollectionCmd.MarkFlagRequired("shard")
	rootCmd.AddCommand(shardCollectionCmd)

	moveChunkCmd.Flags().StringVar(&minKey, "min", "", "chunk lower bound")
	moveChunkCmd.Flags().StringVar(&maxKey, "max", "", "chunk upper bound")
	moveChunkCmd.Flags().StringVar(&shardID, "to", "", "recipient shard")
	_ = moveChunkCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(moveChunkCmd)

	splitChunkCmd.Flags().StringVar(&splitAt, "at", "", "split key")
	_ = splitChunkCmd.MarkFlagRequired("at")
	rootCmd.AddCommand(splitChunkCmd)

	mergeChunksCmd.Flags().StringVar(&minKey, "min", "", "range lower bound")
	mergeChunksCmd.Flags().StringVar(&maxKey, "max", "", "range upper bound")
	rootCmd.AddCommand(mergeChunksCmd)

	cleanupOrphanedCmd.Flags().StringVar(&shardID, "shard", "", "shard to clean, every shard when empty")
	cleanupOrphanedCmd.Flags().StringVar(&minKey, "min", "", "range lower bound")
	cleanupOrphanedCmd.Flags().StringVar(&maxKey, "max", "", "range upper bound")
	cleanupOrphanedCmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	rootCmd.AddCommand(cleanupOrphanedCmd)

	showCmd.AddCommand(showRangesCmd, showHistoryCmd, showMigrationsCmd, showDeletionsCmd, showOrphansCmd)
	rootCmd.AddCommand(showCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rklog.Zero.Fatal().Err(err).Msg("")
	}
}
