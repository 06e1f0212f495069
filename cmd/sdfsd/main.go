package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sdfs-io/sdfs/internal/aio"
	"github.com/sdfs-io/sdfs/internal/placement"
	"github.com/sdfs-io/sdfs/internal/replica"
	"github.com/sdfs-io/sdfs/internal/sched"
	"github.com/sdfs-io/sdfs/pkg/config"
	"github.com/sdfs-io/sdfs/pkg/log"
	"github.com/sdfs-io/sdfs/pkg/metaiface"
	"github.com/sdfs-io/sdfs/pkg/metaiface/inmem"
	"github.com/sdfs-io/sdfs/pkg/metrics"
	"github.com/sdfs-io/sdfs/pkg/registry"
	"github.com/sdfs-io/sdfs/pkg/shardkv"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sdfsd",
	Short:   "sdfsd serves a replica I/O core and volume placement daemon",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the replica core daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "path to a YAML config file (defaults are used if omitted)")
	serveCmd.Flags().String("listen", ":9644", "metrics HTTP listen address")
	serveCmd.Flags().String("etcd", "127.0.0.1:2379", "etcd endpoint for the registry client")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	listen, _ := cmd.Flags().GetString("listen")
	etcdAddr, _ := cmd.Flags().GetString("etcd")

	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	s := sched.NewScheduler(cfg.MaxCore)
	defer s.Shutdown()
	s.RegisterThreadOps(sched.ThreadReplica, cfg.ReplicaCore)

	gw := aio.NewGateway(cfg.AioCore, cfg.QueueDepth)
	engine := replica.NewEngine(s, gw, cfg)

	reg, err := registry.Dial([]string{etcdAddr}, cfg.RPCTimeout)
	if err != nil {
		return fmt.Errorf("dial registry: %w", err)
	}
	defer reg.Close()

	// The default metadata backend is the in-memory fake: a production
	// deployment wires in a real metaiface.Client here. The replica core
	// and placement layer are indifferent to which one is plugged in.
	var meta metaiface.Client = inmem.New()

	connect := func(ctx context.Context, hp placement.HostPort) (placement.ShardkvInfoer, error) {
		addr := fmt.Sprintf("%s:%d", hp.Host, 6379+hp.Disk)
		cli, dialErr := shardkv.Connect(ctx, addr, 1, cfg.RPCTimeout)
		if dialErr != nil {
			return nil, dialErr
		}
		return cli, nil
	}

	vols := placement.New(reg, meta, placement.NewAtomicAllocator(0), connect,
		cfg.RedisSharding, cfg.RedisReplica, cfg.SoloMode, "/sdfs/redis")
	_ = vols

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.Logger.Info().Str("addr", listen).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server exited")
		}
	}()

	_ = engine // wired into an RPC transport by whatever process embeds this daemon

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
