package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ajaxzhan/simfs/internal/fs"
	"github.com/ajaxzhan/simfs/internal/logging"
	"github.com/ajaxzhan/simfs/internal/server"
)

var (
	grpcAddr  string
	httpAddr  string
	withMount bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the filesystem over gRPC and the JSON gateway",
	Long: `Serve the filesystem over gRPC and the JSON gateway.

Examples:
  # Serve with defaults (memory storage, :9000 and :8080)
  simfsd serve

  # Persist to badger and also mount the tree
  simfsd serve --config /etc/simfs/config.yaml --mount`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC server address (overrides config)")
	serveCmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP gateway address (overrides config)")
	serveCmd.Flags().BoolVar(&withMount, "mount", false, "also mount the tree at mount.path")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()

	if grpcAddr != "" {
		cfg.Server.GRPCAddr = grpcAddr
	}
	if httpAddr != "" {
		cfg.Server.HTTPAddr = httpAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	serverCfg := &server.Config{
		GRPCAddr:     cfg.Server.GRPCAddr,
		RESTAddr:     cfg.Server.HTTPAddr,
		DefaultUmask: cfg.Filesystem.GetDefaultUmask(),
	}
	if cfg.Metrics.Enabled {
		serverCfg.MetricsPath = cfg.Metrics.Path
	}
	srv, err := server.New(serverCfg, store)
	if err != nil {
		return err
	}

	logging.Info("Starting simfs server...",
		logging.String("grpc_addr", cfg.Server.GRPCAddr),
		logging.String("http_addr", cfg.Server.HTTPAddr),
	)

	var mfs *fs.MountFS
	if withMount {
		mfs, err = fs.NewMountFS(store, mountConfig(cfg, ""))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.Mount.Path, 0755); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	if mfs != nil {
		g.Go(func() error { return ignoreCancel(mfs.Mount(ctx)) })
	}

	err = g.Wait()
	logging.Info("Shutting down server...")
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
