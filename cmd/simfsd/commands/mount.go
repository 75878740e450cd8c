package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ajaxzhan/simfs/internal/fs"
	"github.com/ajaxzhan/simfs/internal/logging"
)

var mountCmd = &cobra.Command{
	Use:   "mount [mountpoint]",
	Short: "Mount the filesystem with FUSE",
	Long: `Mount the filesystem with FUSE until interrupted. Kernel requests run as
the calling process's uid and gid. The mount point defaults to mount.path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMount,
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()

	var mountPoint string
	if len(args) == 1 {
		mountPoint = args[0]
	}
	if err := os.MkdirAll(mountConfig(cfg, mountPoint).MountPoint, 0755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mfs, err := fs.NewMountFS(store, mountConfig(cfg, mountPoint))
	if err != nil {
		return err
	}
	return ignoreCancel(mfs.Mount(ctx))
}
