package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudfoundry/bytefmt"
	"github.com/spf13/cobra"

	"github.com/parallelarchive/ptar/pkg/archive"
)

func init() {
	f := extractCmd.Flags()
	f.IntVar(&flagRanks, "ranks", 0, "number of parallel ranks (default: number of CPUs)")
	f.StringVar(&flagBlockSize, "block-size", "1MiB", "read/write block size")
	f.BoolVar(&flagPreserve, "preserve", false, "restore all optional metadata that extract can set (atime, xattrs, acls)")
	f.BoolVar(&flagPreserveAtime, "preserve-atime", false, "restore access times")
	f.BoolVar(&flagPreserveCtime, "preserve-ctime", false, "accepted for symmetry with create; extract does not restore change times")
	f.BoolVar(&flagPreserveXattrs, "preserve-xattrs", false, "restore extended attributes")
	f.BoolVar(&flagPreserveACLs, "preserve-acls", false, "restore POSIX ACLs")
	f.DurationVar(&flagProgressInterval, "progress-interval", 250*time.Millisecond, "telemetry tick interval")
}

var extractCmd = &cobra.Command{
	Use:   "extract ARCHIVE DESTDIR",
	Short: "Extract a tar archive using a pool of ranks",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, dst := args[0], args[1]

		blockSize, err := bytefmt.ToBytes(flagBlockSize)
		if err != nil {
			return fmt.Errorf("invalid --block-size: %w", err)
		}

		opts := archive.Options{
			Flags: archive.PreserveFlags{
				Atime:  flagPreserve || flagPreserveAtime,
				Ctime:  flagPreserve || flagPreserveCtime,
				Xattrs: flagPreserve || flagPreserveXattrs,
				ACLs:   flagPreserve || flagPreserveACLs,
			},
			BlockSize:        int64(blockSize),
			Ranks:            flagRanks,
			ProgressInterval: flagProgressInterval,
			Logger:           &view,
		}

		err = archive.Extract(context.Background(), src, dst, opts)
		if err != nil {
			return fmt.Errorf("extract %s: %w", src, err)
		}
		return nil
	},
}
