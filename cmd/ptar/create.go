package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudfoundry/bytefmt"
	"github.com/spf13/cobra"

	"github.com/parallelarchive/ptar/pkg/archive"
	"github.com/parallelarchive/ptar/pkg/flist"
)

var (
	flagRanks            int
	flagChunkSize        string
	flagBlockSize        string
	flagPreserve         bool
	flagPreserveAtime    bool
	flagPreserveCtime    bool
	flagPreserveXattrs   bool
	flagPreserveACLs     bool
	flagProgressInterval time.Duration
)

func init() {
	f := createCmd.Flags()
	f.IntVar(&flagRanks, "ranks", 0, "number of parallel ranks (default: number of CPUs)")
	f.StringVar(&flagChunkSize, "chunk-size", "1MiB", "payload chunk size for work-stealing copy")
	f.StringVar(&flagBlockSize, "block-size", "1MiB", "read/write block size")
	f.BoolVar(&flagPreserve, "preserve", false, "preserve all optional metadata (atime, ctime, xattrs, acls)")
	f.BoolVar(&flagPreserveAtime, "preserve-atime", false, "preserve access times")
	f.BoolVar(&flagPreserveCtime, "preserve-ctime", false, "preserve change times")
	f.BoolVar(&flagPreserveXattrs, "preserve-xattrs", false, "preserve extended attributes")
	f.BoolVar(&flagPreserveACLs, "preserve-acls", false, "preserve POSIX ACLs")
	f.DurationVar(&flagProgressInterval, "progress-interval", 250*time.Millisecond, "telemetry tick interval")
}

var createCmd = &cobra.Command{
	Use:   "create SOURCE ARCHIVE",
	Short: "Create a tar archive from a directory tree using a pool of ranks",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, dst := args[0], args[1]

		chunkSize, err := bytefmt.ToBytes(flagChunkSize)
		if err != nil {
			return fmt.Errorf("invalid --chunk-size: %w", err)
		}
		blockSize, err := bytefmt.ToBytes(flagBlockSize)
		if err != nil {
			return fmt.Errorf("invalid --block-size: %w", err)
		}

		list, err := flist.Scan(src)
		if err != nil {
			return fmt.Errorf("scan %s: %w", src, err)
		}

		items, bytes := flist.Summarize(list)
		view.Infof("scanned %d entries, %s", items, bytefmt.ByteSize(uint64(bytes)))

		opts := archive.Options{
			Flags: archive.PreserveFlags{
				Atime:  flagPreserve || flagPreserveAtime,
				Ctime:  flagPreserve || flagPreserveCtime,
				Xattrs: flagPreserve || flagPreserveXattrs,
				ACLs:   flagPreserve || flagPreserveACLs,
			},
			ChunkSize:        int64(chunkSize),
			BlockSize:        int64(blockSize),
			Ranks:            flagRanks,
			ProgressInterval: flagProgressInterval,
			Logger:           &view,
		}

		bar := view.NewBar(dst, bytes)
		err = archive.Create(context.Background(), list.Entries, dst, opts)
		bar.Close(err == nil)
		if err != nil {
			return fmt.Errorf("create %s: %w", dst, err)
		}
		return nil
	},
}
