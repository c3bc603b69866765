package archive

import "time"

// Default chunk/block sizes.
const (
	DefaultChunkSize = 1 << 20 // 1 MiB
	DefaultBlockSize = 1 << 20 // 1 MiB
)

// PreserveFlags selects which extra attributes Create/Extract preserve
// beyond the always-on {name, type, size, mode, uid, gid, mtime,
// symlink-target}.
type PreserveFlags struct {
	Atime  bool
	Ctime  bool
	Xattrs bool
	ACLs   bool
}

// Options configures Create and Extract: destination path, attribute
// preservation, and copy-loop tuning knobs.
type Options struct {
	DestPath string
	Flags    PreserveFlags

	ChunkSize int64
	BlockSize int64

	// Ranks is the number of cooperating goroutine-ranks to run the
	// operation across. Zero selects runtime.NumCPU().
	Ranks int

	// ProgressInterval configures how often the work-stealing pool's
	// reduction callback fires; zero selects one second (a final report
	// is always delivered).
	ProgressInterval time.Duration

	Logger Logger
}

// WithDefaults returns a copy of o with zero-valued fields replaced by
// documented defaults.
func (o Options) WithDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	return o
}

// Logger is the subset of pkg/progress.View this package needs, kept
// narrow so tests can pass a no-op implementation without pulling in mpb.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
