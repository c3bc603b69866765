// Package progress adapts a terminal logger and byte-count progress bars
// onto the reduction vectors pkg/worksteal periodically reports during
// Create and Extract.
package progress

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Logger is the subset of logging calls pkg/archive makes; it matches
// pkg/archive.Logger.
type Logger interface {
	Debugf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Errorf(format string, x ...interface{})
}

// View fronts a logrus logger and an mpb progress container so CLI
// output and progress bars don't stomp on each other.
type View struct {
	DisableColors bool
	DisableTTY    bool
	IsDebug       bool
	IsVerbose     bool

	lock               sync.Mutex
	isTrackingProgress bool
	bars               map[*mpb.Bar]bool
	buffer             *bytes.Buffer
	container          *mpb.Progress
}

func (v *View) Debugf(format string, x ...interface{}) {
	if v.IsDebug {
		logrus.Tracef(format, x...)
	}
}

func (v *View) Infof(format string, x ...interface{}) {
	if v.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

func (v *View) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

func (v *View) Printf(format string, x ...interface{}) {
	logrus.Printf(format, x...)
}

func (v *View) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

func (v *View) IsInfoEnabled() bool  { return logrus.IsLevelEnabled(logrus.InfoLevel) }
func (v *View) IsDebugEnabled() bool { return logrus.IsLevelEnabled(logrus.DebugLevel) }

// Bar is a live, total-known progress bar over a byte count.
type Bar struct {
	view *View
	bar  *mpb.Bar
	total,
	done int64
	closed bool
}

// NewBar starts a labeled byte-count progress bar, or a no-op stand-in
// when output isn't a TTY.
func (v *View) NewBar(label string, total int64) *Bar {
	if v.DisableTTY {
		return &Bar{total: total}
	}

	v.lock.Lock()
	defer v.lock.Unlock()

	if !v.isTrackingProgress {
		v.isTrackingProgress = true
		v.buffer = new(bytes.Buffer)
		logrus.SetOutput(v.buffer)
		v.container = mpb.New(mpb.WithWidth(80))
		v.bars = make(map[*mpb.Bar]bool)
	}

	bar := v.container.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight}),
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done"),
		),
		mpb.AppendDecorators(decor.Counters(decor.UnitKiB, "% .1f / % .1f")),
	)
	v.bars[bar] = true

	return &Bar{view: v, bar: bar, total: total}
}

// SetDone advances the bar to an absolute count (the reduction vectors
// pkg/worksteal reports are running totals, not deltas).
func (b *Bar) SetDone(absolute int64) {
	if b.bar == nil {
		b.done = absolute
		return
	}
	if absolute > b.done {
		b.bar.IncrInt64(absolute - b.done)
		b.done = absolute
	}
}

// Close finishes the bar and, once every bar this view opened has
// closed, flushes buffered log output to stdout.
func (b *Bar) Close(success bool) {
	if b.closed || b.view == nil {
		b.closed = true
		return
	}
	b.closed = true

	if b.done != b.total || !success {
		b.bar.Abort(false)
	}

	v := b.view
	v.lock.Lock()
	defer v.lock.Unlock()
	delete(v.bars, b.bar)
	if len(v.bars) == 0 {
		v.bars = nil
		v.isTrackingProgress = false
		v.container.Wait()
		v.container = nil
		logrus.SetOutput(os.Stdout)
		_, _ = v.buffer.WriteTo(os.Stdout)
		v.buffer = nil
	}
}

// Format renders a logrus entry with the same color scheme per level the
// rest of this CLI's output uses.
func (v *View) Format(entry *logrus.Entry) ([]byte, error) {
	faint := color.New(color.Faint).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()

	msg := entry.Message
	if !v.DisableColors {
		switch entry.Level {
		case logrus.TraceLevel:
			msg = faint(msg) + "\n"
		case logrus.DebugLevel:
			msg = blue(msg) + "\n"
		case logrus.InfoLevel:
			msg = msg + "\n"
		case logrus.WarnLevel:
			msg = yellow(msg) + "\n"
		case logrus.ErrorLevel:
			msg = red(msg) + "\n"
		default:
			msg = msg + "\n"
		}
	} else {
		msg = msg + "\n"
	}
	return []byte(msg), nil
}

var _ io.Writer = (*bytes.Buffer)(nil)

// Tick builds an onReduce callback for pkg/worksteal.Pool.Run that drives
// bar out of a 2-slot [bytesWritten, itemsCompleted] reduction vector,
// logging a one-line fallback when output isn't a TTY.
func (v *View) Tick(bar *Bar, label string, interval time.Duration) func(totals []int64) {
	var last time.Time
	return func(totals []int64) {
		if len(totals) == 0 {
			return
		}
		bar.SetDone(totals[0])
		if v.DisableTTY && time.Since(last) >= interval {
			last = time.Now()
			v.Infof("%s: %d bytes, %d items", label, totals[0], lastOf(totals, 1))
		}
	}
}

func lastOf(s []int64, i int) int64 {
	if i < len(s) {
		return s[i]
	}
	return 0
}
