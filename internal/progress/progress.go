package progress

import (
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Writer returns where progress bars render: stdout, or nowhere when disabled.
func Writer(enabled bool) io.Writer {
	if enabled {
		return os.Stdout
	}
	return io.Discard
}

// NewBytes renders a byte-counting bar. total -1 renders a spinner.
func NewBytes(w io.Writer, total int64, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total, append(common(w, desc),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowIts(),
	)...)
}

// NewCount renders an item-counting bar.
func NewCount(w io.Writer, total int, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total, append(common(w, desc),
		progressbar.OptionSpinnerType(14),
	)...)
}

func common(w io.Writer, desc string) []progressbar.Option {
	return []progressbar.Option{
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(60),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(50 * time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionUseANSICodes(true),
	}
}
