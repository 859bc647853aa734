package uploader

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
)

// ProgressBar returns a frame counter for w and the callback that drives
// it.
func ProgressBar(w io.Writer, total int) (*progressbar.ProgressBar, func(Progress)) {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Uploading..."),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
	return bar, func(p Progress) {
		bar.Set(p.Sent)
	}
}
