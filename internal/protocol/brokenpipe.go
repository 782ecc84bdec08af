package protocol

import (
	"errors"
	"io"
	"os"
	"syscall"
)

// isBrokenPipe reports whether err means the reading end of the pipe is
// gone. Platform files add their own errno values.
func isBrokenPipe(err error) bool {
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return isPlatformBrokenPipe(err)
}
