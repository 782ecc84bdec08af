//go:build unix

package protocol

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isPlatformBrokenPipe(err error) bool {
	// A socketpair handed to us as stdout reports a vanished peer as a reset.
	return errors.Is(err, unix.ECONNRESET)
}
