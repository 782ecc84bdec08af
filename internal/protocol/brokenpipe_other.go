//go:build !unix && !windows

package protocol

func isPlatformBrokenPipe(error) bool { return false }
