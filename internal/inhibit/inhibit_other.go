//go:build !linux && !windows

package inhibit

func acquire(string, string) (func() error, error) {
	return nil, ErrUnsupported
}
