//go:build !(linux || darwin || freebsd)

package serial

import "io"

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// lockDevice is a no-op where flock is unavailable; the OS usually grants
// exclusive access to COM ports anyway.
func lockDevice(string) (io.Closer, error) { return nopCloser{}, nil }
