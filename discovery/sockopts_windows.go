//go:build windows

package discovery

import "syscall"

// setSocketOptionsControl is a no-op on Windows: net.ListenUDP already
// permits broadcast writes from a socket bound to the wildcard address,
// and SO_REUSEADDR has different (unsafe) semantics on this platform
// that we deliberately do not enable.
func setSocketOptionsControl(network, address string, c syscall.RawConn) error {
	return nil
}
