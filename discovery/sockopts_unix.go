//go:build !windows

package discovery

import "syscall"

// setSocketOptionsControl enables SO_REUSEADDR and SO_BROADCAST on the
// discovery socket. It is installed as a net.ListenConfig.Control hook,
// which runs after the socket is created but before it is bound —
// SO_REUSEADDR only affects an upcoming bind() call, so it must be set
// at this point rather than on the *net.UDPConn net.ListenUDP returns.
// This lets multiple engines bind the same discovery port on the same
// host during tests and permits directed/global broadcast writes. There
// is no ecosystem library for this in the retrieval pack; it is a thin,
// platform-specific syscall knob better expressed directly against the
// standard library than through an abstraction layer.
func setSocketOptionsControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	ctrlErr := c.Control(func(fd uintptr) {
		if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
			sockErr = err
			return
		}
		if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1); err != nil {
			sockErr = err
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
