// Package tundev creates and operates the tunnel network interface: the
// capability the core treats as an external collaborator for address and
// route configuration, but owns directly for packet I/O. IP address
// assignment, MTU configuration, and routing live outside this package
// (see internal/netsetup); tundev hands back only a raw packet pipe.
package tundev

import "errors"

// ErrUnsupportedPlatform is returned when no backend can service the
// current GOOS.
var ErrUnsupportedPlatform = errors.New("tundev: unsupported platform")

// Device is a tunnel network interface: packets written to it are handed
// to the kernel's IP stack; packets read from it are outbound IP packets
// the kernel routed onto the device.
type Device interface {
	// Read delivers the next IP packet into buf, returning its length.
	// One Read call yields at most one packet.
	Read(buf []byte) (int, error)

	// Write injects one IP packet into the interface.
	Write(packet []byte) (int, error)

	// Name returns the interface name actually bound, which may differ
	// from the hint passed to Create when the hint was empty or "auto".
	Name() string

	// Close releases the underlying descriptor.
	Close() error
}

// Config selects how the device is created.
type Config struct {
	// NameHint is the interface name to request, or "" / "auto" to let
	// the OS or backend choose one.
	NameHint string
}
