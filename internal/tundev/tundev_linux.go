//go:build linux

package tundev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const ifNameSize = 16

// linuxDevice is a TUN device opened against /dev/net/tun via TUNSETIFF,
// grounded directly on the reference implementation's tun_create.
type linuxDevice struct {
	file *os.File
	name string
}

// Create opens /dev/net/tun and binds it to cfg.NameHint (or lets the
// kernel assign a name when NameHint is "" or "auto").
func Create(cfg Config) (Device, error) {
	wanted := cfg.NameHint
	if wanted == "auto" {
		wanted = ""
	}
	if len(wanted) >= ifNameSize {
		return nil, fmt.Errorf("tundev: interface name %q too long", wanted)
	}

	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tundev: open /dev/net/tun: %w", err)
	}

	var ifr [40]byte // struct ifreq: IFNAMSIZ name + union, 40 bytes is ample on amd64/arm64
	copy(ifr[:ifNameSize], wanted)

	flags := uint16(unix.IFF_TUN | unix.IFF_NO_PI)
	ifr[ifNameSize] = byte(flags)
	ifr[ifNameSize+1] = byte(flags >> 8)

	if err := ioctl(f.Fd(), unix.TUNSETIFF, &ifr[0]); err != nil {
		f.Close()
		return nil, fmt.Errorf("tundev: TUNSETIFF: %w", err)
	}

	name := nullTerminatedString(ifr[:ifNameSize])
	return &linuxDevice{file: f, name: name}, nil
}

func (d *linuxDevice) Read(buf []byte) (int, error)  { return d.file.Read(buf) }
func (d *linuxDevice) Write(pkt []byte) (int, error) { return d.file.Write(pkt) }
func (d *linuxDevice) Name() string                  { return d.name }
func (d *linuxDevice) Close() error                  { return d.file.Close() }

func nullTerminatedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
