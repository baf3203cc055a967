//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package tundev

import (
	"fmt"

	"github.com/songgao/water"
)

// bsdDevice wraps a songgao/water interface. BSD-family TUN devices
// deliver a 4-byte address-family header in front of every packet; water
// strips/prepends it for us, so this package's callers still see bare IP
// packets, matching the Linux backend's contract.
type bsdDevice struct {
	ifce *water.Interface
}

// Create opens a utun/tun device through the kernel control socket API.
// cfg.NameHint is honored where the platform allows naming it (e.g.
// "utun7"); elsewhere the kernel assigns one and Name() reports it.
func Create(cfg Config) (Device, error) {
	name := cfg.NameHint
	if name == "auto" {
		name = ""
	}

	waterCfg := water.Config{DeviceType: water.TUN}
	waterCfg.PlatformSpecificParams = water.PlatformSpecificParams{
		Name:    name,
		Persist: false,
	}

	ifce, err := water.New(waterCfg)
	if err != nil {
		return nil, fmt.Errorf("tundev: create TUN device: %w", err)
	}
	return &bsdDevice{ifce: ifce}, nil
}

func (d *bsdDevice) Read(buf []byte) (int, error)  { return d.ifce.Read(buf) }
func (d *bsdDevice) Write(pkt []byte) (int, error) { return d.ifce.Write(pkt) }
func (d *bsdDevice) Name() string                  { return d.ifce.Name() }
func (d *bsdDevice) Close() error                  { return d.ifce.Close() }
