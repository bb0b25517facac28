//go:build !linux

package tun

import "github.com/songgao/water"

// Interface names are assigned by the platform driver outside Linux.
func waterConfig(string) water.Config {
	return water.Config{DeviceType: water.TUN}
}
