package gattlink

import "github.com/fako1024/gatt"

func clientOptions(hciDevice int) []gatt.Option {
	return []gatt.Option{
		gatt.LnxMaxConnections(1),
		gatt.LnxDeviceID(hciDevice, true),
	}
}
