//go:build !linux

package gattlink

import "github.com/fako1024/gatt"

func clientOptions(_ int) []gatt.Option {
	return nil
}
