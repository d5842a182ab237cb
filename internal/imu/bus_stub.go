//go:build !linux

package imu

import "errors"

var errNoI2C = errors.New("i2c requires linux")

type bus struct{}

func openBus(path string, addr uint16) (*bus, error) { return nil, errNoI2C }

func (b *bus) Close() error                       { return nil }
func (b *bus) ReadReg(reg byte, dst []byte) error { return errNoI2C }
func (b *bus) ReadRegU8(reg byte) (byte, error)   { return 0, errNoI2C }
func (b *bus) WriteReg(reg, value byte) error     { return errNoI2C }
