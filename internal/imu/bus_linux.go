//go:build linux

package imu

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// I2C_RDWR lets a register read be a combined write+read with a repeated
// start, which the ICM-20948 requires.
const (
	i2cMsgRead = 0x0001
	i2cRdwr    = 0x0707
)

type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

type i2cRdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

// bus is one 7-bit device on an opened /dev/i2c-N. Transfers are serialized.
type bus struct {
	mu   sync.Mutex
	f    *os.File
	addr uint16
}

func openBus(path string, addr uint16) (*bus, error) {
	if addr == 0 || addr > 0x7F {
		return nil, fmt.Errorf("invalid i2c addr 0x%X", addr)
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &bus{f: f, addr: addr}, nil
}

func (b *bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

func (b *bus) ReadReg(reg byte, dst []byte) error {
	return b.tx([]byte{reg}, dst)
}

func (b *bus) ReadRegU8(reg byte) (byte, error) {
	var v [1]byte
	if err := b.ReadReg(reg, v[:]); err != nil {
		return 0, err
	}
	return v[0], nil
}

func (b *bus) WriteReg(reg, value byte) error {
	return b.tx([]byte{reg, value}, nil)
}

func (b *bus) tx(w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return errors.New("i2c bus is closed")
	}

	msgs := make([]i2cMsg, 0, 2)
	if len(w) > 0 {
		msgs = append(msgs, i2cMsg{addr: b.addr, len: uint16(len(w)), buf: uintptr(unsafe.Pointer(&w[0]))})
	}
	if len(r) > 0 {
		msgs = append(msgs, i2cMsg{addr: b.addr, flags: i2cMsgRead, len: uint16(len(r)), buf: uintptr(unsafe.Pointer(&r[0]))})
	}
	if len(msgs) == 0 {
		return nil
	}

	data := i2cRdwrData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(len(msgs))}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), uintptr(i2cRdwr), uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return fmt.Errorf("i2c 0x%02X: %w", b.addr, errno)
	}
	return nil
}
