// Package imu reads accelerometer and gyroscope samples from an ICM-20948
// over Linux I2C, in SI units.
package imu

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"

	"disptrack/internal/fusion"
)

// ErrNotDetected is returned when no ICM-20948 answers on the configured bus.
var ErrNotDetected = errors.New("imu: not detected")

var sleep = time.Sleep

const (
	DefaultAddr = 0x68
	DefaultBus  = 1

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	clkAuto       = 0x01
	regIntEnable  = 0x10
	regAccelXoutH = 0x2D // accel then gyro, 12 bytes

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig1  = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	// FS_SEL lives in bits [2:1].
	fsGyro500dps = 0x01 << 1
	fsAccel4g    = 0x01 << 1

	baseRateHz  = 1125
	sampleRate  = 100
	accelRangeG = 4.0
	gyroRangeDS = 500.0
)

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

// ICM20948 is an initialized sensor. It implements sample.Poller.
type ICM20948 struct {
	dev    regIO
	closer func() error

	curBank    byte
	scaleAccel float64 // raw -> m/s²
	scaleGyro  float64 // raw -> rad/s
}

// Open probes the sensor at addr on /dev/i2c-<busNum> and configures it for
// ±4 g / ±500 °/s at 100 Hz.
func Open(busNum int, addr uint16) (*ICM20948, error) {
	if busNum < 0 {
		busNum = DefaultBus
	}
	if addr == 0 {
		addr = DefaultAddr
	}
	path := fmt.Sprintf("/dev/i2c-%d", busNum)
	b, err := openBus(path, addr)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotDetected, path, err)
		}
		return nil, fmt.Errorf("imu: open %s: %w", path, err)
	}
	d, err := newWithIO(b)
	if err != nil {
		return nil, multierr.Append(err, b.Close())
	}
	d.closer = b.Close
	return d, nil
}

func newWithIO(dev regIO) (*ICM20948, error) {
	d := &ICM20948{dev: dev, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("%w: whoami read failed: %v", ErrNotDetected, err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("%w: whoami=0x%02X want 0x%02X", ErrNotDetected, who, whoAmIVal)
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *ICM20948) init() error {
	if err := d.setBank(0); err != nil {
		return err
	}
	_ = d.dev.WriteReg(regIntEnable, 0x00)

	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	// Reset returns the bank select to 0.
	d.curBank = 0

	if err := d.dev.WriteReg(regPwrMgmt1, clkAuto); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	if err := d.setBank(bank2); err != nil {
		return err
	}
	div := byte(baseRateHz/sampleRate - 1)
	if err := d.dev.WriteReg(regGyroSmplrt, div); err != nil {
		return fmt.Errorf("icm20948: gyro rate failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelSmplrt2, div); err != nil {
		return fmt.Errorf("icm20948: accel rate failed: %w", err)
	}
	if err := d.dev.WriteReg(regGyroConfig1, fsGyro500dps); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, fsAccel4g); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}
	if err := d.setBank(0); err != nil {
		return err
	}

	d.scaleAccel = accelRangeG / 32768.0 * fusion.StandardGravity
	d.scaleGyro = gyroRangeDS / 32768.0 * math.Pi / 180
	return nil
}

func (d *ICM20948) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

// Poll reads one accelerometer (m/s²) and gyroscope (rad/s) pair.
func (d *ICM20948) Poll() (accel, gyro r3.Vector, err error) {
	if err := d.setBank(0); err != nil {
		return r3.Vector{}, r3.Vector{}, err
	}
	var buf [12]byte
	if err := d.dev.ReadReg(regAccelXoutH, buf[:]); err != nil {
		return r3.Vector{}, r3.Vector{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}

	raw := func(i int) float64 { return float64(int16(buf[i])<<8 | int16(buf[i+1])) }
	accel = r3.Vector{X: raw(0), Y: raw(2), Z: raw(4)}.Mul(d.scaleAccel)
	gyro = r3.Vector{X: raw(6), Y: raw(8), Z: raw(10)}.Mul(d.scaleGyro)
	return accel, gyro, nil
}

func (d *ICM20948) Close() error {
	if d.closer == nil {
		return nil
	}
	c := d.closer
	d.closer = nil
	return c()
}
