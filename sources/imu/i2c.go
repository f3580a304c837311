/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package imu

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fsae-rt/telemetry/internal/errs"
)

// i2cSlave is ioctl I2C_SLAVE from linux/i2c-dev.h. No third-party I2C
// driver in the reference stack covers this sensor family, so this talks
// to the kernel's i2c-dev character device directly, the same way
// phc/unix reaches PTP hardware clocks through raw ioctls.
const i2cSlave = 0x0703

// accelScale converts a +-4g, 16-bit reading to g, matching the reference
// board's fixed sensor configuration.
const accelScale = 4.0 / 32768.0
const gravityMS2 = 9.80665

const regAccelXHigh = 0x3B

// I2CReader polls a 6-axis accelerometer/gyroscope over /dev/i2c-N and
// derives the IMU Source's seven channels from the raw accelerometer sample
// (the gyroscope registers are read but not used): tilt
// angles from the accelerometer, heading left at zero since the board
// carries no magnetometer, and forward velocity by naive integration of the
// X-axis acceleration.
type I2CReader struct {
	fd       int
	lastTime time.Time
	velocity float32
}

// OpenI2CReader opens devicePath (e.g. "/dev/i2c-1") and selects addr as
// the active slave.
func OpenI2CReader(devicePath string, addr uint16) (*I2CReader, error) {
	fd, err := unix.Open(devicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", errs.ErrTransportDown, devicePath, err)
	}
	if err := unix.IoctlSetInt(fd, i2cSlave, int(addr)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: selecting i2c address 0x%x: %v", errs.ErrTransportDown, addr, err)
	}
	return &I2CReader{fd: fd, lastTime: time.Now()}, nil
}

// Close releases the underlying device file.
func (r *I2CReader) Close() error {
	return unix.Close(r.fd)
}

// Read implements Reader.
func (r *I2CReader) Read() (Reading, error) {
	raw := make([]byte, 14)
	if _, err := unix.Write(r.fd, []byte{regAccelXHigh}); err != nil {
		return Reading{}, fmt.Errorf("%w: selecting imu register: %v", errs.ErrTransportDown, err)
	}
	n, err := unix.Read(r.fd, raw)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: reading imu registers: %v", errs.ErrTransportDown, err)
	}
	if n < len(raw) {
		return Reading{}, fmt.Errorf("%w: short imu read (%d bytes)", errs.ErrTransportDown, n)
	}

	accelX := float32(int16(binary.BigEndian.Uint16(raw[0:2]))) * accelScale
	accelY := float32(int16(binary.BigEndian.Uint16(raw[2:4]))) * accelScale
	accelZ := float32(int16(binary.BigEndian.Uint16(raw[4:6]))) * accelScale
	// raw[6:8] is the sensor's onboard temperature register, raw[8:14] its
	// gyroscope axes; neither feeds a bus channel without a magnetometer to
	// bound heading drift, so only the accelerometer is decoded here.

	now := time.Now()
	dt := now.Sub(r.lastTime).Seconds()
	r.lastTime = now
	r.velocity += accelX * gravityMS2 * float32(dt)

	pitch, roll := tiltAngles(accelX, accelY, accelZ)

	return Reading{
		AccelX:   accelX,
		AccelY:   accelY,
		AccelZ:   accelZ,
		Heading:  0,
		Pitch:    pitch,
		Roll:     roll,
		Velocity: r.velocity,
	}, nil
}

// tiltAngles derives pitch and roll, in degrees, from a single accelerometer
// sample under the small-angle/no-linear-acceleration assumption.
func tiltAngles(accelX, accelY, accelZ float32) (pitch, roll float32) {
	pitch = float32(math.Atan2(float64(-accelX), float64(math.Hypot(float64(accelY), float64(accelZ))))) * 180 / math.Pi
	roll = float32(math.Atan2(float64(accelY), float64(accelZ))) * 180 / math.Pi
	return pitch, roll
}
