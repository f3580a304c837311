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

// Package imu implements the IMU Source: it polls an attached inertial
// measurement unit and pushes its seven fixed channels onto the bus.
package imu

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fsae-rt/telemetry/bus"
	"github.com/fsae-rt/telemetry/clock"
)

// Fixed channel ids for the IMU's seven signals. These are not
// user-configurable like CAN or analog descriptors: the channel set is a
// property of the hardware, not a per-car calibration.
const (
	ChannelAccelX   uint8 = 20
	ChannelAccelY   uint8 = 21
	ChannelAccelZ   uint8 = 22
	ChannelHeading  uint8 = 23
	ChannelPitch    uint8 = 24
	ChannelRoll     uint8 = 25
	ChannelVelocity uint8 = 26
)

// Reading is one poll of the IMU's seven channels.
type Reading struct {
	AccelX, AccelY, AccelZ float32
	Heading, Pitch, Roll   float32
	Velocity               float32
}

// Reader yields the IMU's current orientation and acceleration state.
type Reader interface {
	Read() (Reading, error)
}

// Source polls Reader at a fixed period and pushes one Sample per channel.
type Source struct {
	reader Reader
	bus    *bus.Bus
	clock  *clock.Clock
	period time.Duration
	log    *log.Entry
}

// New constructs an IMU Source polling at sampleRateHz.
func New(reader Reader, b *bus.Bus, clk *clock.Clock, sampleRateHz uint16, logger *log.Entry) *Source {
	if sampleRateHz == 0 {
		sampleRateHz = 1
	}
	return &Source{
		reader: reader,
		bus:    b,
		clock:  clk,
		period: time.Second / time.Duration(sampleRateHz),
		log:    logger.WithField("source", "imu"),
	}
}

// Run polls the IMU every period until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Source) pollOnce() {
	r, err := s.reader.Read()
	if err != nil {
		s.log.WithError(err).Debug("imu read failed, skipping this tick")
		return
	}
	now := s.clock.NowUs()
	for id, v := range map[uint8]float32{
		ChannelAccelX:   r.AccelX,
		ChannelAccelY:   r.AccelY,
		ChannelAccelZ:   r.AccelZ,
		ChannelHeading:  r.Heading,
		ChannelPitch:    r.Pitch,
		ChannelRoll:     r.Roll,
		ChannelVelocity: r.Velocity,
	} {
		s.bus.Push(bus.Sample{TimestampUs: now, ID: id, Value: v})
	}
}
