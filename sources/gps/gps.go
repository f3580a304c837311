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

// Package gps implements the GPS Source: it reads NMEA sentences from the
// GPS receiver, pushes its five positioning channels onto the bus at a
// lower rate than the other sources, and is the sole feed into the Clock's
// PPS/date-time discipline. The receiver is owned exclusively by this
// source; nothing else touches it.
package gps

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fsae-rt/telemetry/bus"
	"github.com/fsae-rt/telemetry/clock"
)

// Fixed channel ids for the GPS's five signals, see imu.Channel* for the
// rationale: hardware-fixed, not user-configurable.
const (
	ChannelLat     uint8 = 30
	ChannelLon     uint8 = 31
	ChannelHeading uint8 = 32
	ChannelSpeed   uint8 = 33
	ChannelSats    uint8 = 34
)

// Fix is one decoded NMEA position/time fix.
type Fix struct {
	Lat, Lon, Heading, Speed float32
	Satellites               uint8

	TimeValid bool
	UTC       time.Time
}

// NMEAReader yields decoded fixes from the GPS receiver's serial stream.
// It also exposes the PPS edge timestamp, since on this hardware the PPS
// line is wired through the same receiver module.
type NMEAReader interface {
	ReadFix(ctx context.Context) (Fix, error)
	// PPSEdges delivers the local microsecond counter value captured at
	// each PPS rising edge. Closed when the reader is closed.
	PPSEdges() <-chan uint64
}

// ppsSink receives PPS edges; implemented by *clock.Clock in production.
type ppsSink interface {
	OnPpsEdge(localUs uint64)
	SetGPSDateTime(t time.Time)
}

// Source reads fixes and PPS edges and drives both the bus and the Clock's
// discipline inputs.
type Source struct {
	reader NMEAReader
	bus    *bus.Bus
	clock  *clock.Clock
	sink   ppsSink
	log    *log.Entry
}

// New constructs a GPS Source. clk is both the bus timestamp source and the
// PPS/date-time discipline sink.
func New(reader NMEAReader, b *bus.Bus, clk *clock.Clock, logger *log.Entry) *Source {
	return &Source{reader: reader, bus: b, clock: clk, sink: clk, log: logger.WithField("source", "gps")}
}

// Run reads fixes and PPS edges concurrently until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	ppsDone := make(chan struct{})
	go func() {
		defer close(ppsDone)
		for {
			select {
			case <-ctx.Done():
				return
			case edgeUs, ok := <-s.reader.PPSEdges():
				if !ok {
					return
				}
				s.sink.OnPpsEdge(edgeUs)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-ppsDone
			return nil
		default:
		}
		fix, err := s.reader.ReadFix(ctx)
		if err != nil {
			return err
		}
		s.handleFix(fix)
	}
}

func (s *Source) handleFix(fix Fix) {
	if fix.TimeValid {
		s.sink.SetGPSDateTime(fix.UTC)
	}
	now := s.clock.NowUs()
	s.bus.Push(bus.Sample{TimestampUs: now, ID: ChannelLat, Value: fix.Lat})
	s.bus.Push(bus.Sample{TimestampUs: now, ID: ChannelLon, Value: fix.Lon})
	s.bus.Push(bus.Sample{TimestampUs: now, ID: ChannelHeading, Value: fix.Heading})
	s.bus.Push(bus.Sample{TimestampUs: now, ID: ChannelSpeed, Value: fix.Speed})
	s.bus.Push(bus.Sample{TimestampUs: now, ID: ChannelSats, Value: float32(fix.Satellites)})
}
