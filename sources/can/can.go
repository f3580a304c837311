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

// Package can implements the CAN Source: it reads raw frames off a Linux
// SocketCAN interface, decodes each frame's bytes per the configured signal
// table, and pushes one bus.Sample per matched descriptor.
package can

import (
	"context"
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/fsae-rt/telemetry/bus"
	"github.com/fsae-rt/telemetry/clock"
	"github.com/fsae-rt/telemetry/config"
	"github.com/fsae-rt/telemetry/internal/errs"
)

// Frame is one CAN frame: an 11/29-bit arbitration id plus up to 8 data
// bytes. It mirrors struct can_frame from linux/can.h.
type Frame struct {
	ID   uint32
	DLC  uint8
	Data [8]byte
}

// FrameReader yields CAN frames until ctx is cancelled or the underlying
// transport fails.
type FrameReader interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// sizeofCanFrame matches linux/can.h's struct can_frame, padded to 16 bytes
// (4 id + 1 dlc + 3 pad + 8 data).
const sizeofCanFrame = 16

// socketReader is a FrameReader backed by a Linux SocketCAN raw socket.
type socketReader struct {
	fd int
}

// OpenSocketCAN binds a CAN_RAW socket to the named interface (e.g. "can0").
func OpenSocketCAN(ifname string) (FrameReader, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("%w: opening CAN_RAW socket: %v", errs.ErrTransportDown, err)
	}
	ifi, err := unix.IfNameToIndex(ifname)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: resolving %s: %v", errs.ErrTransportDown, ifname, err)
	}
	addr := &unix.SockaddrCAN{Ifindex: int(ifi)}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: binding to %s: %v", errs.ErrTransportDown, ifname, err)
	}
	return &socketReader{fd: fd}, nil
}

func (r *socketReader) ReadFrame(ctx context.Context) (Frame, error) {
	raw := make([]byte, sizeofCanFrame)
	n, err := unix.Read(r.fd, raw)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: reading CAN frame: %v", errs.ErrTransportDown, err)
	}
	if n < sizeofCanFrame {
		return Frame{}, fmt.Errorf("%w: short CAN frame read (%d bytes)", errs.ErrTransportDown, n)
	}
	var f Frame
	f.ID = binary.LittleEndian.Uint32(raw[0:4]) &^ unix.CAN_EFF_FLAG &^ unix.CAN_RTR_FLAG &^ unix.CAN_ERR_FLAG
	f.DLC = raw[4]
	copy(f.Data[:], raw[8:16])
	return f, nil
}

func (r *socketReader) Close() error {
	return unix.Close(r.fd)
}

// Source decodes CAN frames against a signal table and pushes Samples onto
// the shared bus, timestamped by the disciplined clock at the instant each
// frame is decoded.
type Source struct {
	reader FrameReader
	bus    *bus.Bus
	clock  *clock.Clock
	canMap map[uint16][]config.CANSignal
	log    *log.Entry
}

// New constructs a CAN Source over an already-open reader.
func New(reader FrameReader, b *bus.Bus, clk *clock.Clock, canMap map[uint16][]config.CANSignal, logger *log.Entry) *Source {
	return &Source{reader: reader, bus: b, clock: clk, canMap: canMap, log: logger.WithField("source", "can")}
}

// Run reads frames until ctx is cancelled, decoding and pushing samples for
// every frame whose arbitration id has configured signals.
func (s *Source) Run(ctx context.Context) error {
	defer s.reader.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		frame, err := s.reader.ReadFrame(ctx)
		if err != nil {
			return err
		}
		signals, ok := s.canMap[uint16(frame.ID)]
		if !ok {
			continue
		}
		now := s.clock.NowUs()
		for _, sig := range signals {
			raw, ok := extractRaw(frame.Data[:], sig)
			if !ok {
				s.log.WithField("canId", frame.ID).Warn("signal descriptor out of frame bounds, skipping")
				continue
			}
			value := float32(raw) * sig.Mult / sig.Div
			s.bus.Push(bus.Sample{TimestampUs: now, ID: sig.ID, Value: value})
		}
	}
}

// extractRaw pulls sig.Len bytes at sig.Start out of data using the
// configured endianness, sign-extending to int64 if sig.Signed.
func extractRaw(data []byte, sig config.CANSignal) (int64, bool) {
	start := int(sig.Start)
	length := int(sig.Len)
	if length == 0 || length > 8 || start+length > len(data) {
		return 0, false
	}
	window := data[start : start+length]

	var u uint64
	if sig.LE {
		for i := length - 1; i >= 0; i-- {
			u = u<<8 | uint64(window[i])
		}
	} else {
		for i := 0; i < length; i++ {
			u = u<<8 | uint64(window[i])
		}
	}

	if !sig.Signed {
		return int64(u), true
	}
	bits := uint(length * 8)
	signBit := uint64(1) << (bits - 1)
	if u&signBit != 0 {
		u -= uint64(1) << bits
	}
	return int64(u), true
}
