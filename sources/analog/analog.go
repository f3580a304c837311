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

// Package analog implements the Analog Source: it samples configured ADC
// pins at sampleRateHz and maps each raw volt reading through a two-point
// linear calibration into engineering units.
package analog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fsae-rt/telemetry/bus"
	"github.com/fsae-rt/telemetry/clock"
	"github.com/fsae-rt/telemetry/config"
	"github.com/fsae-rt/telemetry/internal/errs"
)

// referenceVolts is the ADC's full-scale reference, matching the original
// firmware's 3.3V rail.
const referenceVolts = 3.3

// PinReader reads the instantaneous volts present at a pin.
type PinReader interface {
	ReadVolts(pin uint8) (float32, error)
}

// Source samples every configured analog channel once per tick and pushes a
// Sample for each, linearly mapped per its descriptor.
type Source struct {
	reader  PinReader
	bus     *bus.Bus
	clock   *clock.Clock
	signals []config.AnalogSignal
	period  time.Duration
	log     *log.Entry
}

// New constructs an Analog Source sampling at sampleRateHz.
func New(reader PinReader, b *bus.Bus, clk *clock.Clock, signals []config.AnalogSignal, sampleRateHz uint16, logger *log.Entry) *Source {
	if sampleRateHz == 0 {
		sampleRateHz = 1
	}
	return &Source{
		reader:  reader,
		bus:     b,
		clock:   clk,
		signals: signals,
		period:  time.Second / time.Duration(sampleRateHz),
		log:     logger.WithField("source", "analog"),
	}
}

// Run samples every configured channel every period until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Source) sampleOnce() {
	now := s.clock.NowUs()
	for _, sig := range s.signals {
		volts, err := s.reader.ReadVolts(sig.Pin)
		if err != nil {
			s.log.WithError(err).WithField("pin", sig.Pin).Debug("analog read failed, skipping channel")
			continue
		}
		value := linearMap(volts, sig.Val0V, sig.Val3V)
		s.bus.Push(bus.Sample{TimestampUs: now, ID: sig.ID, Value: value})
	}
}

// linearMap implements value = val0v + (adcVolts/3.3) * (val3v3 - val0v).
func linearMap(adcVolts, val0v, val3v3 float32) float32 {
	return val0v + (adcVolts/referenceVolts)*(val3v3-val0v)
}

// iioMaxCount is the full-scale raw reading of the IIO ADC channels used on
// the reference board (12-bit).
const iioMaxCount = 4095

// SysfsPinReader reads ADC channels exposed by the Linux IIO subsystem under
// /sys/bus/iio/devices. No third-party ADC driver in the reference stack
// covers this chip family, so this talks directly to the sysfs files the
// kernel already exports; pin identifies the IIO channel index.
type SysfsPinReader struct {
	devicePath string
}

// NewSysfsPinReader builds a reader rooted at an iio:deviceN directory, e.g.
// "/sys/bus/iio/devices/iio:device0".
func NewSysfsPinReader(devicePath string) *SysfsPinReader {
	return &SysfsPinReader{devicePath: devicePath}
}

// ReadVolts reads in_voltage<pin>_raw and in_voltage<pin>_scale (or a
// shared scale file) and returns their product in volts.
func (r *SysfsPinReader) ReadVolts(pin uint8) (float32, error) {
	raw, err := r.readIntFile(fmt.Sprintf("in_voltage%d_raw", pin))
	if err != nil {
		return 0, err
	}
	scale, err := r.readScale(pin)
	if err != nil {
		return 0, err
	}
	return float32(raw) * scale, nil
}

func (r *SysfsPinReader) readScale(pin uint8) (float32, error) {
	perChannel := filepath.Join(r.devicePath, fmt.Sprintf("in_voltage%d_scale", pin))
	if b, err := os.ReadFile(perChannel); err == nil {
		return parseScale(b)
	}
	shared := filepath.Join(r.devicePath, "in_voltage_scale")
	b, err := os.ReadFile(shared)
	if err != nil {
		return 0, fmt.Errorf("%w: reading adc scale for pin %d: %v", errs.ErrTransportDown, pin, err)
	}
	return parseScale(b)
}

func parseScale(b []byte) (float32, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 32)
	if err != nil {
		return 0, fmt.Errorf("%w: parsing adc scale: %v", errs.ErrTransportDown, err)
	}
	// IIO scale is millivolts per raw count.
	return float32(v) / 1000, nil
}

func (r *SysfsPinReader) readIntFile(name string) (int, error) {
	b, err := os.ReadFile(filepath.Join(r.devicePath, name))
	if err != nil {
		return 0, fmt.Errorf("%w: reading %s: %v", errs.ErrTransportDown, name, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("%w: parsing %s: %v", errs.ErrTransportDown, name, err)
	}
	if v < 0 {
		v = 0
	}
	if v > iioMaxCount {
		v = iioMaxCount
	}
	return v, nil
}
